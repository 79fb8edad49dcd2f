package cachesync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/strata/pkg/domain"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]CacheRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[uuid.UUID]CacheRow{}}
}

func (s *fakeStore) Upsert(ctx context.Context, row CacheRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.File.FileID] = row
	return nil
}

func (s *fakeStore) Update(ctx context.Context, row CacheRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.File.FileID]; !ok {
		return false, nil
	}
	s.rows[row.File.FileID] = row
	return true, nil
}

func (s *fakeStore) Delete(ctx context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, fileID)
	return nil
}

func (s *fakeStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = map[uuid.UUID]CacheRow{}
	return nil
}

func (s *fakeStore) get(id uuid.UUID) (CacheRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeSource struct {
	files []domain.File
}

func (f *fakeSource) ListAllFiles(ctx context.Context, cursor func(domain.File) error) error {
	for _, file := range f.files {
		if err := cursor(file); err != nil {
			return err
		}
	}
	return nil
}

func testFile(name string) domain.File {
	return domain.File{FileID: uuid.New(), OriginalFilename: name, RetentionPolicy: domain.RetentionTemporary}
}

func TestHandleCreatedUpserts(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeSource{}, silentLogger())
	file := testFile("a.txt")

	err := s.Handle(context.Background(), domain.Event{EventType: domain.EventFileCreated, FileID: file.FileID, File: &file})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	row, ok := store.get(file.FileID)
	if !ok || row.File.OriginalFilename != "a.txt" {
		t.Fatalf("row = %+v, ok=%v", row, ok)
	}
}

func TestHandleCreatedIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeSource{}, silentLogger())
	file := testFile("a.txt")
	ev := domain.Event{EventType: domain.EventFileCreated, FileID: file.FileID, File: &file}

	for i := 0; i < 3; i++ {
		if err := s.Handle(context.Background(), ev); err != nil {
			t.Fatalf("Handle iteration %d: %v", i, err)
		}
	}
	if store.count() != 1 {
		t.Fatalf("count = %d, want 1 after repeated delivery", store.count())
	}
}

func TestHandleUpdatedFallsBackToUpsertWhenMissing(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeSource{}, silentLogger())
	file := testFile("b.txt")

	// file:created was missed; file:updated arrives first.
	err := s.Handle(context.Background(), domain.Event{EventType: domain.EventFileUpdated, FileID: file.FileID, File: &file})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := store.get(file.FileID); !ok {
		t.Fatal("expected updated to fall back to upsert when no row existed")
	}
}

func TestHandleUpdatedUpdatesExistingRow(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeSource{}, silentLogger())
	file := testFile("c.txt")
	_ = s.Handle(context.Background(), domain.Event{EventType: domain.EventFileCreated, FileID: file.FileID, File: &file})

	file.RetentionPolicy = domain.RetentionPermanent
	err := s.Handle(context.Background(), domain.Event{EventType: domain.EventFileUpdated, FileID: file.FileID, File: &file})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	row, _ := store.get(file.FileID)
	if row.File.RetentionPolicy != domain.RetentionPermanent {
		t.Fatal("expected update to overwrite the existing row")
	}
}

func TestHandleDeletedRemovesRow(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeSource{}, silentLogger())
	file := testFile("d.txt")
	_ = s.Handle(context.Background(), domain.Event{EventType: domain.EventFileCreated, FileID: file.FileID, File: &file})

	err := s.Handle(context.Background(), domain.Event{EventType: domain.EventFileDeleted, FileID: file.FileID})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := store.get(file.FileID); ok {
		t.Fatal("expected row to be removed")
	}
}

func TestHandleDeletedIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s := New(store, &fakeSource{}, silentLogger())
	fileID := uuid.New()

	for i := 0; i < 3; i++ {
		if err := s.Handle(context.Background(), domain.Event{EventType: domain.EventFileDeleted, FileID: fileID}); err != nil {
			t.Fatalf("Handle iteration %d: %v", i, err)
		}
	}
}

func TestRebuildRepopulatesFromSource(t *testing.T) {
	store := newFakeStore()
	f1, f2 := testFile("x.txt"), testFile("y.txt")
	// Stale row that should be cleared by the rebuild.
	_ = store.Upsert(context.Background(), CacheRow{File: testFile("stale.txt")})

	s := New(store, &fakeSource{files: []domain.File{f1, f2}}, silentLogger())
	if err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("count = %d, want 2", store.count())
	}
	if _, ok := store.get(f1.FileID); !ok {
		t.Fatal("expected f1 to be present after rebuild")
	}
}
