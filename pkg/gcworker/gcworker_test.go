package gcworker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/strata/pkg/domain"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQueue struct {
	mu      sync.Mutex
	entries map[int64]domain.CleanupQueueEntry
	nextID  int64
}

func newFakeQueue(entries ...domain.CleanupQueueEntry) *fakeQueue {
	m := map[int64]domain.CleanupQueueEntry{}
	var nextID int64
	for _, e := range entries {
		m[e.ID] = e
		if e.ID >= nextID {
			nextID = e.ID + 1
		}
	}
	return &fakeQueue{entries: m, nextID: nextID}
}

func (q *fakeQueue) ListDue(ctx context.Context, now time.Time) ([]domain.CleanupQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.CleanupQueueEntry
	for _, e := range q.entries {
		if e.ProcessedAt == nil && !e.ScheduledAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkProcessed(ctx context.Context, id int64, now time.Time, success bool, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entries[id]
	e.ProcessedAt = &now
	e.Success = &success
	e.ErrorMessage = errorMessage
	q.entries[id] = e
	return nil
}

func (q *fakeQueue) Reschedule(ctx context.Context, id int64, retryCount int, scheduledAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entries[id]
	e.RetryCount = retryCount
	e.ScheduledAt = scheduledAt
	q.entries[id] = e
	return nil
}

func (q *fakeQueue) Enqueue(ctx context.Context, entry domain.CleanupQueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.ID = q.nextID
	q.nextID++
	q.entries[entry.ID] = entry
	return nil
}

func (q *fakeQueue) get(id int64) domain.CleanupQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[id]
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type fakeResolver struct {
	elements map[string]domain.StorageElement
}

func (r *fakeResolver) GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error) {
	se, ok := r.elements[elementID]
	if !ok {
		return domain.StorageElement{}, domain.NewError(domain.KindInternal, "unknown element")
	}
	return se, nil
}

func (r *fakeResolver) ListStorageElements(ctx context.Context) ([]domain.StorageElement, error) {
	var out []domain.StorageElement
	for _, se := range r.elements {
		out = append(out, se)
	}
	return out, nil
}

type fakeDeleter struct {
	mu         sync.Mutex
	failTimes  map[uuid.UUID]int
	deleted    []uuid.UUID
	sidecars   map[string][]SidecarSummary
}

func (d *fakeDeleter) Delete(ctx context.Context, se domain.StorageElement, entry domain.CleanupQueueEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failTimes[entry.FileID] > 0 {
		d.failTimes[entry.FileID]--
		return errDeleteFailed
	}
	d.deleted = append(d.deleted, entry.FileID)
	return nil
}

func (d *fakeDeleter) ListSidecarsOlderThan(ctx context.Context, se domain.StorageElement, cutoff time.Time) ([]SidecarSummary, error) {
	return d.sidecars[se.ElementID], nil
}

var errDeleteFailed = fakeErr("delete failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakeFiles struct {
	existing map[uuid.UUID]bool
}

func (f *fakeFiles) FileExists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	return f.existing[fileID], nil
}

func TestSweepProcessesDueEntrySuccessfully(t *testing.T) {
	fileID := uuid.New()
	entry := domain.CleanupQueueEntry{ID: 1, FileID: fileID, StorageElementID: "se-1", ScheduledAt: time.Now().Add(-time.Minute)}
	queue := newFakeQueue(entry)
	resolver := &fakeResolver{elements: map[string]domain.StorageElement{"se-1": {ElementID: "se-1", APIURL: "http://se-1"}}}
	deleter := &fakeDeleter{failTimes: map[uuid.UUID]int{}}
	files := &fakeFiles{existing: map[uuid.UUID]bool{}}

	w := New(queue, resolver, resolver, deleter, files, silentLogger())
	w.sweepOnce(context.Background())

	got := queue.get(1)
	if got.ProcessedAt == nil || got.Success == nil || !*got.Success {
		t.Fatalf("entry = %+v, want processed successfully", got)
	}
	if len(deleter.deleted) != 1 {
		t.Fatalf("deleted = %v, want one delete call", deleter.deleted)
	}
}

func TestSweepReschedulesOnTransientFailure(t *testing.T) {
	fileID := uuid.New()
	entry := domain.CleanupQueueEntry{ID: 1, FileID: fileID, StorageElementID: "se-1", ScheduledAt: time.Now().Add(-time.Minute), RetryCount: 0}
	queue := newFakeQueue(entry)
	resolver := &fakeResolver{elements: map[string]domain.StorageElement{"se-1": {ElementID: "se-1", APIURL: "http://se-1"}}}
	deleter := &fakeDeleter{failTimes: map[uuid.UUID]int{fileID: 10}}
	files := &fakeFiles{existing: map[uuid.UUID]bool{}}

	w := New(queue, resolver, resolver, deleter, files, silentLogger())
	w.sweepOnce(context.Background())

	got := queue.get(1)
	if got.ProcessedAt != nil {
		t.Fatal("entry should remain unprocessed after a transient failure")
	}
	if got.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", got.RetryCount)
	}
	wantDelay := 1 * time.Hour
	gotDelay := got.ScheduledAt.Sub(time.Now())
	if gotDelay < wantDelay-time.Minute || gotDelay > wantDelay+time.Minute {
		t.Fatalf("reschedule delay = %v, want ~%v", gotDelay, wantDelay)
	}
}

func TestSweepGivesUpAfterMaxRetries(t *testing.T) {
	fileID := uuid.New()
	entry := domain.CleanupQueueEntry{ID: 1, FileID: fileID, StorageElementID: "se-1", ScheduledAt: time.Now().Add(-time.Minute), RetryCount: maxRetries}
	queue := newFakeQueue(entry)
	resolver := &fakeResolver{elements: map[string]domain.StorageElement{"se-1": {ElementID: "se-1", APIURL: "http://se-1"}}}
	deleter := &fakeDeleter{failTimes: map[uuid.UUID]int{fileID: 10}}
	files := &fakeFiles{existing: map[uuid.UUID]bool{}}

	w := New(queue, resolver, resolver, deleter, files, silentLogger())
	w.sweepOnce(context.Background())

	got := queue.get(1)
	if got.ProcessedAt == nil {
		t.Fatal("entry should be marked processed once retries are exhausted")
	}
	if got.Success == nil || *got.Success {
		t.Fatal("entry should be marked unsuccessful after exhausting retries")
	}
}

func TestOrphanScanEnqueuesEntriesForMissingFiles(t *testing.T) {
	missingID := uuid.New()
	presentID := uuid.New()
	queue := newFakeQueue()
	resolver := &fakeResolver{elements: map[string]domain.StorageElement{"se-1": {ElementID: "se-1", APIURL: "http://se-1"}}}
	deleter := &fakeDeleter{
		sidecars: map[string][]SidecarSummary{
			"se-1": {
				{FileID: missingID, Element: "se-1"},
				{FileID: presentID, Element: "se-1"},
			},
		},
	}
	files := &fakeFiles{existing: map[uuid.UUID]bool{presentID: true}}

	w := New(queue, resolver, resolver, deleter, files, silentLogger())
	w.orphanScanOnce(context.Background())

	if queue.count() != 1 {
		t.Fatalf("queue has %d entries, want 1", queue.count())
	}
	for _, e := range queue.entries {
		if e.FileID != missingID {
			t.Fatalf("enqueued entry for %v, want %v", e.FileID, missingID)
		}
		if e.Reason != domain.ReasonOrphaned {
			t.Fatalf("Reason = %v, want orphaned", e.Reason)
		}
	}
}
