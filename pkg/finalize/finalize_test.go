package finalize

import (
	"context"
	"errors"
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

type fakeFileRepo struct {
	mu    sync.Mutex
	files map[uuid.UUID]domain.File
}

func newFakeFileRepo(files ...domain.File) *fakeFileRepo {
	m := map[uuid.UUID]domain.File{}
	for _, f := range files {
		m[f.FileID] = f
	}
	return &fakeFileRepo{files: m}
}

func (f *fakeFileRepo) GetFile(ctx context.Context, fileID uuid.UUID) (domain.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return domain.File{}, errors.New("not found")
	}
	return file, nil
}

func (f *fakeFileRepo) CommitFinalize(ctx context.Context, fileID uuid.UUID, targetSE, newStoragePath string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := f.files[fileID]
	file.RetentionPolicy = domain.RetentionPermanent
	file.FinalizedAt = &now
	file.StorageElementID = targetSE
	file.StoragePath = newStoragePath
	f.files[fileID] = file
	return nil
}

type fakeTxRepo struct {
	mu  sync.Mutex
	txs map[uuid.UUID]domain.FinalizeTransaction
}

func newFakeTxRepo() *fakeTxRepo {
	return &fakeTxRepo{txs: map[uuid.UUID]domain.FinalizeTransaction{}}
}

func (r *fakeTxRepo) Create(ctx context.Context, tx domain.FinalizeTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[tx.TransactionID] = tx
	return nil
}

func (r *fakeTxRepo) Get(ctx context.Context, transactionID uuid.UUID) (domain.FinalizeTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txs[transactionID], nil
}

func (r *fakeTxRepo) FindActiveByFile(ctx context.Context, fileID uuid.UUID) (*domain.FinalizeTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.FileID == fileID && !tx.Status.Terminal() {
			cp := tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeTxRepo) Update(ctx context.Context, tx domain.FinalizeTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[tx.TransactionID] = tx
	return nil
}

func (r *fakeTxRepo) ListStaleNonTerminal(ctx context.Context, olderThan time.Time) ([]domain.FinalizeTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FinalizeTransaction
	for _, tx := range r.txs {
		if !tx.Status.Terminal() && tx.UpdatedAt.Before(olderThan) {
			out = append(out, tx)
		}
	}
	return out, nil
}

type fakeCleanup struct {
	mu      sync.Mutex
	entries []domain.CleanupQueueEntry
}

func (c *fakeCleanup) Enqueue(ctx context.Context, entry domain.CleanupQueueEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

type fakeEvents struct {
	mu        sync.Mutex
	published []domain.Event
}

func (e *fakeEvents) Publish(ctx context.Context, ev domain.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, ev)
	return nil
}

type fakeSelector struct {
	target domain.StorageElement
	err    error
}

func (s *fakeSelector) SelectFinalizeTarget(ctx context.Context, fileSize int64) (domain.StorageElement, error) {
	return s.target, s.err
}

type fakeCopier struct {
	mu             sync.Mutex
	newPath        string
	targetChecksum string
	sourceChecksum string
	copyErr        error
	copyFailTimes  int
	copyCalls      int
	deletedPaths   []string
}

func (c *fakeCopier) Copy(ctx context.Context, sourceSE, targetSE domain.StorageElement, file domain.File) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copyCalls++
	if c.copyCalls <= c.copyFailTimes {
		return "", "", errors.New("transient copy failure")
	}
	if c.copyErr != nil {
		return "", "", c.copyErr
	}
	return c.newPath, c.targetChecksum, nil
}

func (c *fakeCopier) SourceChecksum(ctx context.Context, sourceSE domain.StorageElement, file domain.File) (string, error) {
	return c.sourceChecksum, nil
}

func (c *fakeCopier) DeleteTarget(ctx context.Context, targetSE domain.StorageElement, newStoragePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedPaths = append(c.deletedPaths, newStoragePath)
	return nil
}

func testFile() domain.File {
	return domain.File{
		FileID:           uuid.New(),
		StorageFilename:  "report_alice_20260801T140000_x.pdf",
		FileSize:         1024,
		ChecksumSHA256:   "abc123",
		RetentionPolicy:  domain.RetentionTemporary,
		StorageElementID: "se-edit-1",
	}
}

func TestFinalizeHappyPathCommits(t *testing.T) {
	file := testFile()
	files := newFakeFileRepo(file)
	txs := newFakeTxRepo()
	cleanup := &fakeCleanup{}
	events := &fakeEvents{}
	selector := &fakeSelector{target: domain.StorageElement{ElementID: "se-rw-1"}}
	copier := &fakeCopier{newPath: "2026/08/01/15/x.pdf", targetChecksum: "abc123", sourceChecksum: "abc123"}

	c := New(files, txs, cleanup, events, selector, copier, silentLogger())
	txn, err := c.Finalize(context.Background(), file.FileID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if txn.Status != domain.TxCompleted {
		t.Fatalf("Status = %v, want completed", txn.Status)
	}

	updated, _ := files.GetFile(context.Background(), file.FileID)
	if updated.RetentionPolicy != domain.RetentionPermanent {
		t.Fatal("expected file to become permanent")
	}
	if updated.StorageElementID != "se-rw-1" {
		t.Fatalf("StorageElementID = %q, want se-rw-1", updated.StorageElementID)
	}

	if len(cleanup.entries) != 1 || cleanup.entries[0].Reason != domain.ReasonFinalized {
		t.Fatalf("cleanup.entries = %v, want one finalized entry", cleanup.entries)
	}
	if len(events.published) != 1 || events.published[0].EventType != domain.EventFileUpdated {
		t.Fatalf("events.published = %v, want one file:updated", events.published)
	}
}

func TestFinalizeChecksumMismatchRollsBack(t *testing.T) {
	// Scenario 6: source sidecar has a wrong checksum.
	file := testFile()
	files := newFakeFileRepo(file)
	txs := newFakeTxRepo()
	cleanup := &fakeCleanup{}
	events := &fakeEvents{}
	selector := &fakeSelector{target: domain.StorageElement{ElementID: "se-rw-1"}}
	copier := &fakeCopier{newPath: "2026/08/01/15/x.pdf", targetChecksum: "abc123", sourceChecksum: "WRONG"}

	c := New(files, txs, cleanup, events, selector, copier, silentLogger())
	txn, err := c.Finalize(context.Background(), file.FileID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if txn.Status != domain.TxRolledBack {
		t.Fatalf("Status = %v, want rolled_back", txn.Status)
	}
	if txn.ErrorCode != "checksum_mismatch" {
		t.Fatalf("ErrorCode = %q, want checksum_mismatch", txn.ErrorCode)
	}

	updated, _ := files.GetFile(context.Background(), file.FileID)
	if updated.RetentionPolicy != domain.RetentionTemporary {
		t.Fatal("file record must be untouched on rollback")
	}
	if len(copier.deletedPaths) != 1 {
		t.Fatalf("expected a best-effort delete of the target object, got %v", copier.deletedPaths)
	}
	if len(cleanup.entries) != 0 || len(events.published) != 0 {
		t.Fatal("rollback must not enqueue cleanup or publish events")
	}
}

func TestFinalizeRetriesTransientCopyFailure(t *testing.T) {
	file := testFile()
	files := newFakeFileRepo(file)
	txs := newFakeTxRepo()
	selector := &fakeSelector{target: domain.StorageElement{ElementID: "se-rw-1"}}
	copier := &fakeCopier{copyFailTimes: 2, newPath: "path", targetChecksum: "abc123", sourceChecksum: "abc123"}

	c := New(files, txs, &fakeCleanup{}, &fakeEvents{}, selector, copier, silentLogger())
	txn, err := c.Finalize(context.Background(), file.FileID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if txn.Status != domain.TxCompleted {
		t.Fatalf("Status = %v, want completed after retries succeed", txn.Status)
	}
	if copier.copyCalls != 3 {
		t.Fatalf("copyCalls = %d, want 3 (2 failures + 1 success)", copier.copyCalls)
	}
}

func TestFinalizeExhaustsCopyRetries(t *testing.T) {
	file := testFile()
	files := newFakeFileRepo(file)
	txs := newFakeTxRepo()
	selector := &fakeSelector{target: domain.StorageElement{ElementID: "se-rw-1"}}
	copier := &fakeCopier{copyFailTimes: 10}

	c := New(files, txs, &fakeCleanup{}, &fakeEvents{}, selector, copier, silentLogger())
	txn, err := c.Finalize(context.Background(), file.FileID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if txn.Status != domain.TxRolledBack {
		t.Fatalf("Status = %v, want rolled_back after exhausting retries", txn.Status)
	}
	if copier.copyCalls != copyMaxTries {
		t.Fatalf("copyCalls = %d, want %d", copier.copyCalls, copyMaxTries)
	}
}

func TestFinalizeDuplicateCallReturnsExistingTransaction(t *testing.T) {
	file := testFile()
	files := newFakeFileRepo(file)
	txs := newFakeTxRepo()
	selector := &fakeSelector{target: domain.StorageElement{ElementID: "se-rw-1"}}

	blockingCopier := &fakeCopier{copyErr: errBlock}
	_ = blockingCopier

	existing := domain.FinalizeTransaction{
		TransactionID: uuid.New(),
		FileID:        file.FileID,
		Status:        domain.TxCopying,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	_ = txs.Create(context.Background(), existing)

	c := New(files, txs, &fakeCleanup{}, &fakeEvents{}, selector, &fakeCopier{}, silentLogger())
	txn, err := c.Finalize(context.Background(), file.FileID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if txn.TransactionID != existing.TransactionID {
		t.Fatal("expected the existing non-terminal transaction to be returned unchanged")
	}
}

var errBlock = errors.New("should not be called")

func TestSweeperFailsDanglingTransactions(t *testing.T) {
	files := newFakeFileRepo()
	txs := newFakeTxRepo()
	stale := domain.FinalizeTransaction{
		TransactionID: uuid.New(),
		FileID:        uuid.New(),
		TargetSE:      "se-rw-1",
		Status:        domain.TxVerifying,
		UpdatedAt:     time.Now().Add(-10 * time.Minute),
	}
	_ = txs.Create(context.Background(), stale)

	c := New(files, txs, &fakeCleanup{}, &fakeEvents{}, &fakeSelector{}, &fakeCopier{}, silentLogger())
	sweeper := NewSweeper(c)
	sweeper.sweepOnce(context.Background())

	got, _ := txs.Get(context.Background(), stale.TransactionID)
	if got.Status != domain.TxRolledBack {
		t.Fatalf("Status = %v, want rolled_back after sweep", got.Status)
	}
	if got.ErrorCode != "timed_out" {
		t.Fatalf("ErrorCode = %q, want timed_out", got.ErrorCode)
	}
}
