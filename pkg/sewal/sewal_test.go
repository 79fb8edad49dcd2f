package sewal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "se.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndScanWALOrdersByRecordedAt(t *testing.T) {
	s := newTestStore(t)

	later := Entry{WALID: uuid.New(), Operation: OperationUpload, Status: StatusCommitted, RecordedAt: time.Now().Add(time.Minute)}
	earlier := Entry{WALID: uuid.New(), Operation: OperationUpload, Status: StatusCommitted, RecordedAt: time.Now()}

	if err := s.AppendWAL(later); err != nil {
		t.Fatalf("AppendWAL(later): %v", err)
	}
	if err := s.AppendWAL(earlier); err != nil {
		t.Fatalf("AppendWAL(earlier): %v", err)
	}

	entries, err := s.ScanWAL()
	if err != nil {
		t.Fatalf("ScanWAL: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].WALID != earlier.WALID {
		t.Fatal("expected earlier entry first")
	}
}

func TestCacheRowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	fileID := uuid.New()

	row := CacheRow{
		FileID:          fileID,
		StorageFilename: "report_alice_20260801T140000_x.pdf",
		StoragePath:     "2026/08/01/14",
		FileSize:        1024,
		ChecksumSHA256:  "abc123",
	}
	if err := s.PutCacheRow(fileID, row); err != nil {
		t.Fatalf("PutCacheRow: %v", err)
	}

	got, ok, err := s.GetCacheRow(fileID)
	if err != nil || !ok {
		t.Fatalf("GetCacheRow: ok=%v err=%v", ok, err)
	}
	if got.StorageFilename != row.StorageFilename {
		t.Fatalf("StorageFilename = %q, want %q", got.StorageFilename, row.StorageFilename)
	}

	if err := s.DeleteCacheRow(fileID); err != nil {
		t.Fatalf("DeleteCacheRow: %v", err)
	}
	_, ok, _ = s.GetCacheRow(fileID)
	if ok {
		t.Fatal("expected cache row to be gone after delete")
	}
}

func TestRebuildCacheRowOverwrites(t *testing.T) {
	s := newTestStore(t)
	fileID := uuid.New()

	_ = s.PutCacheRow(fileID, CacheRow{FileID: fileID, ChecksumSHA256: "stale"})
	if err := s.RebuildCacheRow(fileID, CacheRow{FileID: fileID, ChecksumSHA256: "fresh"}); err != nil {
		t.Fatalf("RebuildCacheRow: %v", err)
	}

	got, _, _ := s.GetCacheRow(fileID)
	if got.ChecksumSHA256 != "fresh" {
		t.Fatalf("ChecksumSHA256 = %q, want fresh", got.ChecksumSHA256)
	}
}
