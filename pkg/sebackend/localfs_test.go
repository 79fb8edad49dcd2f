package sebackend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFSPutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	n, err := b.Put(ctx, "2026/08/01/14/file.txt", bytes.NewBufferString("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 11 {
		t.Fatalf("n = %d, want 11", n)
	}

	rc, err := b.Get(ctx, "2026/08/01/14/file.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestLocalFSPutLeavesNoTempFileOnSuccess(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	if _, err := b.Put(ctx, "a/b/c.bin", bytes.NewBufferString("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "a", "b"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "c.bin" {
		t.Fatalf("directory contents = %v, want exactly [c.bin]", entries)
	}
}

func TestLocalFSGetRangeOffsetAndLength(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	if _, err := b.Put(ctx, "file.txt", bytes.NewBufferString("0123456789")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := b.GetRange(ctx, "file.txt", 3, 4)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "3456" {
		t.Fatalf("got %q, want %q", got, "3456")
	}
}

func TestLocalFSGetRangeOpenEnded(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	if _, err := b.Put(ctx, "file.txt", bytes.NewBufferString("0123456789")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := b.GetRange(ctx, "file.txt", 7, -1)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "789" {
		t.Fatalf("got %q, want %q", got, "789")
	}
}

func TestLocalFSDeleteIsIdempotent(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	if _, err := b.Put(ctx, "file.txt", bytes.NewBufferString("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Delete(ctx, "file.txt"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := b.Delete(ctx, "file.txt"); err != nil {
		t.Fatalf("second Delete on already-absent object should not error: %v", err)
	}
}

func TestLocalFSRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	if _, err := b.Get(ctx, "../../../etc/passwd"); err == nil {
		t.Fatal("expected Get to reject a traversal attempt")
	}
	if _, err := b.Put(ctx, "../escape.txt", bytes.NewBufferString("x")); err == nil {
		t.Fatal("expected Put to reject a traversal attempt")
	}
}

func TestLocalFSStat(t *testing.T) {
	root := t.TempDir()
	b := NewLocalFS(root)
	ctx := context.Background()

	if _, err := b.Put(ctx, "file.txt", bytes.NewBufferString("0123456789")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := b.Stat(ctx, "file.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 10 {
		t.Fatalf("Size = %d, want 10", info.Size)
	}
}
