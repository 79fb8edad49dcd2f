package upload

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/modesm"
	"github.com/wisbric/strata/pkg/sebackend"
	"github.com/wisbric/strata/pkg/sewal"
	"github.com/wisbric/strata/pkg/sidecar"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	called      bool
	attrs       sidecar.Attributes
	storagePath string
}

func (f *fakeNotifier) NotifyFileCreated(ctx context.Context, attrs sidecar.Attributes, storageElementID, storagePath string) error {
	f.called = true
	f.attrs = attrs
	f.storagePath = storagePath
	return nil
}

func newTestHandler(t *testing.T, mode domain.Mode) (*Handler, string, *fakeNotifier) {
	t.Helper()
	root := t.TempDir()
	backend := sebackend.NewLocalFS(root)

	walPath := filepath.Join(t.TempDir(), "se.db")
	wal, err := sewal.Open(walPath)
	if err != nil {
		t.Fatalf("sewal.Open: %v", err)
	}
	t.Cleanup(func() { _ = wal.Close() })

	machine := modesm.New(mode)
	notifier := &fakeNotifier{}

	h := NewHandler(Config{ElementID: "se-1", Root: root, MaxSize: 1 << 20}, backend, wal, machine, notifier, silentLogger())
	return h, root, notifier
}

func multipartBody(t *testing.T, fieldValues map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fieldValues {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func doUpload(t *testing.T, h *Handler, content string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, map[string]string{"retention_policy": "temporary"}, "report.pdf", content)

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	identity := &auth.Identity{Subject: "alice", Type: auth.SubjectAdminUser, Role: auth.RoleEngineer}
	req = req.WithContext(auth.NewContext(req.Context(), identity))

	rec := httptest.NewRecorder()
	h.handleUpload(rec, req)
	return rec
}

func TestUploadPersistsFileSidecarWALAndCache(t *testing.T) {
	h, root, notifier := newTestHandler(t, domain.ModeEdit)

	rec := doUpload(t, h, "hello world")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !notifier.called {
		t.Fatal("expected Admin notifier to be called")
	}
	if notifier.attrs.ChecksumSHA256 == "" {
		t.Fatal("expected a non-empty checksum in sidecar attrs")
	}

	// The sidecar must exist on disk next to the data file.
	matches, err := filepath.Glob(filepath.Join(root, "*", "*", "*", "*", "*.attr.json"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("found %d sidecar files, want 1 (root=%s)", len(matches), root)
	}

	attrs, err := sidecar.Read(matches[0])
	if err != nil {
		t.Fatalf("sidecar.Read: %v", err)
	}
	if attrs.FileID != notifier.attrs.FileID {
		t.Fatal("sidecar on disk should match the attrs passed to the notifier")
	}
}

func TestUploadRejectedWhenModeForbidsCreate(t *testing.T) {
	h, _, notifier := newTestHandler(t, domain.ModeRO)

	rec := doUpload(t, h, "hello")
	if rec.Code == http.StatusCreated {
		t.Fatalf("expected upload to be rejected in RO mode, got 201")
	}
	if notifier.called {
		t.Fatal("notifier should not be called when upload is rejected")
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	h, _, _ := newTestHandler(t, domain.ModeEdit)
	h.maxSize = 4

	rec := doUpload(t, h, "this body is definitely too long")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestUploadAcceptsExactlyMaxSize(t *testing.T) {
	h, _, _ := newTestHandler(t, domain.ModeEdit)
	h.maxSize = 11 // len("hello world") == 11

	rec := doUpload(t, h, "hello world")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s, want 201 (body is exactly max_size)", rec.Code, rec.Body.String())
	}
}

func TestUploadRejectsMaxSizePlusOne(t *testing.T) {
	h, _, _ := newTestHandler(t, domain.ModeEdit)
	h.maxSize = 10 // len("hello world") == 11, one over the limit

	rec := doUpload(t, h, "hello world")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413 (body is max_size + 1)", rec.Code)
	}
}

func TestUploadRejectsInvalidRetentionPolicy(t *testing.T) {
	h, _, _ := newTestHandler(t, domain.ModeEdit)

	body, contentType := multipartBody(t, map[string]string{"retention_policy": "forever"}, "x.txt", "data")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	req = req.WithContext(auth.NewContext(req.Context(), &auth.Identity{Subject: "alice"}))

	rec := httptest.NewRecorder()
	h.handleUpload(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadRejectsMissingAuth(t *testing.T) {
	h, _, _ := newTestHandler(t, domain.ModeEdit)

	body, contentType := multipartBody(t, map[string]string{"retention_policy": "temporary"}, "x.txt", "data")
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.handleUpload(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
