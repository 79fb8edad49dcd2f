package selector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

func TestHTTPAdminClientGetStorageElement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/v1/storage-elements/se-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"element_id":"se-1","api_url":"http://se-1","mode":"rw","status":"online"}`))
	}))
	defer srv.Close()

	c := NewHTTPAdminClient(srv.URL, time.Second)
	se, err := c.GetStorageElement(context.Background(), "se-1")
	if err != nil {
		t.Fatalf("GetStorageElement: %v", err)
	}
	if se.ElementID != "se-1" || se.Mode != domain.ModeRW || se.Status != domain.StatusOnline {
		t.Fatalf("unexpected element: %+v", se)
	}
}

func TestHTTPAdminClientGetStorageElementNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPAdminClient(srv.URL, time.Second)
	if _, err := c.GetStorageElement(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestHTTPAdminClientListStorageElementsByMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("mode"); got != "rw" {
			t.Fatalf("mode query param = %q, want rw", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elements":[{"element_id":"se-1","mode":"rw"},{"element_id":"se-2","mode":"rw"}],"count":2}`))
	}))
	defer srv.Close()

	c := NewHTTPAdminClient(srv.URL, time.Second)
	elements, err := c.ListStorageElementsByMode(context.Background(), domain.ModeRW)
	if err != nil {
		t.Fatalf("ListStorageElementsByMode: %v", err)
	}
	if len(elements) != 2 {
		t.Fatalf("got %d elements, want 2", len(elements))
	}
}

func TestHTTPAdminClientListStorageElementsByModeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPAdminClient(srv.URL, time.Second)
	if _, err := c.ListStorageElementsByMode(context.Background(), domain.ModeRW); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
