package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFinalizeProxyForwardsToAdmin(t *testing.T) {
	var gotAuth, gotPath string
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"copying"}`))
	}))
	defer admin.Close()

	proxy, err := NewFinalizeProxy(admin.URL)
	if err != nil {
		t.Fatalf("NewFinalizeProxy: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/file-123", nil)
	req.Header.Set("Authorization", "Bearer client-token")
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if gotAuth != "Bearer client-token" {
		t.Fatalf("Authorization forwarded = %q, want %q", gotAuth, "Bearer client-token")
	}
	if gotPath != "/file-123" {
		t.Fatalf("path forwarded = %q, want %q", gotPath, "/file-123")
	}
}

func TestFinalizeProxyReturnsBadGatewayOnUnreachableAdmin(t *testing.T) {
	proxy, err := NewFinalizeProxy("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("NewFinalizeProxy: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/file-123", nil)
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}
