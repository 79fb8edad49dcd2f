package ingest

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewFinalizeProxy builds a reverse proxy from the Ingester's own
// /api/v1/finalize surface onto Admin's, the service that actually runs
// the Finalize Coordinator. The client's Authorization header passes
// through untouched, same as the upload path.
func NewFinalizeProxy(adminBaseURL string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(adminBaseURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "admin unreachable", http.StatusBadGateway)
	}
	return proxy, nil
}
