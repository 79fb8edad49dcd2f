// Package svcclient builds the HTTP clients services use to call each
// other's internal endpoints (Admin's GC/finalize/file-list APIs, Storage
// Elements' object/sidecar APIs), authenticated as a service account via
// the OAuth 2.0 Client Credentials grant Token Service issues.
package svcclient

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Config names the service account and token endpoint a client authenticates
// against. TokenURL points at Admin's POST /api/v1/auth/token.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// New builds an *http.Client that attaches a bearer token obtained via the
// Client Credentials grant to every request, transparently refreshing it
// before expiry. Internal service-to-service calls (GC Worker deletes,
// Finalize Coordinator copies, Query's cache rebuild) all use one of these
// instead of an unauthenticated client.
func New(ctx context.Context, cfg Config) *http.Client {
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	client := ccCfg.Client(ctx)
	client.Timeout = cfg.Timeout
	return client
}
