// Package ingesterapp wires the Ingester: authenticated upload proxying and
// the client-facing entry point for finalize requests, which it forwards to
// Admin without running any local database.
package ingesterapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/authadapter"
	"github.com/wisbric/strata/internal/config"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/internal/platform"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/capacity"
	"github.com/wisbric/strata/pkg/ingest"
	"github.com/wisbric/strata/pkg/keymanager"
	"github.com/wisbric/strata/pkg/selector"
	"github.com/wisbric/strata/pkg/svcclient"
	"github.com/wisbric/strata/pkg/tokenservice"
)

// Run starts the Ingester and blocks until ctx is cancelled or the HTTP
// server fails.
func Run(ctx context.Context, cfg *config.IngesterConfig) error {
	logger := telemetry.NewLogger("ingester", cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting ingester", "listen", cfg.ListenAddr())

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			logger.Error("closing redis", "error", cerr)
		}
	}()

	metricsReg := telemetry.NewRegistry(
		telemetry.TokenValidationFailuresTotal,
		telemetry.SelectorCandidatesSkipped,
		telemetry.UploadsTotal,
	)

	// Ingester only ever validates tokens; Admin is the sole writer of
	// cfg.JWTKeysDir (bootstrap + rotation).
	keys, err := keymanager.New(cfg.JWTKeysDir, rdb)
	if err != nil {
		return fmt.Errorf("starting key manager: %w", err)
	}
	defer keys.Stop()

	tokenSvc := tokenservice.New(keys)
	validator := authadapter.New(tokenSvc)

	svcHTTPClient := svcclient.New(ctx, svcclient.Config{
		TokenURL:     cfg.AdminTokenURL,
		ClientID:     cfg.ServiceClientID,
		ClientSecret: cfg.ServiceSecret,
		Timeout:      cfg.RequestTimeout,
	})

	registry := capacity.NewRegistry(rdb)
	adminClient := selector.NewHTTPAdminClientWithClient(svcHTTPClient, cfg.AdminBaseURL)
	// cfg.StaticStorageElements names element_ids only; the Selector's
	// static fallback needs full records (APIURL, mode), which operators
	// don't have a way to supply here, so this last-resort tier is left
	// empty and the registry/admin tiers above it carry the real fleet.
	sel := selector.New(registry, adminClient, selector.StaticList{}, logger)

	forwarder := ingest.NewHTTPForwarderWithClient(&http.Client{Timeout: cfg.RequestTimeout})
	uploadHandler := ingest.NewHandler(ingest.Config{MaxSize: cfg.UploadMaxBytes}, sel, forwarder, logger)

	finalizeProxy, err := ingest.NewFinalizeProxy(cfg.AdminBaseURL)
	if err != nil {
		return fmt.Errorf("building finalize proxy: %w", err)
	}

	srv := httpserver.New(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, metricsReg, nil)
	mountRoutes(srv, validator, uploadHandler, finalizeProxy)

	return serveAndWait(ctx, srv, cfg.ListenAddr(), logger)
}

func mountRoutes(srv *httpserver.Server, validator *authadapter.TokenValidator, uploadHandler *ingest.Handler, finalizeProxy http.Handler) {
	srv.APIRouter.Route("/upload", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectAccess))
		r.Mount("/", uploadHandler.Routes())
	})
	srv.APIRouter.Route("/finalize", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectAccess))
		r.Mount("/", finalizeProxy)
	})
}

func serveAndWait(ctx context.Context, srv *httpserver.Server, addr string, logger *slog.Logger) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
