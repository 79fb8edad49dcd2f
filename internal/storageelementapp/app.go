// Package storageelementapp wires a Storage Element node: its object
// backend (local disk or S3), write-ahead log, mode state machine, and the
// periodic self-registration heartbeat Admin's Capacity Monitor depends on.
package storageelementapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/authadapter"
	"github.com/wisbric/strata/internal/config"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/internal/platform"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/keymanager"
	"github.com/wisbric/strata/pkg/modesm"
	"github.com/wisbric/strata/pkg/sebackend"
	"github.com/wisbric/strata/pkg/sewal"
	"github.com/wisbric/strata/pkg/svcclient"
	"github.com/wisbric/strata/pkg/tokenservice"
	"github.com/wisbric/strata/pkg/upload"
)

// Run starts a Storage Element node and blocks until ctx is cancelled or
// the HTTP server fails.
func Run(ctx context.Context, cfg *config.StorageElementConfig) error {
	logger := telemetry.NewLogger("storage-element", cfg.LogFormat, cfg.LogLevel).With("element_id", cfg.ElementID)
	logger.Info("starting storage element", "listen", cfg.ListenAddr(), "storage_type", cfg.StorageType)

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
		telemetry.UploadsTotal,
	)

	keys, err := keymanager.New(cfg.JWTKeysDir, rdb)
	if err != nil {
		return fmt.Errorf("starting key manager: %w", err)
	}
	defer keys.Stop()

	tokenSvc := tokenservice.New(keys)
	validator := authadapter.New(tokenSvc)

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building storage backend: %w", err)
	}

	wal, err := sewal.Open(cfg.WALPath)
	if err != nil {
		return fmt.Errorf("opening write-ahead log: %w", err)
	}
	defer func() { _ = wal.Close() }()

	machine := modesm.New(domain.ModeRW)

	svcHTTPClient := svcclient.New(ctx, svcclient.Config{
		TokenURL:     cfg.AdminTokenURL,
		ClientID:     cfg.ServiceClientID,
		ClientSecret: cfg.ServiceSecret,
		Timeout:      cfg.RequestTimeout,
	})
	notifier := upload.NewHTTPNotifierWithClient(svcHTTPClient, cfg.AdminBaseURL)

	uploadHandler := upload.NewHandler(upload.Config{
		ElementID: cfg.ElementID,
		Root:      cfg.LocalBasePath,
		MaxSize:   cfg.CapacityBytes,
	}, backend, wal, machine, notifier, logger)

	backendHandler := sebackend.NewHandler(cfg.ElementID, cfg.LocalBasePath, cfg.CapacityBytes, backend, wal, machine, logger)

	// No local database: readiness has nothing to ping, so agg is nil and
	// /health/ready always reports ok once the process is up.
	srv := httpserver.New(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, metricsReg, nil)
	mountRoutes(srv, validator, uploadHandler, backendHandler)

	registrar := newRegistrar(svcHTTPClient, cfg, machine, logger)
	registrar.registerOnce(ctx)
	go registrar.run(ctx)

	return serveAndWait(ctx, srv, cfg.ListenAddr(), logger)
}

func newBackend(ctx context.Context, cfg *config.StorageElementConfig) (sebackend.Backend, error) {
	switch cfg.StorageType {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return sebackend.NewS3Backend(client, cfg.S3Bucket), nil
	default:
		return sebackend.NewLocalFS(cfg.LocalBasePath), nil
	}
}

func mountRoutes(srv *httpserver.Server, validator *authadapter.TokenValidator, uploadHandler *upload.Handler, backendHandler *sebackend.Handler) {
	srv.APIRouter.Route("/upload", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectAccess))
		r.Mount("/", uploadHandler.Routes())
	})
	srv.APIRouter.Route("/capacity", func(r chi.Router) {
		r.Mount("/", backendHandler.CapacityRoutes())
	})
	srv.Router.Route("/internal/v1/objects", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectServiceAccount))
		r.Mount("/", backendHandler.ObjectRoutes())
	})
	srv.Router.Route("/internal/v1/gc", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectServiceAccount))
		r.Mount("/", backendHandler.GCRoutes())
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
