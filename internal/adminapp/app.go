// Package adminapp wires the Admin service: identity, key management,
// storage registry, finalize coordination, GC, and audit, all sharing one
// Postgres pool and one Redis client.
package adminapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/strata/internal/audit"
	"github.com/wisbric/strata/internal/auth"
	"github.com/wisbric/strata/internal/authadapter"
	"github.com/wisbric/strata/internal/config"
	"github.com/wisbric/strata/internal/health"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/internal/platform"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/adminuser"
	"github.com/wisbric/strata/pkg/capacity"
	"github.com/wisbric/strata/pkg/cleanupqueue"
	"github.com/wisbric/strata/pkg/elementstore"
	"github.com/wisbric/strata/pkg/eventbus"
	"github.com/wisbric/strata/pkg/filestore"
	"github.com/wisbric/strata/pkg/finalize"
	"github.com/wisbric/strata/pkg/gcworker"
	"github.com/wisbric/strata/pkg/keymanager"
	"github.com/wisbric/strata/pkg/selector"
	"github.com/wisbric/strata/pkg/serviceaccount"
	"github.com/wisbric/strata/pkg/tokenservice"
	"github.com/wisbric/strata/pkg/txstore"
)

// Run starts the Admin service and blocks until ctx is cancelled or the
// HTTP server fails.
func Run(ctx context.Context, cfg *config.AdminConfig) error {
	logger := telemetry.NewLogger("admin", cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting admin", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			logger.Error("closing redis", "error", cerr)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewRegistry(
		telemetry.KeyRotationsTotal,
		telemetry.TokensIssuedTotal,
		telemetry.TokenValidationFailuresTotal,
		telemetry.CapacityPollDuration,
		telemetry.SelectorCandidatesSkipped,
		telemetry.FinalizeTransitionsTotal,
		telemetry.GCJobsTotal,
		telemetry.EventsPublishedTotal,
	)

	if err := keymanager.Bootstrap(cfg.JWTKeysDir); err != nil {
		return fmt.Errorf("bootstrapping signing keys: %w", err)
	}
	keys, err := keymanager.New(cfg.JWTKeysDir, rdb)
	if err != nil {
		return fmt.Errorf("starting key manager: %w", err)
	}
	defer keys.Stop()

	rotator := keymanager.NewRotator(keys, cfg.KeyRotationInterval, logger)
	go rotator.Run(ctx)
	defer rotator.Stop()

	tokenSvc := tokenservice.New(keys)
	validator := authadapter.New(tokenSvc)

	agg := health.New(db, rdb, cfg.HealthCheckInterval, logger)
	go agg.Run(ctx)

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	adminUsers := adminuser.NewStore(db)
	serviceAccounts := serviceaccount.NewStore(db)
	elements := elementstore.NewStore(db)
	files := filestore.NewStore(db)
	txs := txstore.NewStore(db)
	cleanup := cleanupqueue.NewStore(db)

	rateLimiter := auth.NewRateLimiter(rdb, cfg.LockoutThreshold, cfg.LockoutWindow)

	registry := capacity.NewRegistry(rdb)
	poller := capacity.NewHTTPPoller(10 * time.Second)
	monitor := capacity.NewMonitor(rdb, elements, poller, logger)
	go monitor.Run(ctx)

	sel := selector.New(registry, elements, selector.StaticList{}, logger)
	finalizeTarget := selector.NewFinalizeAdapter(sel)

	publisher := eventbus.NewPublisher(rdb)

	copier := finalize.NewHTTPCopier(30 * time.Second)
	coordinator := finalize.New(files, txs, cleanup, publisher, finalizeTarget, copier, logger)

	sweeper := finalize.NewSweeper(coordinator)
	go sweeper.Run(ctx)

	deleter := gcworker.NewHTTPDeleter(30 * time.Second)
	gcWorker := gcworker.New(cleanup, elements, elements, deleter, files, logger)
	go gcWorker.Run(ctx)

	ttlSweeper := gcworker.NewTTLSweeper(files, cleanup, logger)
	go ttlSweeper.Run(ctx)

	srv := httpserver.New(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, metricsReg, agg)
	mountRoutes(srv, mountDeps{
		validator:       validator,
		tokenSvc:        tokenSvc,
		adminUsers:      adminUsers,
		serviceAccounts: serviceAccounts,
		elements:        elements,
		files:           files,
		registry:        registry,
		coordinator:     coordinator,
		txs:             txs,
		rateLimiter:     rateLimiter,
		auditWriter:     auditWriter,
		cfg:             cfg,
		logger:          logger,
	})

	return serveAndWait(ctx, srv, cfg.ListenAddr(), logger)
}

type mountDeps struct {
	validator       *authadapter.TokenValidator
	tokenSvc        *tokenservice.Service
	adminUsers      *adminuser.Store
	serviceAccounts *serviceaccount.Store
	elements        *elementstore.Store
	files           *filestore.Store
	registry        *capacity.Registry
	coordinator     *finalize.Coordinator
	txs             *txstore.Store
	rateLimiter     *auth.RateLimiter
	auditWriter     *audit.Writer
	cfg             *config.AdminConfig
	logger          *slog.Logger
}

// mountRoutes lays out Admin's surface: /api/v1/auth/token is open to anyone with
// credentials, the admin-user and service-account registries require an
// admin-role identity, the internal routes require a service-account
// identity (called only by the other three services), /api/v1/finalize
// requires an authenticated end user, and /api/v1/capacity requires an
// admin-user identity.
func mountRoutes(srv *httpserver.Server, d mountDeps) {
	tokenHandler := tokenservice.NewHandler(d.tokenSvc, d.serviceAccounts, d.adminUsers, d.rateLimiter, d.logger)
	srv.APIRouter.Mount("/auth/token", tokenHandler.Routes())

	adminUserHandler := adminuser.NewHandler(d.adminUsers, d.auditWriter, d.logger)
	serviceAccountHandler := serviceaccount.NewHandler(d.serviceAccounts, d.auditWriter, d.logger)
	srv.APIRouter.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.validator, auth.SubjectAdminUser))
		r.Use(auth.RequireMinRole(auth.RoleAdmin))
		r.Mount("/users", adminUserHandler.Routes())
		r.Mount("/service-accounts", serviceAccountHandler.Routes())
	})

	elementHandler := elementstore.NewHandler(d.elements, d.auditWriter, d.logger)
	srv.APIRouter.Route("/storage-elements", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.validator, auth.SubjectAdminUser))
		r.Use(auth.RequireMinRole(auth.RoleEngineer))
		r.Mount("/", elementHandler.AdminRoutes())
	})
	srv.Router.Route("/internal/v1/storage-elements", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.validator, auth.SubjectServiceAccount))
		r.Mount("/", elementHandler.InternalRoutes())
	})

	filesHandler := filestore.NewHandler(d.files, d.cfg.TemporaryFileTTL, d.auditWriter, d.logger)
	srv.Router.Route("/internal/v1/files", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.validator, auth.SubjectServiceAccount))
		r.Mount("/", filesHandler.Routes())
	})

	finalizeHandler := finalize.NewHandler(d.coordinator, d.txs, d.logger)
	srv.APIRouter.Route("/finalize", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.validator, auth.SubjectAccess))
		r.Mount("/", finalizeHandler.Routes())
	})

	capacityHandler := capacity.NewHandler(d.elements, d.registry, d.logger)
	srv.APIRouter.Route("/capacity", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.validator, auth.SubjectAdminUser))
		r.Mount("/", capacityHandler.Routes())
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
