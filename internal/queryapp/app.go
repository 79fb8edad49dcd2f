// Package queryapp wires the Query service: search over the denormalized
// file cache, resumable download proxying, and the event-driven sync that
// keeps the cache converged with Admin's File table.
package queryapp

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
	"github.com/wisbric/strata/internal/health"
	"github.com/wisbric/strata/internal/httpserver"
	"github.com/wisbric/strata/internal/platform"
	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/cachesync"
	"github.com/wisbric/strata/pkg/download"
	"github.com/wisbric/strata/pkg/eventbus"
	"github.com/wisbric/strata/pkg/keymanager"
	"github.com/wisbric/strata/pkg/querycache"
	"github.com/wisbric/strata/pkg/svcclient"
	"github.com/wisbric/strata/pkg/tokenservice"
)

// Run starts the Query service and blocks until ctx is cancelled or the
// HTTP server fails.
func Run(ctx context.Context, cfg *config.QueryConfig) error {
	logger := telemetry.NewLogger("query", cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting query", "listen", cfg.ListenAddr())

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
		telemetry.TokenValidationFailuresTotal,
		telemetry.DownloadRangeRequestsTotal,
		telemetry.CacheSyncAppliedTotal,
	)

	keys, err := keymanager.New(cfg.JWTKeysDir, rdb)
	if err != nil {
		return fmt.Errorf("starting key manager: %w", err)
	}
	defer keys.Stop()

	tokenSvc := tokenservice.New(keys)
	validator := authadapter.New(tokenSvc)

	agg := health.New(db, rdb, cfg.HealthCheckInterval, logger)
	go agg.Run(ctx)

	store := querycache.NewStore(db)

	svcHTTPClient := svcclient.New(ctx, svcclient.Config{
		TokenURL:     cfg.AdminTokenURL,
		ClientID:     cfg.ServiceClientID,
		ClientSecret: cfg.ServiceSecret,
		Timeout:      cfg.RequestTimeout,
	})

	source := cachesync.NewHTTPSourceOfTruthWithClient(svcHTTPClient, cfg.AdminBaseURL)
	syncer := cachesync.New(store, source, logger)
	sub := eventbus.NewSubscriber(rdb, logger)
	go cachesync.Subscribe(ctx, sub, syncer)

	metaCache, err := download.NewMetadataCache(rdb, store)
	if err != nil {
		return fmt.Errorf("building download metadata cache: %w", err)
	}
	elements := download.NewHTTPElementResolverWithClient(svcHTTPClient, cfg.AdminBaseURL)
	objects := download.NewHTTPObjectSource(cfg.DownloadRangeTimeout)
	downloadHandler := download.NewHandler(metaCache, elements, objects, logger)

	searchHandler := querycache.NewHandler(store, logger)

	srv := httpserver.New(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, metricsReg, agg)
	mountRoutes(srv, validator, searchHandler, downloadHandler, syncer, logger)

	return serveAndWait(ctx, srv, cfg.ListenAddr(), logger)
}

func mountRoutes(srv *httpserver.Server, validator *authadapter.TokenValidator, search *querycache.Handler, dl *download.Handler, syncer *cachesync.Syncer, logger *slog.Logger) {
	srv.Router.Route("/api/search", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectAccess))
		r.Mount("/", search.Routes())
	})
	srv.Router.Route("/api/download", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectAccess))
		r.Mount("/", dl.Routes())
	})
	srv.APIRouter.Route("/admin/cache", func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, auth.SubjectAdminUser))
		r.Use(auth.RequireMinRole(auth.RoleAdmin))
		r.Post("/rebuild", func(w http.ResponseWriter, req *http.Request) {
			go func() {
				if err := syncer.Rebuild(context.Background()); err != nil {
					logger.Error("cache rebuild failed", "error", err)
				}
			}()
			httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "rebuild started"})
		})
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
