// Package health implements the cached readiness aggregator used by the
// services that own a database (Admin and Query): a background poller
// refreshes a single mutable State field under a lock, and the HTTP layer
// only ever reads the cache.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Status is the coarse readiness classification.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Check is the per-dependency readiness result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// State is the cached readiness snapshot served by /health/ready.
type State struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks"`
	Summary string  `json:"summary,omitempty"`
}

// Aggregator is a long-lived actor with start/stop and a single mutable
// state field guarded by a lock, per the design's "no implicit
// module-level mutation" rule for in-process singletons. It pings the
// database and event bus every interval and caches the result; the
// /health/ready handler reads State() without doing any I/O of its own.
type Aggregator struct {
	db       *pgxpool.Pool
	redis    *redis.Client
	interval time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	state State
}

// New creates an Aggregator. redis may be nil for services with no event
// bus dependency (the check is then omitted rather than reported failed).
func New(db *pgxpool.Pool, rdb *redis.Client, interval time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		db:       db,
		redis:    rdb,
		interval: interval,
		logger:   logger,
		state:    State{Status: StatusOK},
	}
}

// State returns the last cached readiness snapshot. Safe for concurrent use.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Run polls dependencies every interval until ctx is cancelled. It refreshes
// once immediately so the first /health/ready call after startup is
// meaningful rather than the zero-value default.
func (a *Aggregator) Run(ctx context.Context) {
	a.refresh(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

func (a *Aggregator) refresh(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var checks []Check
	dbOK := true

	if err := a.db.Ping(pingCtx); err != nil {
		a.logger.Error("readiness check: database ping failed", "error", err)
		checks = append(checks, Check{Name: "database", Status: StatusFail, Error: err.Error()})
		dbOK = false
	} else {
		checks = append(checks, Check{Name: "database", Status: StatusOK})
	}

	degraded := false
	if a.redis != nil {
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.logger.Error("readiness check: event bus ping failed", "error", err)
			checks = append(checks, Check{Name: "event_bus", Status: StatusDegraded, Error: err.Error()})
			degraded = true
		} else {
			checks = append(checks, Check{Name: "event_bus", Status: StatusOK})
		}
	}

	status := StatusOK
	summary := ""
	switch {
	case !dbOK:
		status = StatusFail
		summary = "database unreachable"
	case degraded:
		status = StatusDegraded
		summary = "non-critical dependency unavailable"
	}

	a.mu.Lock()
	a.state = State{Status: status, Checks: checks, Summary: summary}
	a.mu.Unlock()
}
