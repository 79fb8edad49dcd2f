package keymanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/telemetry"
)

// Rotator runs the scheduled rotation job against a Manager. It is a
// separate actor from Manager so tests can exercise rotation without
// standing up a filesystem watcher.
type Rotator struct {
	mgr      *Manager
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewRotator creates a Rotator that runs every interval (default 24h).
func NewRotator(mgr *Manager, interval time.Duration, logger *slog.Logger) *Rotator {
	return &Rotator{
		mgr:      mgr,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks every interval until ctx is cancelled, attempting one rotation
// per tick. It runs once immediately on start.
func (r *Rotator) Run(ctx context.Context) {
	defer close(r.done)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (r *Rotator) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Rotator) runOnce(ctx context.Context) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := r.attemptRotation(ctx)
		if err == nil {
			telemetry.KeyRotationsTotal.WithLabelValues("success").Inc()
			return
		}
		if err == errLockContention {
			r.logger.Info("key rotation skipped: lock held by another replica")
			telemetry.KeyRotationsTotal.WithLabelValues("skipped").Inc()
			return
		}
		lastErr = err
		r.logger.Error("key rotation attempt failed", "attempt", attempt, "error", err)
	}
	r.logger.Error("key rotation failed after retries", "retries", maxRetries, "error", lastErr)
	telemetry.KeyRotationsTotal.WithLabelValues("failed").Inc()
}

// attemptRotation performs one rotation: acquire the distributed lock,
// generate a new keypair, write it to disk, deactivate keys older than
// keyLifetime minus overlapWindow, and reload the in-memory key set.
func (r *Rotator) attemptRotation(ctx context.Context) error {
	token := uuid.New().String()
	acquired, err := r.mgr.rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return err
	}
	if !acquired {
		return errLockContention
	}
	defer releaseLock(ctx, r.mgr, token)

	now := time.Now()
	newKey, err := generateKeypair(now)
	if err != nil {
		return err
	}

	if err := writePrivatePEM(r.mgr.dir, newKey); err != nil {
		// Rollback: in-memory state was never touched since loadFromDisk
		// hasn't run yet, so there is nothing to unwind.
		return err
	}

	if err := r.deactivateExpiredOnDisk(now); err != nil {
		r.logger.Error("deactivating expired keys on disk", "error", err)
	}

	if err := r.mgr.loadFromDisk(); err != nil {
		return err
	}

	r.logger.Info("key rotation completed", "version", newKey.version, "expires_at", newKey.expiresAt)
	return nil
}

// deactivateExpiredOnDisk rewrites the Is-Active header to false for any
// on-disk key older than keyLifetime minus overlapWindow, so a subsequent loadFromDisk no
// longer treats it as current for new signatures (it remains verifiable
// until it actually expires, per the overlap window).
func (r *Rotator) deactivateExpiredOnDisk(now time.Time) error {
	r.mgr.mu.RLock()
	toDeactivate := make([]key, 0, len(r.mgr.keys))
	for _, k := range r.mgr.keys {
		if k.isActive && now.Sub(k.createdAt) >= keyLifetime-overlapWindow {
			k.isActive = false
			toDeactivate = append(toDeactivate, k)
		}
	}
	r.mgr.mu.RUnlock()

	for _, k := range toDeactivate {
		if err := writePrivatePEM(r.mgr.dir, k); err != nil {
			return err
		}
	}
	return nil
}

func releaseLock(ctx context.Context, mgr *Manager, token string) {
	// Best-effort compare-and-delete: only release if we still hold it.
	val, err := mgr.rdb.Get(ctx, lockKey).Result()
	if err == nil && val == token {
		mgr.rdb.Del(ctx, lockKey)
	}
}

var errLockContention = lockContentionError{}

type lockContentionError struct{}

func (lockContentionError) Error() string { return "keymanager: rotation lock held by another replica" }
