// Package gcworker implements the GC Worker: the Admin-side background
// process that drains the Cleanup Queue and reconciles orphaned data files
// left behind by crashes mid-upload or mid-finalize.
package gcworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
)

const (
	sweepInterval  = 6 * time.Hour
	orphanInterval = 24 * time.Hour
	maxRetries     = 5
	orphanAge      = 7 * 24 * time.Hour
)

// QueueRepo is Admin's Cleanup Queue table.
type QueueRepo interface {
	// ListDue returns unprocessed entries with scheduled_at <= now, ordered
	// by priority DESC, scheduled_at ASC.
	ListDue(ctx context.Context, now time.Time) ([]domain.CleanupQueueEntry, error)
	MarkProcessed(ctx context.Context, id int64, now time.Time, success bool, errorMessage string) error
	Reschedule(ctx context.Context, id int64, retryCount int, scheduledAt time.Time) error
	Enqueue(ctx context.Context, entry domain.CleanupQueueEntry) error
}

// ElementResolver resolves a Storage Element ID to its registration record,
// so the worker knows which endpoint to call.
type ElementResolver interface {
	GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error)
}

// SidecarSummary is what an orphan scan needs from one SE-side sidecar.
type SidecarSummary struct {
	FileID  uuid.UUID
	Age     time.Duration
	Element string
}

// Deleter performs the actual object removal and the orphan listing, both
// against a Storage Element's internal (service-account-guarded) API.
type Deleter interface {
	// Delete removes the object for entry's file from its Storage Element.
	Delete(ctx context.Context, se domain.StorageElement, entry domain.CleanupQueueEntry) error
	// ListSidecarsOlderThan lists sidecars on se older than cutoff, for the
	// orphan scan.
	ListSidecarsOlderThan(ctx context.Context, se domain.StorageElement, cutoff time.Time) ([]SidecarSummary, error)
}

// FileExistsChecker answers whether a file_id still has a live row in
// Admin's File table, for the orphan scan.
type FileExistsChecker interface {
	FileExists(ctx context.Context, fileID uuid.UUID) (bool, error)
}

// ElementLister enumerates all registered Storage Elements, for the orphan
// scan to sweep across the whole fleet.
type ElementLister interface {
	ListStorageElements(ctx context.Context) ([]domain.StorageElement, error)
}

// Worker drains the Cleanup Queue every sweepInterval and runs a daily
// orphan scan across the fleet.
type Worker struct {
	queue    QueueRepo
	resolver ElementResolver
	elements ElementLister
	deleter  Deleter
	files    FileExistsChecker
	logger   *slog.Logger
	clockNow func() time.Time
}

// New builds a Worker.
func New(queue QueueRepo, resolver ElementResolver, elements ElementLister, deleter Deleter, files FileExistsChecker, logger *slog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		resolver: resolver,
		elements: elements,
		deleter:  deleter,
		files:    files,
		logger:   logger,
		clockNow: time.Now,
	}
}

// Run drives both the cleanup sweep and the orphan scan until ctx is
// cancelled, each on its own ticker.
func (w *Worker) Run(ctx context.Context) {
	w.sweepOnce(ctx)
	w.orphanScanOnce(ctx)

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	orphanTicker := time.NewTicker(orphanInterval)
	defer orphanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			w.sweepOnce(ctx)
		case <-orphanTicker.C:
			w.orphanScanOnce(ctx)
		}
	}
}

// sweepOnce processes every due Cleanup Queue entry once.
func (w *Worker) sweepOnce(ctx context.Context) {
	now := w.clockNow()
	due, err := w.queue.ListDue(ctx, now)
	if err != nil {
		w.logger.Error("gcworker: listing due cleanup entries", "error", err)
		return
	}

	for _, entry := range due {
		w.processEntry(ctx, entry, now)
	}
}

func (w *Worker) processEntry(ctx context.Context, entry domain.CleanupQueueEntry, now time.Time) {
	se, err := w.resolver.GetStorageElement(ctx, entry.StorageElementID)
	if err != nil {
		w.retryOrGiveUp(ctx, entry, now, "resolving storage element: "+err.Error())
		return
	}

	if err := w.deleter.Delete(ctx, se, entry); err != nil {
		w.retryOrGiveUp(ctx, entry, now, err.Error())
		return
	}

	if err := w.queue.MarkProcessed(ctx, entry.ID, now, true, ""); err != nil {
		w.logger.Error("gcworker: marking entry processed", "entry_id", entry.ID, "error", err)
	}
	telemetry.GCJobsTotal.WithLabelValues("deleted").Inc()
}

// retryOrGiveUp implements the backoff/give-up contract: increment
// retry_count and reschedule with 2^retry_count hours of delay while under
// maxRetries, otherwise mark the entry permanently failed.
func (w *Worker) retryOrGiveUp(ctx context.Context, entry domain.CleanupQueueEntry, now time.Time, errorMessage string) {
	if entry.RetryCount < maxRetries {
		delay := time.Duration(1<<uint(entry.RetryCount)) * time.Hour
		nextRetry := entry.RetryCount + 1
		if err := w.queue.Reschedule(ctx, entry.ID, nextRetry, now.Add(delay)); err != nil {
			w.logger.Error("gcworker: rescheduling failed entry", "entry_id", entry.ID, "error", err)
		}
		telemetry.GCJobsTotal.WithLabelValues("retried").Inc()
		return
	}

	w.logger.Warn("gcworker: cleanup entry exhausted retries, giving up", "entry_id", entry.ID, "file_id", entry.FileID, "storage_element_id", entry.StorageElementID, "error", errorMessage)
	if err := w.queue.MarkProcessed(ctx, entry.ID, now, false, errorMessage); err != nil {
		w.logger.Error("gcworker: marking entry permanently failed", "entry_id", entry.ID, "error", err)
	}
	telemetry.GCJobsTotal.WithLabelValues("failed").Inc()
}

// orphanScanOnce lists sidecars older than orphanAge on every registered
// element and enqueues a cleanup entry for any whose file_id has no
// corresponding live row in Admin's File table.
func (w *Worker) orphanScanOnce(ctx context.Context) {
	now := w.clockNow()
	cutoff := now.Add(-orphanAge)

	elements, err := w.elements.ListStorageElements(ctx)
	if err != nil {
		w.logger.Error("gcworker: listing storage elements for orphan scan", "error", err)
		return
	}

	for _, se := range elements {
		sidecars, err := w.deleter.ListSidecarsOlderThan(ctx, se, cutoff)
		if err != nil {
			w.logger.Error("gcworker: listing sidecars", "storage_element_id", se.ElementID, "error", err)
			continue
		}

		for _, sc := range sidecars {
			exists, err := w.files.FileExists(ctx, sc.FileID)
			if err != nil {
				w.logger.Error("gcworker: checking file existence", "file_id", sc.FileID, "error", err)
				continue
			}
			if exists {
				continue
			}

			if err := w.queue.Enqueue(ctx, domain.CleanupQueueEntry{
				FileID:           sc.FileID,
				StorageElementID: se.ElementID,
				ScheduledAt:      now,
				Priority:         0,
				Reason:           domain.ReasonOrphaned,
			}); err != nil {
				w.logger.Error("gcworker: enqueueing orphan cleanup", "file_id", sc.FileID, "error", err)
			}
		}
	}
}
