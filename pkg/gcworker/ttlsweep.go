package gcworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/strata/pkg/domain"
)

const ttlSweepInterval = 1 * time.Hour

// ExpiredFileLister is Admin's File table, as the TTL sweep needs it: find
// temporary files whose ttl_expires_at has passed and mark them deleted.
type ExpiredFileLister interface {
	ListExpiredTemporary(ctx context.Context, now time.Time) ([]domain.File, error)
	SoftDelete(ctx context.Context, fileID uuid.UUID, now time.Time) error
}

// TTLSweeper is a separate actor from Worker: it only ever discovers work
// for the Cleanup Queue, never touches Storage Elements directly, so it has
// no need for the resolver/deleter machinery Worker carries.
type TTLSweeper struct {
	files  ExpiredFileLister
	queue  QueueRepo
	logger *slog.Logger
}

// NewTTLSweeper builds a TTLSweeper.
func NewTTLSweeper(files ExpiredFileLister, queue QueueRepo, logger *slog.Logger) *TTLSweeper {
	return &TTLSweeper{files: files, queue: queue, logger: logger}
}

// Run sweeps for expired temporary files every ttlSweepInterval until ctx is
// cancelled, running once immediately on start.
func (s *TTLSweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(ttlSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *TTLSweeper) sweepOnce(ctx context.Context) {
	now := time.Now()
	expired, err := s.files.ListExpiredTemporary(ctx, now)
	if err != nil {
		s.logger.Error("ttlsweep: listing expired temporary files", "error", err)
		return
	}

	for _, f := range expired {
		if err := s.files.SoftDelete(ctx, f.FileID, now); err != nil {
			s.logger.Error("ttlsweep: soft-deleting expired file", "file_id", f.FileID, "error", err)
			continue
		}
		if err := s.queue.Enqueue(ctx, domain.CleanupQueueEntry{
			FileID:           f.FileID,
			StorageElementID: f.StorageElementID,
			ScheduledAt:      now,
			Priority:         0,
			Reason:           domain.ReasonTTLExpired,
		}); err != nil {
			s.logger.Error("ttlsweep: enqueueing cleanup", "file_id", f.FileID, "error", err)
		}
	}
}
