package finalize

import (
	"context"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

const sweepInterval = 60 * time.Second

// Sweeper periodically marks transactions that have sat in copying or
// verifying for longer than txTimeout as failed, then rolls them back,
// so a crashed coordinator never leaves a transaction dangling forever.
type Sweeper struct {
	coordinator *Coordinator
}

// NewSweeper builds a Sweeper bound to coordinator's repos.
func NewSweeper(coordinator *Coordinator) *Sweeper {
	return &Sweeper{coordinator: coordinator}
}

// Run ticks every sweepInterval until ctx is cancelled, sweeping once
// immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)
	ticker := time.NewTicker(sweepInterval)
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

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-txTimeout)
	stale, err := s.coordinator.txs.ListStaleNonTerminal(ctx, cutoff)
	if err != nil {
		s.coordinator.logger.Error("finalize sweeper: listing stale transactions", "error", err)
		return
	}

	for _, txn := range stale {
		s.coordinator.logger.Warn("finalize sweeper: marking dangling transaction failed", "transaction_id", txn.TransactionID, "status", txn.Status)
		// newPath is unknown here (a crash may have happened before the
		// coordinator's own in-memory copy result was ever recorded), so
		// no delete is attempted. The GC worker's orphan scan only enqueues
		// sidecars whose file_id has no File row, so a target copy of a
		// file that still exists is not removed by it either.
		target := domain.StorageElement{ElementID: txn.TargetSE}
		s.coordinator.failAndRollback(ctx, txn, target, "", "timed_out", "transaction exceeded 300s timeout in a non-terminal state")
	}
}
