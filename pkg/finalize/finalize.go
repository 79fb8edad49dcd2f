// Package finalize implements the Finalize Coordinator: the two-phase
// commit that promotes a temporary file living on an EDIT Storage Element
// to a permanent file on an RW Storage Element.
package finalize

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
)

const (
	cleanupDelay = 24 * time.Hour
	copyMaxTries = 4
	txTimeout    = 300 * time.Second
)

// FileRepo is Admin's File table, as the coordinator needs it.
type FileRepo interface {
	GetFile(ctx context.Context, fileID uuid.UUID) (domain.File, error)
	CommitFinalize(ctx context.Context, fileID uuid.UUID, targetSE, newStoragePath string, now time.Time) error
}

// TransactionRepo is Admin's Finalize Transaction table.
type TransactionRepo interface {
	Create(ctx context.Context, tx domain.FinalizeTransaction) error
	Get(ctx context.Context, transactionID uuid.UUID) (domain.FinalizeTransaction, error)
	FindActiveByFile(ctx context.Context, fileID uuid.UUID) (*domain.FinalizeTransaction, error)
	Update(ctx context.Context, tx domain.FinalizeTransaction) error
	// ListStaleNonTerminal returns transactions in copying/verifying whose
	// UpdatedAt is older than olderThan, for the dangling-transaction sweep.
	ListStaleNonTerminal(ctx context.Context, olderThan time.Time) ([]domain.FinalizeTransaction, error)
}

// CleanupEnqueuer is Admin's Cleanup Queue.
type CleanupEnqueuer interface {
	Enqueue(ctx context.Context, entry domain.CleanupQueueEntry) error
}

// EventPublisher publishes file lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// TargetSelector picks the RW Storage Element a finalize should copy to.
type TargetSelector interface {
	SelectFinalizeTarget(ctx context.Context, fileSize int64) (domain.StorageElement, error)
}

// Copier performs the SE-to-SE data movement and checksum work. Copy
// streams source_se's object to target_se via an internal endpoint,
// computing the target checksum independently as it writes. SourceChecksum
// re-reads the source's attribute sidecar so verification never trusts a
// value it already had in memory.
type Copier interface {
	Copy(ctx context.Context, sourceSE, targetSE domain.StorageElement, file domain.File) (newStoragePath, checksumTarget string, err error)
	SourceChecksum(ctx context.Context, sourceSE domain.StorageElement, file domain.File) (string, error)
	DeleteTarget(ctx context.Context, targetSE domain.StorageElement, newStoragePath string) error
}

// Coordinator drives the finalize protocol.
type Coordinator struct {
	files    FileRepo
	txs      TransactionRepo
	cleanup  CleanupEnqueuer
	events   EventPublisher
	selector TargetSelector
	copier   Copier
	logger   *slog.Logger
}

// New builds a Coordinator.
func New(files FileRepo, txs TransactionRepo, cleanup CleanupEnqueuer, events EventPublisher, selector TargetSelector, copier Copier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		files:    files,
		txs:      txs,
		cleanup:  cleanup,
		events:   events,
		selector: selector,
		copier:   copier,
		logger:   logger,
	}
}

// Finalize runs the full protocol for fileID. A duplicate call while a
// non-terminal transaction already exists for fileID returns that
// transaction unchanged, per the idempotency requirement.
func (c *Coordinator) Finalize(ctx context.Context, fileID uuid.UUID) (domain.FinalizeTransaction, error) {
	if existing, err := c.txs.FindActiveByFile(ctx, fileID); err != nil {
		return domain.FinalizeTransaction{}, domain.WrapError(domain.KindInternal, "checking for an active transaction", err)
	} else if existing != nil {
		return *existing, nil
	}

	file, err := c.files.GetFile(ctx, fileID)
	if err != nil {
		return domain.FinalizeTransaction{}, domain.WrapError(domain.KindFileNotFound, "loading file", err)
	}
	if file.RetentionPolicy != domain.RetentionTemporary || file.FinalizedAt != nil || file.DeletedAt != nil {
		return domain.FinalizeTransaction{}, domain.NewError(domain.KindInternal, "file is not eligible for finalize")
	}

	target, err := c.selector.SelectFinalizeTarget(ctx, file.FileSize)
	if err != nil {
		return domain.FinalizeTransaction{}, err
	}

	now := time.Now()
	txn := domain.FinalizeTransaction{
		TransactionID: uuid.New(),
		FileID:        fileID,
		SourceSE:      file.StorageElementID,
		TargetSE:      target.ElementID,
		Status:        domain.TxCopying,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.txs.Create(ctx, txn); err != nil {
		return domain.FinalizeTransaction{}, domain.WrapError(domain.KindInternal, "creating transaction", err)
	}
	telemetry.FinalizeTransitionsTotal.WithLabelValues(string(txn.Status)).Inc()

	source := domain.StorageElement{ElementID: file.StorageElementID}
	return c.runProtocol(ctx, txn, file, source, target)
}

func (c *Coordinator) runProtocol(ctx context.Context, txn domain.FinalizeTransaction, file domain.File, source, target domain.StorageElement) (domain.FinalizeTransaction, error) {
	newPath, checksumTarget, err := c.copyWithRetry(ctx, source, target, file)
	if err != nil {
		return c.failAndRollback(ctx, txn, target, "", "copy_failed", err.Error()), nil
	}
	txn.Status = domain.TxCopied
	txn.ChecksumTarget = checksumTarget
	txn.UpdatedAt = time.Now()
	if err := c.txs.Update(ctx, txn); err != nil {
		c.logger.Error("finalize: persisting copied status", "transaction_id", txn.TransactionID, "error", err)
	}
	telemetry.FinalizeTransitionsTotal.WithLabelValues(string(txn.Status)).Inc()

	txn.Status = domain.TxVerifying
	telemetry.FinalizeTransitionsTotal.WithLabelValues(string(txn.Status)).Inc()
	checksumSource, err := c.copier.SourceChecksum(ctx, source, file)
	if err != nil {
		return c.failAndRollback(ctx, txn, target, newPath, "verify_read_failed", err.Error()), nil
	}
	txn.ChecksumSource = checksumSource
	txn.UpdatedAt = time.Now()
	if err := c.txs.Update(ctx, txn); err != nil {
		c.logger.Error("finalize: persisting verifying status", "transaction_id", txn.TransactionID, "error", err)
	}

	if !txn.VerifiedOK(file.ChecksumSHA256) {
		return c.failAndRollback(ctx, txn, target, newPath, "checksum_mismatch", "source and target checksums did not both match the recorded file checksum"), nil
	}

	return c.commit(ctx, txn, file, target, newPath)
}

// copyWithRetry runs the copy phase once and, on failure, retries it up to
// 3 more times with exponential backoff waits of 1s, 2s and 4s. The Copier itself is responsible for distinguishing
// transient failures (retried) from checksum mismatches, which belong to
// the verify phase and are never retried here.
func (c *Coordinator) copyWithRetry(ctx context.Context, source, target domain.StorageElement, file domain.File) (string, string, error) {
	type copyResult struct {
		path     string
		checksum string
	}
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = time.Second
	backOff.Multiplier = 2
	backOff.RandomizationFactor = 0

	result, err := backoff.Retry(ctx, func() (copyResult, error) {
		path, checksum, err := c.copier.Copy(ctx, source, target, file)
		if err != nil {
			return copyResult{}, err
		}
		return copyResult{path: path, checksum: checksum}, nil
	}, backoff.WithBackOff(backOff), backoff.WithMaxTries(copyMaxTries))
	if err != nil {
		return "", "", err
	}
	return result.path, result.checksum, nil
}

func (c *Coordinator) commit(ctx context.Context, txn domain.FinalizeTransaction, file domain.File, target domain.StorageElement, newPath string) (domain.FinalizeTransaction, error) {
	now := time.Now()
	if err := c.files.CommitFinalize(ctx, file.FileID, target.ElementID, newPath, now); err != nil {
		return c.failAndRollback(ctx, txn, target, newPath, "commit_failed", err.Error()), nil
	}

	txn.Status = domain.TxCompleted
	txn.CompletedAt = &now
	txn.UpdatedAt = now
	if err := c.txs.Update(ctx, txn); err != nil {
		c.logger.Error("finalize: persisting completed status", "transaction_id", txn.TransactionID, "error", err)
	}
	telemetry.FinalizeTransitionsTotal.WithLabelValues(string(txn.Status)).Inc()

	if err := c.cleanup.Enqueue(ctx, domain.CleanupQueueEntry{
		FileID:           file.FileID,
		StorageElementID: txn.SourceSE,
		ScheduledAt:      now.Add(cleanupDelay),
		Priority:         0,
		Reason:           domain.ReasonFinalized,
	}); err != nil {
		c.logger.Error("finalize: enqueueing source cleanup", "transaction_id", txn.TransactionID, "error", err)
	}

	updated := file
	updated.RetentionPolicy = domain.RetentionPermanent
	updated.FinalizedAt = &now
	updated.StorageElementID = target.ElementID
	updated.StoragePath = newPath
	if err := c.events.Publish(ctx, domain.Event{
		EventType:        domain.EventFileUpdated,
		FileID:           file.FileID,
		StorageElementID: target.ElementID,
		File:             &updated,
		Timestamp:        now,
	}); err != nil {
		c.logger.Error("finalize: publishing file:updated", "transaction_id", txn.TransactionID, "error", err)
	}

	return txn, nil
}

// failAndRollback transitions a non-terminal transaction through failed and
// into rolled_back, best-effort deleting the partially-written target
// object (if the copy phase had gotten far enough to produce one) along
// the way. File record is left untouched; the client may retry.
func (c *Coordinator) failAndRollback(ctx context.Context, txn domain.FinalizeTransaction, target domain.StorageElement, newPath, errorCode, errorMessage string) domain.FinalizeTransaction {
	txn.Status = domain.TxFailed
	txn.ErrorCode = errorCode
	txn.ErrorMessage = errorMessage
	txn.UpdatedAt = time.Now()
	if err := c.txs.Update(ctx, txn); err != nil {
		c.logger.Error("finalize: persisting failed status", "transaction_id", txn.TransactionID, "error", err)
	}
	telemetry.FinalizeTransitionsTotal.WithLabelValues(string(txn.Status)).Inc()

	if newPath != "" {
		if err := c.copier.DeleteTarget(ctx, target, newPath); err != nil {
			c.logger.Error("finalize: best-effort rollback delete failed", "transaction_id", txn.TransactionID, "target_se", target.ElementID, "error", err)
		}
	}

	txn.Status = domain.TxRolledBack
	txn.UpdatedAt = time.Now()
	if err := c.txs.Update(ctx, txn); err != nil {
		c.logger.Error("finalize: persisting rolled_back status", "transaction_id", txn.TransactionID, "error", err)
	}
	telemetry.FinalizeTransitionsTotal.WithLabelValues(string(txn.Status)).Inc()
	return txn
}
