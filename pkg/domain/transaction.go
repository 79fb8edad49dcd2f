package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the state of a Finalize Transaction's two-phase commit.
type TransactionStatus string

const (
	TxCopying     TransactionStatus = "copying"
	TxCopied      TransactionStatus = "copied"
	TxVerifying   TransactionStatus = "verifying"
	TxCompleted   TransactionStatus = "completed"
	TxFailed      TransactionStatus = "failed"
	TxRolledBack  TransactionStatus = "rolled_back"
)

// Terminal reports whether the status cannot transition further.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxRolledBack:
		return true
	default:
		return false
	}
}

// ProgressPercent maps a status to the polling progress contract in the
// external API: copying/copied/verifying/completed map to 25/50/75/100,
// anything else (failed, rolled_back) reports 0.
func (s TransactionStatus) ProgressPercent() int {
	switch s {
	case TxCopying:
		return 25
	case TxCopied:
		return 50
	case TxVerifying:
		return 75
	case TxCompleted:
		return 100
	default:
		return 0
	}
}

// FinalizeTransaction tracks the promotion of a temporary file on an EDIT
// Storage Element to a permanent file on an RW Storage Element.
type FinalizeTransaction struct {
	TransactionID   uuid.UUID         `json:"transaction_id"`
	FileID          uuid.UUID         `json:"file_id"`
	SourceSE        string            `json:"source_se"`
	TargetSE        string            `json:"target_se"`
	Status          TransactionStatus `json:"status"`
	ChecksumSource  string            `json:"checksum_source,omitempty"`
	ChecksumTarget  string            `json:"checksum_target,omitempty"`
	RetryCount      int               `json:"retry_count"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// VerifiedOK reports whether both checksums are present, equal to each
// other, and equal to the file's recorded checksum — the condition required
// to commit per invariant 2 in the spec's testable properties.
func (t *FinalizeTransaction) VerifiedOK(fileChecksum string) bool {
	return t.ChecksumSource != "" &&
		t.ChecksumTarget != "" &&
		t.ChecksumSource == t.ChecksumTarget &&
		t.ChecksumSource == fileChecksum
}
