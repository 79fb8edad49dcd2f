package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the three channels the Event Bus carries from Admin to Query.
type EventType string

const (
	EventFileCreated EventType = "file:created"
	EventFileUpdated EventType = "file:updated"
	EventFileDeleted EventType = "file:deleted"
)

// Event is the at-least-once message published by Admin after a file
// lifecycle state change commits. For create/update it carries a full
// metadata snapshot so subscribers never need a follow-up fetch.
type Event struct {
	EventType        EventType `json:"event_type"`
	FileID           uuid.UUID `json:"file_id"`
	StorageElementID string    `json:"storage_element_id"`
	File             *File     `json:"file,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// CleanupReason explains why a Cleanup Queue entry was enqueued.
type CleanupReason string

const (
	ReasonTTLExpired CleanupReason = "ttl_expired"
	ReasonFinalized  CleanupReason = "finalized"
	ReasonOrphaned   CleanupReason = "orphaned"
	ReasonManual     CleanupReason = "manual"
)

// CleanupQueueEntry is a deferred-deletion job processed by the GC Worker.
type CleanupQueueEntry struct {
	ID               int64         `json:"id"`
	FileID           uuid.UUID     `json:"file_id"`
	StorageElementID string        `json:"storage_element_id"`
	ScheduledAt      time.Time     `json:"scheduled_at"`
	Priority         int           `json:"priority"`
	Reason           CleanupReason `json:"reason"`
	ProcessedAt      *time.Time    `json:"processed_at,omitempty"`
	Success          *bool         `json:"success,omitempty"`
	RetryCount       int           `json:"retry_count"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// JWTKey is a single RSA keypair version managed by the Key Manager.
type JWTKey struct {
	Version    uuid.UUID `json:"version"`
	PrivatePEM []byte    `json:"-"`
	PublicPEM  []byte    `json:"public_pem"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsActive   bool      `json:"is_active"`
}

// Active reports whether the key is usable for signing right now.
func (k JWTKey) Active(now time.Time) bool {
	return k.IsActive && now.Before(k.ExpiresAt)
}

// VerifiableAt reports whether tokens minted under this key should still
// verify at the given instant — i.e. the key has not yet expired.
func (k JWTKey) VerifiableAt(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}
