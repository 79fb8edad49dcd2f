// Package cachesync applies Admin's file lifecycle events to Query's
// searchable metadata cache, and drives the operator-triggered full rebuild
// that recovers from messages missed while disconnected.
package cachesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
	"github.com/wisbric/strata/pkg/eventbus"
)

// CacheRow is one row of Query's derived searchable cache.
type CacheRow struct {
	File           domain.File
	CacheUpdatedAt time.Time
}

// CacheStore is Query's searchable cache storage.
type CacheStore interface {
	// Upsert inserts or replaces the row for file.FileID.
	Upsert(ctx context.Context, row CacheRow) error
	// Update replaces the row for file.FileID only if it already exists,
	// reporting found=false when there was nothing to update.
	Update(ctx context.Context, row CacheRow) (found bool, err error)
	Delete(ctx context.Context, fileID uuid.UUID) error
	// DeleteAll clears the cache before a full rebuild.
	DeleteAll(ctx context.Context) error
}

// SourceOfTruth is Admin's authoritative File table, read in full for the
// operator-triggered rebuild.
type SourceOfTruth interface {
	ListAllFiles(ctx context.Context, cursor func(domain.File) error) error
}

// Syncer consumes file lifecycle events and applies them to a CacheStore.
type Syncer struct {
	store  CacheStore
	source SourceOfTruth
	logger *slog.Logger
}

// New builds a Syncer.
func New(store CacheStore, source SourceOfTruth, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, source: source, logger: logger}
}

// Handle implements eventbus.Handler. Every branch is idempotent:
// reprocessing the same event any number of times converges to the same
// cache state.
func (s *Syncer) Handle(ctx context.Context, ev domain.Event) error {
	var err error
	switch ev.EventType {
	case domain.EventFileCreated:
		err = s.handleCreated(ctx, ev)
	case domain.EventFileUpdated:
		err = s.handleUpdated(ctx, ev)
	case domain.EventFileDeleted:
		err = s.handleDeleted(ctx, ev)
	default:
		s.logger.Warn("cachesync: unknown event type", "event_type", ev.EventType)
		return nil
	}
	if err == nil {
		telemetry.CacheSyncAppliedTotal.WithLabelValues(string(ev.EventType)).Inc()
	}
	return err
}

func (s *Syncer) handleCreated(ctx context.Context, ev domain.Event) error {
	if ev.File == nil {
		return domain.NewError(domain.KindInternal, "file:created event carries no file snapshot")
	}
	return s.store.Upsert(ctx, CacheRow{File: *ev.File, CacheUpdatedAt: time.Now()})
}

// handleUpdated updates the existing row; if none exists (the create event
// was missed while disconnected), it falls back to upsert so the cache
// still converges once a later update arrives.
func (s *Syncer) handleUpdated(ctx context.Context, ev domain.Event) error {
	if ev.File == nil {
		return domain.NewError(domain.KindInternal, "file:updated event carries no file snapshot")
	}
	row := CacheRow{File: *ev.File, CacheUpdatedAt: time.Now()}
	found, err := s.store.Update(ctx, row)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return s.store.Upsert(ctx, row)
}

func (s *Syncer) handleDeleted(ctx context.Context, ev domain.Event) error {
	return s.store.Delete(ctx, ev.FileID)
}

// Rebuild clears the cache and repopulates it from Admin's authoritative
// table. It is invoked only by an operator action, never automatically,
// since it is the explicit recovery path for messages missed during
// subscriber downtime.
func (s *Syncer) Rebuild(ctx context.Context) error {
	if err := s.store.DeleteAll(ctx); err != nil {
		return domain.WrapError(domain.KindInternal, "clearing cache before rebuild", err)
	}

	now := time.Now()
	var count int
	err := s.source.ListAllFiles(ctx, func(f domain.File) error {
		count++
		return s.store.Upsert(ctx, CacheRow{File: f, CacheUpdatedAt: now})
	})
	if err != nil {
		return domain.WrapError(domain.KindInternal, "rebuilding cache from source of truth", err)
	}

	s.logger.Info("cachesync: rebuild complete", "rows", count)
	return nil
}

// Subscribe wires a Syncer into an event bus subscriber's loop. It is a
// thin adapter so cmd/ wiring can pass s.Handle directly without importing
// both packages at every call site.
func Subscribe(ctx context.Context, sub *eventbus.Subscriber, s *Syncer) {
	sub.Run(ctx, eventbus.Handler(s.Handle))
}
