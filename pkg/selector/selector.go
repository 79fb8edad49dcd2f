// Package selector implements the Storage Selector: given a retention
// policy and file size it picks a target Storage Element, preferring the
// shared capacity registry and falling back to Admin, then static
// configuration, when that registry is unreachable.
package selector

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/capacity"
	"github.com/wisbric/strata/pkg/domain"
)

const (
	marginFactor = 1.1
	maxRetries   = 3
)

// AdminClient is the Selector's fallback path when the registry can't be
// read: it asks Admin directly for a storage element's current state.
type AdminClient interface {
	GetStorageElement(ctx context.Context, elementID string) (domain.StorageElement, error)
	ListStorageElementsByMode(ctx context.Context, mode domain.Mode) ([]domain.StorageElement, error)
}

// StaticList is the last-resort fallback: an operator-configured list of
// known-good elements, used only when both the registry and Admin are
// unreachable.
type StaticList struct {
	Elements []domain.StorageElement
}

// Selector picks target Storage Elements for uploads and finalize copies.
type Selector struct {
	registry *capacity.Registry
	admin    AdminClient
	static   StaticList
	breaker  *gobreaker.CircuitBreaker[[]string]
	logger   *slog.Logger
}

// New builds a Selector. The circuit breaker guards the registry read: three
// consecutive failures trip it open for 30s, during which registry reads
// fail at once and the selector falls back to Admin, then the static list.
func New(registry *capacity.Registry, admin AdminClient, static StaticList, logger *slog.Logger) *Selector {
	breaker := gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:    "selector-registry",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Selector{
		registry: registry,
		admin:    admin,
		static:   static,
		breaker:  breaker,
		logger:   logger,
	}
}

// RequiredMode derives the target mode from a file's retention policy:
// temporary files land on an EDIT element, permanent files on an RW
// element.
func RequiredMode(policy domain.RetentionPolicy) domain.Mode {
	if policy == domain.RetentionPermanent {
		return domain.ModeRW
	}
	return domain.ModeEdit
}

// Attempter is called by Select with one chosen target per try. Returning
// domain.KindInsufficientSpace (mapped from the SE's HTTP 507) tells the
// Selector to invalidate that element and retry the next candidate, up to
// maxRetries attempts.
type Attempter func(ctx context.Context, se domain.StorageElement) error

// Select chooses a target element for the given policy and size, invokes
// attempt against it, and retries with the next-best candidate on a 507
// (insufficient space) response, up to maxRetries attempts in total.
func (s *Selector) Select(ctx context.Context, policy domain.RetentionPolicy, fileSize int64, attempt Attempter) (domain.StorageElement, error) {
	mode := RequiredMode(policy)
	tried := map[string]bool{}

	for i := 0; i < maxRetries; i++ {
		se, err := s.pickCandidate(ctx, mode, fileSize, tried)
		if err != nil {
			return domain.StorageElement{}, err
		}
		tried[se.ElementID] = true

		err = attempt(ctx, se)
		if err == nil {
			return se, nil
		}
		if domain.KindOf(err) != domain.KindInsufficientSpace {
			return domain.StorageElement{}, err
		}

		s.logger.Warn("selector: target reported insufficient space, invalidating and retrying", "element_id", se.ElementID, "attempt", i+1)
		if ierr := s.registry.Invalidate(ctx, se.ElementID); ierr != nil {
			s.logger.Error("selector: invalidating capacity entry", "element_id", se.ElementID, "error", ierr)
		}
	}

	return domain.StorageElement{}, domain.NewError(domain.KindNoAvailableStorage, "exhausted retries against reported-full storage elements")
}

// pickCandidate returns the best untried element for mode, consulting the
// registry first, then Admin, then the static list.
func (s *Selector) pickCandidate(ctx context.Context, mode domain.Mode, fileSize int64, tried map[string]bool) (domain.StorageElement, error) {
	if se, ok, err := s.fromRegistry(ctx, mode, fileSize, tried); err == nil && ok {
		return se, nil
	} else if err != nil {
		s.logger.Warn("selector: registry read failed, falling back to Admin", "error", err)
	}

	if se, ok, err := s.fromAdmin(ctx, mode, fileSize, tried); err == nil && ok {
		return se, nil
	} else if err != nil {
		s.logger.Warn("selector: Admin fallback failed, falling back to static list", "error", err)
	}

	if se, ok := s.fromStatic(mode, fileSize, tried); ok {
		return se, nil
	}

	return domain.StorageElement{}, domain.NewError(domain.KindNoAvailableStorage, "no storage element satisfies capacity margin for this mode")
}

func (s *Selector) fromRegistry(ctx context.Context, mode domain.Mode, fileSize int64, tried map[string]bool) (domain.StorageElement, bool, error) {
	ids, err := s.breaker.Execute(func() ([]string, error) {
		return s.registry.BestCandidates(ctx, mode, 50)
	})
	if err != nil {
		return domain.StorageElement{}, false, err
	}

	for _, id := range ids {
		if tried[id] {
			telemetry.SelectorCandidatesSkipped.WithLabelValues("already_tried").Inc()
			continue
		}
		rec, ok, err := s.registry.Get(ctx, id)
		if err != nil || !ok {
			telemetry.SelectorCandidatesSkipped.WithLabelValues("no_record").Inc()
			continue
		}
		if !meetsMargin(rec, fileSize) {
			telemetry.SelectorCandidatesSkipped.WithLabelValues("insufficient_margin").Inc()
			continue
		}
		return domain.StorageElement{
			ElementID: rec.ElementID,
			APIURL:    rec.Endpoint,
			Mode:      rec.Mode,
			Priority:  rec.Priority,
		}, true, nil
	}
	return domain.StorageElement{}, false, nil
}

func (s *Selector) fromAdmin(ctx context.Context, mode domain.Mode, fileSize int64, tried map[string]bool) (domain.StorageElement, bool, error) {
	if s.admin == nil {
		return domain.StorageElement{}, false, nil
	}
	elements, err := s.admin.ListStorageElementsByMode(ctx, mode)
	if err != nil {
		return domain.StorageElement{}, false, err
	}
	return pickFromList(elements, fileSize, tried)
}

func (s *Selector) fromStatic(mode domain.Mode, fileSize int64, tried map[string]bool) (domain.StorageElement, bool) {
	var candidates []domain.StorageElement
	for _, se := range s.static.Elements {
		if se.Mode == mode {
			candidates = append(candidates, se)
		}
	}
	se, ok, _ := pickFromList(candidates, fileSize, tried)
	return se, ok
}

func pickFromList(elements []domain.StorageElement, fileSize int64, tried map[string]bool) (domain.StorageElement, bool, error) {
	best := -1
	var bestAvail int64
	for i, se := range elements {
		if tried[se.ElementID] {
			telemetry.SelectorCandidatesSkipped.WithLabelValues("already_tried").Inc()
			continue
		}
		if se.Status != domain.StatusOnline {
			telemetry.SelectorCandidatesSkipped.WithLabelValues("offline").Inc()
			continue
		}
		available := se.CapacityBytes - se.UsedBytes
		if float64(available) < float64(fileSize)*marginFactor {
			telemetry.SelectorCandidatesSkipped.WithLabelValues("insufficient_margin").Inc()
			continue
		}
		if best == -1 || se.Priority < elements[best].Priority || (se.Priority == elements[best].Priority && available > bestAvail) {
			best, bestAvail = i, available
		}
	}
	if best == -1 {
		return domain.StorageElement{}, false, nil
	}
	return elements[best], true, nil
}

func meetsMargin(rec domain.CapacityRecord, fileSize int64) bool {
	if rec.Health != domain.HealthHealthy {
		return false
	}
	return float64(rec.Available) >= float64(fileSize)*marginFactor
}
