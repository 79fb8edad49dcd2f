package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/wisbric/strata/internal/telemetry"
	"github.com/wisbric/strata/pkg/domain"
)

const refreshElementsEvery = 30 * time.Second

// pollLoop is run by the elected leader only. It keeps one goroutine per
// Storage Element, each looping at that element's own adaptive interval, and
// periodically refreshes the element list so newly registered or retired
// elements are picked up without a restart.
func (m *Monitor) pollLoop(ctx context.Context) {
	running := map[string]context.CancelFunc{}
	var mu sync.Mutex

	stopAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for id, cancel := range running {
			cancel()
			delete(running, id)
		}
	}
	defer stopAll()

	refresh := func() {
		elements, err := m.elements.ListStorageElements(ctx)
		if err != nil {
			m.logger.Error("capacity monitor: listing storage elements", "error", err)
			return
		}

		seen := map[string]bool{}
		mu.Lock()
		for _, se := range elements {
			seen[se.ElementID] = true
			if _, ok := running[se.ElementID]; ok {
				continue
			}
			elementCtx, cancel := context.WithCancel(ctx)
			running[se.ElementID] = cancel
			go m.pollElement(elementCtx, se)
		}
		for id, cancel := range running {
			if !seen[id] {
				cancel()
				delete(running, id)
			}
		}
		mu.Unlock()
	}

	refresh()

	ticker := time.NewTicker(refreshElementsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// pollElement polls one Storage Element forever at its own adaptive
// interval, which can shrink or grow between iterations as utilisation
// changes.
func (m *Monitor) pollElement(ctx context.Context, se domain.StorageElement) {
	interval := 60 * time.Second
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rec, err := m.pollOnce(ctx, se)
		if err == nil {
			interval = rec.PollInterval()
		}
		timer.Reset(interval)
	}
}

func (m *Monitor) pollOnce(ctx context.Context, se domain.StorageElement) (domain.CapacityRecord, error) {
	start := time.Now()
	rec, err := m.poller.Poll(ctx, se)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	telemetry.CapacityPollDuration.WithLabelValues(se.ElementID, outcome).Observe(time.Since(start).Seconds())

	m.mu.Lock()
	if err != nil {
		m.failures[se.ElementID]++
	} else {
		m.failures[se.ElementID] = 0
	}
	failures := m.failures[se.ElementID]
	m.mu.Unlock()

	if err != nil {
		rec = domain.CapacityRecord{
			ElementID: se.ElementID,
			Mode:      se.Mode,
			Priority:  se.Priority,
			Endpoint:  se.APIURL,
			LastPoll:  time.Now(),
		}
		rec.Health = healthForFailures(failures)
		m.logger.Warn("capacity monitor: poll failed", "element_id", se.ElementID, "consecutive_failures", failures, "error", err)
	} else {
		rec.Health = domain.HealthHealthy
		rec.LastPoll = time.Now()
	}

	if werr := m.registry.Write(ctx, rec); werr != nil {
		m.logger.Error("capacity monitor: writing record", "element_id", se.ElementID, "error", werr)
	}

	return rec, err
}

// healthForFailures implements the consecutive-failure escalation: the
// first failed poll degrades an element, a second consecutive failure
// marks it unhealthy. Any success snaps it back to healthy immediately,
// handled by the caller rather than here.
func healthForFailures(consecutive int) domain.HealthStatus {
	switch {
	case consecutive >= 2:
		return domain.HealthUnhealthy
	case consecutive == 1:
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}
