package capacity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/strata/pkg/domain"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*Registry, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRegistry(rdb), rdb
}

func TestRegistryWriteAddsToModeIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rec := domain.CapacityRecord{
		ElementID: "se-1",
		Total:     1000,
		Used:      100,
		Available: 900,
		Mode:      domain.ModeRW,
		Priority:  1,
		Health:    domain.HealthHealthy,
	}
	if err := reg.Write(ctx, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := reg.Get(ctx, "se-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Available != 900 {
		t.Fatalf("Available = %d, want 900", got.Available)
	}

	candidates, err := reg.BestCandidates(ctx, domain.ModeRW, 10)
	if err != nil {
		t.Fatalf("BestCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0] != "se-1" {
		t.Fatalf("BestCandidates = %v, want [se-1]", candidates)
	}
}

func TestRegistryOrdersByIndexScore(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	records := []domain.CapacityRecord{
		{ElementID: "low-priority", Priority: 2, Available: 500_000, Mode: domain.ModeRW, Health: domain.HealthHealthy},
		{ElementID: "high-priority-more-space", Priority: 1, Available: 700_000, Mode: domain.ModeRW, Health: domain.HealthHealthy},
		{ElementID: "high-priority-less-space", Priority: 1, Available: 100_000, Mode: domain.ModeRW, Health: domain.HealthHealthy},
	}
	for _, r := range records {
		if err := reg.Write(ctx, r); err != nil {
			t.Fatalf("Write(%s): %v", r.ElementID, err)
		}
	}

	got, err := reg.BestCandidates(ctx, domain.ModeRW, 10)
	if err != nil {
		t.Fatalf("BestCandidates: %v", err)
	}
	want := []string{"high-priority-more-space", "high-priority-less-space", "low-priority"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRegistryUnhealthyRecordOmittedFromIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Write(ctx, domain.CapacityRecord{ElementID: "se-1", Mode: domain.ModeRW, Health: domain.HealthUnhealthy}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	candidates, err := reg.BestCandidates(ctx, domain.ModeRW, 10)
	if err != nil {
		t.Fatalf("BestCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("BestCandidates = %v, want empty", candidates)
	}
}

func TestRegistryInvalidateRemovesFromBothIndices(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_ = reg.Write(ctx, domain.CapacityRecord{ElementID: "se-1", Mode: domain.ModeRW, Health: domain.HealthHealthy})
	if err := reg.Invalidate(ctx, "se-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	candidates, _ := reg.BestCandidates(ctx, domain.ModeRW, 10)
	if len(candidates) != 0 {
		t.Fatalf("BestCandidates after invalidate = %v, want empty", candidates)
	}
}

// fakeLister returns a fixed element set.
type fakeLister struct {
	elements []domain.StorageElement
}

func (f fakeLister) ListStorageElements(context.Context) ([]domain.StorageElement, error) {
	return f.elements, nil
}

// fakePoller returns a queued result per element, or an error if configured.
type fakePoller struct {
	mu      sync.Mutex
	results map[string]domain.CapacityRecord
	fail    map[string]bool
	calls   map[string]int
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		results: map[string]domain.CapacityRecord{},
		fail:    map[string]bool{},
		calls:   map[string]int{},
	}
}

func (f *fakePoller) Poll(ctx context.Context, se domain.StorageElement) (domain.CapacityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[se.ElementID]++
	if f.fail[se.ElementID] {
		return domain.CapacityRecord{}, errors.New("simulated poll failure")
	}
	return f.results[se.ElementID], nil
}

func TestHealthForFailuresEscalation(t *testing.T) {
	cases := []struct {
		failures int
		want     domain.HealthStatus
	}{
		{0, domain.HealthHealthy},
		{1, domain.HealthDegraded},
		{2, domain.HealthUnhealthy},
		{5, domain.HealthUnhealthy},
	}
	for _, c := range cases {
		if got := healthForFailures(c.failures); got != c.want {
			t.Fatalf("healthForFailures(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestPollOnceWritesHealthyRecord(t *testing.T) {
	reg, rdb := newTestRegistry(t)
	_ = rdb
	poller := newFakePoller()
	poller.results["se-1"] = domain.CapacityRecord{
		ElementID: "se-1",
		Total:     1000,
		Used:      100,
		Available: 900,
		Mode:      domain.ModeRW,
		Priority:  1,
	}

	mon := &Monitor{
		poller:   poller,
		registry: reg,
		logger:   silentLogger(),
		failures: map[string]int{},
	}

	se := domain.StorageElement{ElementID: "se-1", Mode: domain.ModeRW, Priority: 1}
	rec, err := mon.pollOnce(context.Background(), se)
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if rec.Health != domain.HealthHealthy {
		t.Fatalf("Health = %v, want healthy", rec.Health)
	}

	got, ok, _ := reg.Get(context.Background(), "se-1")
	if !ok {
		t.Fatal("expected record written to registry")
	}
	if got.Health != domain.HealthHealthy {
		t.Fatalf("stored Health = %v, want healthy", got.Health)
	}
}

func TestPollOnceEscalatesAndRecoversHealth(t *testing.T) {
	reg, _ := newTestRegistry(t)
	poller := newFakePoller()
	poller.fail["se-1"] = true

	mon := &Monitor{
		poller:   poller,
		registry: reg,
		logger:   silentLogger(),
		failures: map[string]int{},
	}
	se := domain.StorageElement{ElementID: "se-1", Mode: domain.ModeRW, Priority: 1}

	if _, err := mon.pollOnce(context.Background(), se); err == nil {
		t.Fatal("expected first poll to fail")
	}
	rec, _, _ := reg.Get(context.Background(), "se-1")
	if rec.Health != domain.HealthDegraded {
		t.Fatalf("Health after 1 failure = %v, want degraded", rec.Health)
	}

	if _, err := mon.pollOnce(context.Background(), se); err == nil {
		t.Fatal("expected second poll to fail")
	}
	rec, _, _ = reg.Get(context.Background(), "se-1")
	if rec.Health != domain.HealthUnhealthy {
		t.Fatalf("Health after 2 failures = %v, want unhealthy", rec.Health)
	}

	poller.mu.Lock()
	poller.fail["se-1"] = false
	poller.results["se-1"] = domain.CapacityRecord{ElementID: "se-1", Mode: domain.ModeRW, Total: 100, Used: 10, Available: 90}
	poller.mu.Unlock()

	if _, err := mon.pollOnce(context.Background(), se); err != nil {
		t.Fatalf("expected recovery poll to succeed: %v", err)
	}
	rec, _, _ = reg.Get(context.Background(), "se-1")
	if rec.Health != domain.HealthHealthy {
		t.Fatalf("Health after recovery = %v, want healthy (immediate recovery)", rec.Health)
	}
}

func TestMonitorLeaderElectionSingleLeader(t *testing.T) {
	mr := miniredis.RunT(t)
	newMon := func() *Monitor {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewMonitor(rdb, fakeLister{}, newFakePoller(), silentLogger())
	}

	a := newMon()
	b := newMon()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.tryBecomeLeaderOrHeartbeat(ctx)
	b.tryBecomeLeaderOrHeartbeat(ctx)

	if !a.IsLeader() {
		t.Fatal("first replica to call should become leader")
	}
	if b.IsLeader() {
		t.Fatal("second replica should not become leader while lock is held")
	}

	a.stepDown()
	if a.IsLeader() {
		t.Fatal("stepDown should clear leader state")
	}

	b.tryBecomeLeaderOrHeartbeat(ctx)
	if !b.IsLeader() {
		t.Fatal("second replica should become leader once the first steps down")
	}
}

func TestMonitorHeartbeatRenewsLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mon := NewMonitor(rdb, fakeLister{}, newFakePoller(), silentLogger())

	ctx := context.Background()
	mon.tryBecomeLeaderOrHeartbeat(ctx)
	if !mon.IsLeader() {
		t.Fatal("expected to become leader")
	}

	mr.FastForward(leaderLockTTL - time.Second)
	mon.tryBecomeLeaderOrHeartbeat(ctx)
	if !mon.IsLeader() {
		t.Fatal("heartbeat should keep leadership alive")
	}
	if mr.TTL(leaderKey) < time.Second {
		t.Fatal("heartbeat should have renewed the lock TTL")
	}
}
