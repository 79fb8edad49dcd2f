package capacity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	leaderKey       = "capacity:leader-lock"
	leaderLockTTL   = 30 * time.Second
	heartbeatPeriod = 10 * time.Second
	electionPeriod  = 5 * time.Second
)

// releaseScript deletes leaderKey only if it still holds this replica's
// token, mirroring the compare-and-delete release already used for the key
// rotation lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Monitor is the Capacity Monitor actor: one instance runs per replica, but
// only the elected leader ever polls Storage Elements. Followers sit idle
// on the election ticker, ready to take over the moment the lock lapses.
type Monitor struct {
	rdb      *redis.Client
	elements ElementLister
	poller   Poller
	registry *Registry
	logger   *slog.Logger

	token string

	mu         sync.Mutex
	isLeader   bool
	failures   map[string]int
	cancelPoll context.CancelFunc
}

// NewMonitor builds a Capacity Monitor actor.
func NewMonitor(rdb *redis.Client, elements ElementLister, poller Poller, logger *slog.Logger) *Monitor {
	return &Monitor{
		rdb:      rdb,
		elements: elements,
		poller:   poller,
		registry: NewRegistry(rdb),
		logger:   logger,
		token:    uuid.New().String(),
		failures: map[string]int{},
	}
}

// Run drives leader election until ctx is cancelled. While this replica is
// leader it polls every registered element at its own adaptive cadence;
// losing the lock (heartbeat failure, or another replica already holds it)
// stops polling immediately.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(electionPeriod)
	defer ticker.Stop()

	m.tryBecomeLeaderOrHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			m.stepDown()
			return
		case <-ticker.C:
			m.tryBecomeLeaderOrHeartbeat(ctx)
		}
	}
}

func (m *Monitor) tryBecomeLeaderOrHeartbeat(ctx context.Context) {
	m.mu.Lock()
	wasLeader := m.isLeader
	m.mu.Unlock()

	if wasLeader {
		ok, err := m.rdb.Expire(ctx, leaderKey, leaderLockTTL).Result()
		if err == nil && ok {
			return
		}
		// Lost the lock between ticks; stand down and let a later tick
		// retry acquisition like any other follower.
		m.logger.Warn("capacity monitor lost leader lock")
		m.stepDown()
		return
	}

	acquired, err := m.rdb.SetNX(ctx, leaderKey, m.token, leaderLockTTL).Result()
	if err != nil {
		m.logger.Error("capacity monitor election failed", "error", err)
		return
	}
	if !acquired {
		return
	}

	m.logger.Info("capacity monitor became leader")
	pollCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.isLeader = true
	m.cancelPoll = cancel
	m.mu.Unlock()

	go m.pollLoop(pollCtx)
}

func (m *Monitor) stepDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isLeader {
		return
	}
	m.isLeader = false
	if m.cancelPoll != nil {
		m.cancelPoll()
		m.cancelPoll = nil
	}
	ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRelease()
	_ = m.rdb.Eval(ctx, releaseScript, []string{leaderKey}, m.token).Err()
}

// IsLeader reports whether this replica currently holds the election lock.
func (m *Monitor) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}
