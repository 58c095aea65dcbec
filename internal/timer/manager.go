// Package timer fans periodic ticks out to the worker components. Each
// job runs under a distributed lock so one process fires it per
// interval; a missed tick is benign because every consumer re-derives
// its work from the database.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/pkg/distlock"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// Default tick intervals.
const (
	SchedulerSweepInterval = 60 * time.Second
	EmbedPendingInterval   = 60 * time.Second
	MatchInterval          = 60 * time.Second
	DecisionInterval       = 30 * time.Second
	ImmediateFlushInterval = 60 * time.Second
	BatchWindowInterval    = 60 * time.Second
	DigestInterval         = 60 * time.Second
	OutboxDrainInterval    = 15 * time.Second
	BudgetHourlyInterval   = time.Hour
	HealthCheckInterval    = 5 * time.Minute
)

// JobFunc is one tick's worth of work.
type JobFunc func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	runs     int64
	skipped  int64
}

// Manager schedules registered jobs on their intervals.
type Manager struct {
	locks distlock.Factory

	mu      sync.Mutex
	jobs    []*job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a tick manager. locks may be nil; jobs then run
// unguarded (single-process deployments).
func NewManager(locks distlock.Factory) *Manager {
	return &Manager{locks: locks}
}

// Register adds a job. Call before Start.
func (m *Manager) Register(name string, interval time.Duration, fn JobFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, &job{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per registered job.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	// RunDaily may have created the context already; a replacement here
	// would strand its goroutine on a cancel nothing fires.
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}

	for _, j := range m.jobs {
		m.wg.Add(1)
		go m.run(m.ctx, j)
	}
	logger.Info("timer manager started", "jobs", len(m.jobs))
}

// Stop halts all job loops and waits for in-flight ticks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.ctx, m.cancel = nil, nil
	m.mu.Unlock()
	m.wg.Wait()
	logger.Info("timer manager stopped")
}

// Stats reports per-job run and skip counts.
func (m *Manager) Stats() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.jobs)*2)
	for _, j := range m.jobs {
		out[j.name+"_runs"] = atomic.LoadInt64(&j.runs)
		out[j.name+"_skipped"] = atomic.LoadInt64(&j.skipped)
	}
	return out
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer m.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fire(ctx, j)
		}
	}
}

// fire runs one tick, guarded by a distributed lock held for at most the
// job interval so a crashed holder frees the slot by expiry.
func (m *Manager) fire(parent context.Context, j *job) {
	ctx, cancel := context.WithTimeout(parent, j.interval)
	defer cancel()

	if m.locks != nil {
		lock := m.locks.NewLock("tick:"+j.name, j.interval)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Warn("tick lock error", "job", j.name, "error", err.Error())
			return
		}
		if !acquired {
			atomic.AddInt64(&j.skipped, 1)
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				logger.Warn("tick lock release failed", "job", j.name, "error", err.Error())
			}
		}()
	}

	atomic.AddInt64(&j.runs, 1)
	j.fn(ctx)
}

// NextMidnightUTC returns the next 00:00 UTC after now, for scheduling
// the budget rollover.
func NextMidnightUTC(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// RunDaily fires fn at every UTC midnight until the manager stops.
// Registered separately from interval jobs because the cadence is
// calendar-aligned.
func (m *Manager) RunDaily(name string, fn JobFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	ctx := m.ctx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			wait := time.Until(NextMidnightUTC(time.Now()))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.fire(ctx, &job{name: name, interval: 10 * time.Minute, fn: fn})
			}
		}
	}()
}
