// Package scheduler drives the fetch cadence: it sweeps for due sources,
// runs their fetchers with bounded concurrency, hands results to the
// ingest coordinator, and reschedules each source with backoff.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/fetcher"
	"github.com/ignite/sentrycore/internal/ingest"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// Backoff bounds.
const (
	// MaxIntervalSec caps every backoff at four hours.
	MaxIntervalSec = 14400
	// EmptyStreakThreshold is how many consecutive empty fetches trigger
	// the cooldown stretch.
	EmptyStreakThreshold = 5
	// EmptyCooldownFactor stretches the interval for quiet sources.
	EmptyCooldownFactor = 2
)

// SourceStore is the subset of the source repository the scheduler uses.
type SourceStore interface {
	ClaimDue(ctx context.Context, limit int) ([]domain.Source, error)
	UpdateScheduling(ctx context.Context, id string, nextFetchAt, lastFetchAt time.Time, errorStreak, emptyStreak int) error
}

// Config tunes the scheduler worker.
type Config struct {
	SweepInterval time.Duration
	ClaimBatch    int
	MaxConcurrent int
	MaxItems      int
}

func (c *Config) defaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 100
	}
}

// Scheduler is the fetch worker. One instance per process; the claim
// query's row locks keep multiple processes from fetching the same
// source concurrently.
type Scheduler struct {
	sources SourceStore
	coord   *ingest.Coordinator
	factory *fetcher.Factory
	cfg     Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	sweeps        int64
	fetchOK       int64
	fetchFailed   int64
	itemsIngested int64
}

// New creates a scheduler.
func New(sources SourceStore, coord *ingest.Coordinator, factory *fetcher.Factory, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{sources: sources, coord: coord, factory: factory, cfg: cfg}
}

// Start launches the sweep loop. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.sweepLoop()
	logger.Info("scheduler started",
		"sweep_interval", s.cfg.SweepInterval.String(),
		"max_concurrent", s.cfg.MaxConcurrent)
}

// Stop halts the sweep loop and waits for in-flight fetches.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// Stats reports cumulative counters.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"sweeps":         atomic.LoadInt64(&s.sweeps),
		"fetch_ok":       atomic.LoadInt64(&s.fetchOK),
		"fetch_failed":   atomic.LoadInt64(&s.fetchFailed),
		"items_ingested": atomic.LoadInt64(&s.itemsIngested),
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.Sweep(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep claims due sources and fetches them with bounded concurrency.
func (s *Scheduler) Sweep(ctx context.Context) {
	atomic.AddInt64(&s.sweeps, 1)

	due, err := s.sources.ClaimDue(ctx, s.cfg.ClaimBatch)
	if err != nil {
		logger.Error("claim due sources failed", "error", err.Error())
		return
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i := range due {
		src := due[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.fetchOne(ctx, &src)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) fetchOne(ctx context.Context, src *domain.Source) {
	f, err := s.factory.For(src.Type)
	if err != nil {
		logger.Error("no fetcher for source", "source_id", src.ID, "type", string(src.Type))
		return
	}

	res := f.Fetch(ctx, src.Config, s.cfg.MaxItems)
	out, err := s.coord.Process(ctx, src, res)
	if err != nil {
		logger.Error("ingest failed", "source_id", src.ID, "error", err.Error())
		// Treat a storage failure like a fetch failure for backoff.
		out = &ingest.Result{Status: domain.IngestFailed}
	}

	if out.Status == domain.IngestFailed {
		atomic.AddInt64(&s.fetchFailed, 1)
	} else {
		atomic.AddInt64(&s.fetchOK, 1)
		atomic.AddInt64(&s.itemsIngested, int64(out.New))
	}

	now := time.Now().UTC()
	next, errStreak, emptyStreak := NextSchedule(now, src, out.Status, out.New)
	if err := s.sources.UpdateScheduling(ctx, src.ID, next, now, errStreak, emptyStreak); err != nil {
		logger.Error("update scheduling failed", "source_id", src.ID, "error", err.Error())
	}
}

// NextSchedule computes the next fetch time and updated streaks from one
// attempt's outcome:
//
//   - failure: error streak grows, interval doubles per consecutive
//     failure, capped at MaxIntervalSec.
//   - success with no new items: empty streak grows; past the threshold
//     the interval is stretched by the cooldown factor, capped.
//   - success with new items: both streaks reset, base interval applies.
func NextSchedule(now time.Time, src *domain.Source, status domain.IngestStatus, itemsNew int) (time.Time, int, int) {
	base := src.FetchIntervalSec
	if base < 60 {
		base = 60
	}

	if status == domain.IngestFailed {
		errStreak := src.ErrorStreak + 1
		sec := base
		for i := 0; i < errStreak && sec < MaxIntervalSec; i++ {
			sec *= 2
		}
		if sec > MaxIntervalSec {
			sec = MaxIntervalSec
		}
		return now.Add(time.Duration(sec) * time.Second), errStreak, src.EmptyStreak
	}

	if itemsNew == 0 {
		emptyStreak := src.EmptyStreak + 1
		sec := base
		if emptyStreak >= EmptyStreakThreshold {
			sec = base * EmptyCooldownFactor
			if sec > MaxIntervalSec {
				sec = MaxIntervalSec
			}
		}
		return now.Add(time.Duration(sec) * time.Second), 0, emptyStreak
	}

	return now.Add(time.Duration(base) * time.Second), 0, 0
}
