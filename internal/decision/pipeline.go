package decision

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/budget"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/llm"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// MatchStore feeds undecided matches into the pipeline.
type MatchStore interface {
	ClaimUndecided(ctx context.Context, limit int) ([]domain.GoalItemMatch, error)
}

// GoalStore loads goal context.
type GoalStore interface {
	Get(ctx context.Context, id string) (*domain.Goal, error)
}

// ItemStore loads item context.
type ItemStore interface {
	Get(ctx context.Context, id string) (*domain.Item, error)
}

// DecisionStore persists pipeline output.
type DecisionStore interface {
	Insert(ctx context.Context, d *domain.PushDecisionRecord) (bool, error)
	CountSentSince(ctx context.Context, goalID string, since time.Time) (int, error)
}

// ImmediateBuffer receives immediate proposals for coalescing.
type ImmediateBuffer interface {
	Push(ctx context.Context, goalID, decisionID, itemID string, score float64, now time.Time) error
}

// claimBatch bounds how many matches one pass decides.
const claimBatch = 50

// Pipeline runs the node chain over claimed matches.
type Pipeline struct {
	matches    MatchStore
	goals      GoalStore
	items      ItemStore
	decisions  DecisionStore
	buffer     ImmediateBuffer
	governor   *budget.Governor
	judge      *llm.Judge
	thresholds Thresholds
	interval   time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	decided int64
	ignored int64
	errored int64
}

// NewPipeline creates a decision pipeline. judge may be nil; every
// boundary then takes the deterministic fallback.
func NewPipeline(matches MatchStore, goals GoalStore, items ItemStore, decisions DecisionStore, buffer ImmediateBuffer, governor *budget.Governor, judge *llm.Judge, interval time.Duration) *Pipeline {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Pipeline{
		matches:    matches,
		goals:      goals,
		items:      items,
		decisions:  decisions,
		buffer:     buffer,
		governor:   governor,
		judge:      judge,
		thresholds: DefaultThresholds,
		interval:   interval,
	}
}

// SetThresholds overrides the score bands. Call before Start.
func (p *Pipeline) SetThresholds(t Thresholds) { p.thresholds = t }

// Start launches the claim loop.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.loop()
	logger.Info("decision pipeline started", "interval", p.interval.String())
}

// Stop halts the loop and waits for the in-flight pass.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	logger.Info("decision pipeline stopped")
}

// Stats reports cumulative counters.
func (p *Pipeline) Stats() map[string]int64 {
	return map[string]int64{
		"decided": atomic.LoadInt64(&p.decided),
		"ignored": atomic.LoadInt64(&p.ignored),
		"errored": atomic.LoadInt64(&p.errored),
	}
}

func (p *Pipeline) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunOnce(p.ctx)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(p.ctx)
		}
	}
}

// RunOnce claims undecided matches and runs the chain on each. One
// failing match never blocks the rest of the batch.
func (p *Pipeline) RunOnce(ctx context.Context) {
	matches, err := p.matches.ClaimUndecided(ctx, claimBatch)
	if err != nil {
		logger.Error("claim undecided matches failed", "error", err.Error())
		return
	}

	for i := range matches {
		if ctx.Err() != nil {
			return
		}
		if err := p.Decide(ctx, &matches[i]); err != nil {
			atomic.AddInt64(&p.errored, 1)
			logger.Error("decision run failed",
				"goal_id", matches[i].GoalID,
				"item_id", matches[i].ItemID,
				"error", err.Error())
		}
	}
}

// Decide runs the full node chain for one match.
func (p *Pipeline) Decide(ctx context.Context, m *domain.GoalItemMatch) error {
	goal, err := p.goals.Get(ctx, m.GoalID)
	if err != nil {
		return err
	}
	if goal == nil {
		return fmt.Errorf("decide: goal %s not found", m.GoalID)
	}
	item, err := p.items.Get(ctx, m.ItemID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("decide: item %s not found", m.ItemID)
	}

	s := &State{
		Trigger: TriggerMatchComputed,
		Goal:    goal,
		Item:    item,
		Match:   m,
		Flags:   p.governor.Flags(ctx, goal.UserID),
		Now:     time.Now().UTC(),
	}

	p.ruleGate(s)
	if s.Halted {
		s.Bucket = BucketIgnore
	} else {
		p.bucket(s)
		p.boundaryJudge(ctx, s)
		p.pushWorthiness(ctx, s)
	}

	if err := p.emitActions(ctx, s); err != nil {
		return err
	}

	if s.Proposal.Decision == domain.DecisionIgnore {
		atomic.AddInt64(&p.ignored, 1)
	} else {
		atomic.AddInt64(&p.decided, 1)
	}
	return nil
}

func (p *Pipeline) sentToday(ctx context.Context, goalID string) int {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	n, err := p.decisions.CountSentSince(ctx, goalID, midnight)
	if err != nil {
		logger.Warn("sent-today count failed", "goal_id", goalID, "error", err.Error())
		return 0
	}
	return n
}
