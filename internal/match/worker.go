package match

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/budget"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/embedding"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// ItemStore is the subset of the item repository the worker uses.
type ItemStore interface {
	ListUnmatched(ctx context.Context, limit int) ([]domain.Item, error)
	MarkMatched(ctx context.Context, id string) error
}

// GoalStore loads goals, terms, and descriptor backfill state.
type GoalStore interface {
	ActiveGoalsForSource(ctx context.Context, sourceID string) ([]domain.Goal, error)
	Terms(ctx context.Context, goalID string) ([]domain.GoalPriorityTerm, error)
	ListMissingDescriptors(ctx context.Context, model string, limit int) ([]domain.Goal, error)
	SetDescriptor(ctx context.Context, goalID string, vec []float32, model string) error
}

// MatchStore persists scored pairs.
type MatchStore interface {
	Upsert(ctx context.Context, m *domain.GoalItemMatch) error
}

// AffinityStore provides the feedback signals behind source affinity.
type AffinityStore interface {
	IsBlocked(ctx context.Context, userID, goalID, sourceID string) (bool, error)
	DislikeCount(ctx context.Context, userID, sourceID string) (int, error)
}

// matchBatch bounds how many unmatched items one pass scores.
const matchBatch = 100

// Worker scores embedded items against their source's active goals and
// backfills goal descriptors that are missing or built with an older
// model.
type Worker struct {
	items    ItemStore
	goals    GoalStore
	matches  MatchStore
	affinity AffinityStore
	provider embedding.Provider
	governor *budget.Governor
	weights  Weights
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	scored      int64
	vetoed      int64
	descriptors int64
}

// NewWorker creates a match worker with the default weight blend.
func NewWorker(items ItemStore, goals GoalStore, matches MatchStore, affinity AffinityStore, provider embedding.Provider, governor *budget.Governor, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		items:    items,
		goals:    goals,
		matches:  matches,
		affinity: affinity,
		provider: provider,
		governor: governor,
		weights:  DefaultWeights,
		interval: interval,
	}
}

// SetWeights overrides the score blend. Call before Start.
func (w *Worker) SetWeights(weights Weights) { w.weights = weights }

// Start launches the scoring loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.loop()
	logger.Info("match worker started", "interval", w.interval.String())
}

// Stop halts the loop and waits for the in-flight pass.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()
	w.wg.Wait()
	logger.Info("match worker stopped")
}

// Stats reports cumulative counters.
func (w *Worker) Stats() map[string]int64 {
	return map[string]int64{
		"scored":                atomic.LoadInt64(&w.scored),
		"vetoed":                atomic.LoadInt64(&w.vetoed),
		"descriptors_backfilled": atomic.LoadInt64(&w.descriptors),
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(w.ctx)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(w.ctx)
		}
	}
}

// RunOnce backfills descriptors, then scores one batch of unmatched
// items. Exported so the tick manager can drive it directly.
func (w *Worker) RunOnce(ctx context.Context) {
	w.backfillDescriptors(ctx)

	items, err := w.items.ListUnmatched(ctx, matchBatch)
	if err != nil {
		logger.Error("list unmatched items failed", "error", err.Error())
		return
	}

	for i := range items {
		if ctx.Err() != nil {
			return
		}
		if !w.scoreItem(ctx, &items[i]) {
			continue
		}
		// Retire the item even when no match rows were written, so
		// items without scorable goals leave the queue.
		if err := w.items.MarkMatched(ctx, items[i].ID); err != nil {
			logger.Error("mark matched failed", "item_id", items[i].ID, "error", err.Error())
		}
	}
}

// backfillDescriptors embeds goals whose descriptor is missing or was
// built with a different model. Descriptor embedding is charged to the
// goal owner's budget.
func (w *Worker) backfillDescriptors(ctx context.Context) {
	goals, err := w.goals.ListMissingDescriptors(ctx, w.provider.Model(), 20)
	if err != nil {
		logger.Error("list missing descriptors failed", "error", err.Error())
		return
	}

	for i := range goals {
		g := &goals[i]
		text := g.DescriptorText()

		res, err := w.governor.Reserve(ctx, g.UserID, domain.BudgetEmbedding, embedding.EstimateTokens(text))
		if err != nil || !res.Allowed {
			continue
		}

		vectors, err := w.provider.Embed(ctx, []string{text})
		if err != nil {
			logger.Error("descriptor embed failed", "goal_id", g.ID, "error", err.Error())
			continue
		}
		if err := w.goals.SetDescriptor(ctx, g.ID, vectors[0], w.provider.Model()); err != nil {
			logger.Error("set descriptor failed", "goal_id", g.ID, "error", err.Error())
			continue
		}
		atomic.AddInt64(&w.descriptors, 1)
	}
}

// scoreItem upserts one match row per active goal on the item's source
// and reports whether the pass completed. Goals without a current-model
// descriptor are skipped; the descriptor backfill runs ahead of scoring
// in the same pass.
func (w *Worker) scoreItem(ctx context.Context, item *domain.Item) bool {
	goals, err := w.goals.ActiveGoalsForSource(ctx, item.SourceID)
	if err != nil {
		logger.Error("goals for source failed", "source_id", item.SourceID, "error", err.Error())
		return false
	}

	now := time.Now().UTC()
	for i := range goals {
		g := &goals[i]
		if len(g.Descriptor) == 0 {
			continue
		}

		terms, err := w.goals.Terms(ctx, g.ID)
		if err != nil {
			logger.Error("load terms failed", "goal_id", g.ID, "error", err.Error())
			continue
		}

		aff := w.sourceAffinity(ctx, g.UserID, g.ID, item.SourceID)
		score, features, reasons := Score(g, terms, item, aff, now, w.weights)

		m := &domain.GoalItemMatch{
			GoalID:     g.ID,
			ItemID:     item.ID,
			MatchScore: score,
			Features:   features,
			Reasons:    reasons,
			TopicKey:   item.TopicKey,
			ItemTime:   item.EffectiveTime(),
			ComputedAt: now,
		}
		if err := w.matches.Upsert(ctx, m); err != nil {
			logger.Error("upsert match failed", "goal_id", g.ID, "item_id", item.ID, "error", err.Error())
			continue
		}
		if score == 0 {
			atomic.AddInt64(&w.vetoed, 1)
		} else {
			atomic.AddInt64(&w.scored, 1)
		}
	}
	return true
}

func (w *Worker) sourceAffinity(ctx context.Context, userID, goalID, sourceID string) float64 {
	blocked, err := w.affinity.IsBlocked(ctx, userID, goalID, sourceID)
	if err != nil {
		logger.Warn("blocked lookup failed", "goal_id", goalID, "error", err.Error())
		return 1
	}
	if blocked {
		return 0
	}
	dislikes, err := w.affinity.DislikeCount(ctx, userID, sourceID)
	if err != nil {
		logger.Warn("dislike count failed", "goal_id", goalID, "error", err.Error())
		return 1
	}
	return Affinity(dislikes, false)
}
