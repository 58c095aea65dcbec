package embedding

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/budget"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/logger"
)

// ItemStore is the subset of the item repository the worker uses.
type ItemStore interface {
	ListPendingEmbedding(ctx context.Context, limit int) ([]domain.Item, error)
	MarkEmbedded(ctx context.Context, id string, embedding []float32, model string) (bool, error)
	MarkEmbeddingStatus(ctx context.Context, id string, status domain.EmbeddingStatus) error
}

// SourceStore resolves which budget bucket pays for a source's items.
type SourceStore interface {
	OwnerBudgetUser(ctx context.Context, sourceID string) (string, error)
}

// BatchSize is how many pending items one pass embeds together.
const BatchSize = 50

// Worker drains pending items, embeds them in batches, and parks items
// the budget cannot cover as skipped_budget for the next rollover.
type Worker struct {
	items    ItemStore
	sources  SourceStore
	provider Provider
	governor *budget.Governor
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	embedded      int64
	skippedBudget int64
	failed        int64
}

// NewWorker creates an embedding worker.
func NewWorker(items ItemStore, sources SourceStore, provider Provider, governor *budget.Governor, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		items:    items,
		sources:  sources,
		provider: provider,
		governor: governor,
		interval: interval,
	}
}

// Start launches the drain loop.
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
	logger.Info("embedding worker started", "model", w.provider.Model(), "interval", w.interval.String())
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
	logger.Info("embedding worker stopped")
}

// Stats reports cumulative counters.
func (w *Worker) Stats() map[string]int64 {
	return map[string]int64{
		"embedded":       atomic.LoadInt64(&w.embedded),
		"skipped_budget": atomic.LoadInt64(&w.skippedBudget),
		"failed":         atomic.LoadInt64(&w.failed),
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

// RunOnce drains pending items until the queue is empty or the context
// ends. Exported so the tick manager can drive it directly.
func (w *Worker) RunOnce(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pending, err := w.items.ListPendingEmbedding(ctx, BatchSize)
		if err != nil {
			logger.Error("list pending embeddings failed", "error", err.Error())
			return
		}
		if len(pending) == 0 {
			return
		}

		w.processBatch(ctx, pending)
		if len(pending) < BatchSize {
			return
		}
	}
}

// processBatch splits the batch by budget outcome, embeds the admitted
// items in one provider call, and writes terminal statuses guarded on
// the pending state so a concurrent worker never double-writes.
func (w *Worker) processBatch(ctx context.Context, items []domain.Item) {
	admitted := make([]domain.Item, 0, len(items))
	texts := make([]string, 0, len(items))

	for i := range items {
		item := items[i]
		userID, err := w.sources.OwnerBudgetUser(ctx, item.SourceID)
		if err != nil {
			logger.Warn("budget user lookup failed", "item_id", item.ID, "error", err.Error())
			userID = domain.SystemUser
		}

		if w.governor.Flags(ctx, userID).EmbeddingDisabled {
			w.park(ctx, item.ID)
			continue
		}

		text := item.SearchText()
		res, err := w.governor.Reserve(ctx, userID, domain.BudgetEmbedding, EstimateTokens(text))
		if err != nil {
			logger.Error("budget reserve failed", "item_id", item.ID, "error", err.Error())
			w.park(ctx, item.ID)
			continue
		}
		if !res.Allowed {
			w.park(ctx, item.ID)
			continue
		}

		admitted = append(admitted, item)
		texts = append(texts, text)
	}

	if len(admitted) == 0 {
		return
	}

	vectors, err := w.provider.Embed(ctx, texts)
	if err != nil {
		logger.Error("embedding call failed", "batch", len(admitted), "error", err.Error())
		for i := range admitted {
			if markErr := w.items.MarkEmbeddingStatus(ctx, admitted[i].ID, domain.EmbeddingFailed); markErr != nil {
				logger.Warn("mark embedding failed errored", "item_id", admitted[i].ID, "error", markErr.Error())
			}
			atomic.AddInt64(&w.failed, 1)
		}
		return
	}

	for i := range admitted {
		ok, err := w.items.MarkEmbedded(ctx, admitted[i].ID, vectors[i], w.provider.Model())
		if err != nil {
			logger.Error("mark embedded failed", "item_id", admitted[i].ID, "error", err.Error())
			atomic.AddInt64(&w.failed, 1)
			continue
		}
		if ok {
			atomic.AddInt64(&w.embedded, 1)
		}
	}
}

func (w *Worker) park(ctx context.Context, itemID string) {
	if err := w.items.MarkEmbeddingStatus(ctx, itemID, domain.EmbeddingSkippedBudget); err != nil {
		logger.Warn("park item failed", "item_id", itemID, "error", err.Error())
		return
	}
	atomic.AddInt64(&w.skippedBudget, 1)
}
