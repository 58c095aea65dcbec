package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/sentrycore/internal/decision"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/pkg/logger"
	"github.com/ignite/sentrycore/internal/repository/postgres"
)

// immediateMax caps how many items one immediate email carries; the
// rest demote to the next batch window.
const immediateMax = 3

// digestTopN caps the daily digest length.
const digestTopN = 10

// DecisionStore is the decision surface the coalescer drives.
type DecisionStore interface {
	Insert(ctx context.Context, d *domain.PushDecisionRecord) (bool, error)
	ActiveByDedupeKey(ctx context.Context, key, excludeID string) (bool, error)
	ListPending(ctx context.Context, goalID string, decision domain.Decision, since, until time.Time) ([]domain.PushDecisionRecord, error)
	GoalsWithPending(ctx context.Context, decision domain.Decision) ([]string, error)
	MarkSkipped(ctx context.Context, ids []string) error
}

// GoalStore loads goal, schedule, and recipient context.
type GoalStore interface {
	Get(ctx context.Context, id string) (*domain.Goal, error)
	PushConfig(ctx context.Context, goalID string) (*domain.GoalPushConfig, error)
	UserEmail(ctx context.Context, userID string) (string, error)
}

// ItemStore loads items for rendering.
type ItemStore interface {
	Get(ctx context.Context, id string) (*domain.Item, error)
}

// MatchStore ranks a goal's recent matches for digest ordering.
type MatchStore interface {
	TopForDigest(ctx context.Context, goalID string, since time.Time, limit int) ([]domain.GoalItemMatch, error)
}

// SourceStore resolves source display names.
type SourceStore interface {
	Get(ctx context.Context, id string) (*domain.Source, error)
}

// OutboxStore persists rendered emails atomically with the SENT flip.
type OutboxStore interface {
	EnqueueWithSent(ctx context.Context, e *postgres.OutboxEmail) error
}

// Coalescer turns pending decisions into outbox emails across the three
// delivery tiers: immediate buffer, batch windows, daily digest.
type Coalescer struct {
	buffer    *Buffer
	decisions DecisionStore
	goals     GoalStore
	items     ItemStore
	matches   MatchStore
	sources   SourceStore
	outbox    OutboxStore
	renderer  *Renderer

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	lastBatchRun  map[string]string
	lastDigestRun map[string]string

	emailsQueued int64
	demoted      int64
	deduped      int64
}

// NewCoalescer creates the delivery coalescer.
func NewCoalescer(buffer *Buffer, decisions DecisionStore, goals GoalStore, items ItemStore, matches MatchStore, sources SourceStore, outbox OutboxStore, renderer *Renderer) *Coalescer {
	return &Coalescer{
		buffer:        buffer,
		decisions:     decisions,
		goals:         goals,
		items:         items,
		matches:       matches,
		sources:       sources,
		outbox:        outbox,
		renderer:      renderer,
		lastBatchRun:  make(map[string]string),
		lastDigestRun: make(map[string]string),
	}
}

// Start launches the minute tick covering all three tiers.
func (c *Coalescer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.loop()
	logger.Info("coalescer started")
}

// Stop halts the tick loop.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	logger.Info("coalescer stopped")
}

// Stats reports cumulative counters.
func (c *Coalescer) Stats() map[string]int64 {
	return map[string]int64{
		"emails_queued": atomic.LoadInt64(&c.emailsQueued),
		"demoted":       atomic.LoadInt64(&c.demoted),
		"deduped":       atomic.LoadInt64(&c.deduped),
	}
}

func (c *Coalescer) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			c.FlushImmediate(c.ctx, now)
			c.RunBatchWindows(c.ctx, now)
			c.RunDigests(c.ctx, now)
		}
	}
}

// FlushImmediate seals buffered 5-minute buckets: the newest three items
// per goal go out in one email, the overflow demotes to BATCH.
func (c *Coalescer) FlushImmediate(ctx context.Context, now time.Time) {
	sealed, err := c.buffer.DrainSealed(ctx, now)
	if err != nil {
		logger.Error("immediate buffer drain failed", "error", err.Error())
		return
	}

	for _, bucket := range sealed {
		goal, err := c.goals.Get(ctx, bucket.GoalID)
		if err != nil {
			logger.Error("goal load failed", "goal_id", bucket.GoalID, "error", err.Error())
			continue
		}
		if goal == nil {
			logger.Warn("buffered decisions for missing goal", "goal_id", bucket.GoalID)
			continue
		}

		entries := bucket.Entries
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].QueuedAt.After(entries[j].QueuedAt)
		})

		cfg, err := c.goals.PushConfig(ctx, bucket.GoalID)
		if err != nil {
			logger.Error("push config load failed", "goal_id", bucket.GoalID, "error", err.Error())
			continue
		}
		if cfg != nil && !cfg.ImmediateEnabled {
			// Immediate delivery is off for this goal; everything
			// buffered rides the next batch window instead.
			for _, entry := range entries {
				c.demoteToBatch(ctx, goal, entry, now)
			}
			continue
		}

		keep := entries
		if len(keep) > immediateMax {
			keep = entries[:immediateMax]
			for _, overflow := range entries[immediateMax:] {
				c.demoteToBatch(ctx, goal, overflow, now)
			}
		}

		c.sendImmediate(ctx, goal, keep, now)
	}
}

// demoteToBatch retires an immediate decision and re-records the pair as
// BATCH so the next window picks it up.
func (c *Coalescer) demoteToBatch(ctx context.Context, goal *domain.Goal, entry BufferEntry, now time.Time) {
	if err := c.decisions.MarkSkipped(ctx, []string{entry.DecisionID}); err != nil {
		logger.Error("demote skip failed", "decision_id", entry.DecisionID, "error", err.Error())
		return
	}

	item, err := c.items.Get(ctx, entry.ItemID)
	if err != nil {
		logger.Error("demote item load failed", "item_id", entry.ItemID, "error", err.Error())
		return
	}

	key := decision.DedupeKey(goal.ID, item.TopicKey, domain.DecisionBatch,
		decision.CoalesceBucket(domain.DecisionBatch, now))
	reason, _ := json.Marshal(map[string]string{"demoted_from": "IMMEDIATE", "cause": "buffer_overflow"})

	if _, err := c.decisions.Insert(ctx, &domain.PushDecisionRecord{
		GoalID:     goal.ID,
		ItemID:     entry.ItemID,
		Decision:   domain.DecisionBatch,
		Status:     domain.DecisionPending,
		Channel:    domain.ChannelEmail,
		ReasonJSON: string(reason),
		DedupeKey:  &key,
	}); err != nil {
		logger.Error("demote insert failed", "item_id", entry.ItemID, "error", err.Error())
		return
	}
	atomic.AddInt64(&c.demoted, 1)
}

func (c *Coalescer) sendImmediate(ctx context.Context, goal *domain.Goal, entries []BufferEntry, now time.Time) {
	var (
		emailItems  []EmailItem
		decisionIDs []string
	)
	for _, e := range entries {
		item, err := c.items.Get(ctx, e.ItemID)
		if err != nil {
			logger.Error("item load failed", "item_id", e.ItemID, "error", err.Error())
			continue
		}

		key := decision.DedupeKey(goal.ID, item.TopicKey, domain.DecisionImmediate,
			fmt.Sprintf("%d", e.QueuedAt.UTC().Unix()/300))
		dup, err := c.decisions.ActiveByDedupeKey(ctx, key, e.DecisionID)
		if err != nil {
			logger.Error("dedupe lookup failed", "decision_id", e.DecisionID, "error", err.Error())
			continue
		}
		if dup {
			atomic.AddInt64(&c.deduped, 1)
			if err := c.decisions.MarkSkipped(ctx, []string{e.DecisionID}); err != nil {
				logger.Warn("dedupe skip failed", "decision_id", e.DecisionID, "error", err.Error())
			}
			continue
		}

		emailItems = append(emailItems, FromItem(item, e.Score, c.sourceName(ctx, item.SourceID)))
		decisionIDs = append(decisionIDs, e.DecisionID)
	}

	if len(emailItems) == 0 {
		return
	}

	rendered, err := c.renderer.RenderImmediate(goal, emailItems)
	if err != nil {
		logger.Error("immediate render failed", "goal_id", goal.ID, "error", err.Error())
		return
	}
	c.queueEmail(ctx, goal, rendered, decisionIDs)
}

// RunBatchWindows drains BATCH decisions for every goal whose configured
// window falls in the current minute.
func (c *Coalescer) RunBatchWindows(ctx context.Context, now time.Time) {
	goalIDs, err := c.decisions.GoalsWithPending(ctx, domain.DecisionBatch)
	if err != nil {
		logger.Error("batch goal scan failed", "error", err.Error())
		return
	}

	hhmm := now.Format("15:04")
	for _, goalID := range goalIDs {
		cfg, err := c.goals.PushConfig(ctx, goalID)
		if err != nil {
			logger.Error("push config load failed", "goal_id", goalID, "error", err.Error())
			continue
		}
		if cfg == nil || !cfg.BatchEnabled || !windowDue(cfg.BatchWindows, hhmm) {
			continue
		}
		runKey := now.Format("2006-01-02") + "T" + hhmm
		if c.lastBatchRun[goalID] == runKey {
			continue
		}
		c.lastBatchRun[goalID] = runKey

		since := previousWindow(cfg.BatchWindows, now)
		c.drainWindow(ctx, goalID, domain.DecisionBatch, since, now, 0)
	}
}

// RunDigests sends each goal's daily digest at its configured time.
func (c *Coalescer) RunDigests(ctx context.Context, now time.Time) {
	goalIDs, err := c.decisions.GoalsWithPending(ctx, domain.DecisionDigest)
	if err != nil {
		logger.Error("digest goal scan failed", "error", err.Error())
		return
	}

	hhmm := now.Format("15:04")
	for _, goalID := range goalIDs {
		cfg, err := c.goals.PushConfig(ctx, goalID)
		if err != nil {
			logger.Error("push config load failed", "goal_id", goalID, "error", err.Error())
			continue
		}
		if cfg == nil || !cfg.DigestEnabled || cfg.DigestSendTime != hhmm {
			continue
		}
		runKey := now.Format("2006-01-02")
		if c.lastDigestRun[goalID] == runKey {
			continue
		}
		c.lastDigestRun[goalID] = runKey

		c.drainWindow(ctx, goalID, domain.DecisionDigest, now.Add(-24*time.Hour), now, digestTopN)
	}
}

// drainWindow renders and queues pending decisions of one kind decided
// in [since, now). topN of 0 means unlimited.
func (c *Coalescer) drainWindow(ctx context.Context, goalID string, kind domain.Decision, since, now time.Time, topN int) {
	pending, err := c.decisions.ListPending(ctx, goalID, kind, since, now)
	if err != nil {
		logger.Error("drain window failed", "goal_id", goalID, "kind", string(kind), "error", err.Error())
		return
	}
	if len(pending) == 0 {
		return
	}

	goal, err := c.goals.Get(ctx, goalID)
	if err != nil {
		logger.Error("goal load failed", "goal_id", goalID, "error", err.Error())
		return
	}
	if goal == nil {
		logger.Warn("pending decisions for missing goal", "goal_id", goalID)
		return
	}

	// Digests carry the goal's best matches first; batches keep decision
	// order.
	var scores map[string]float64
	if kind == domain.DecisionDigest && c.matches != nil {
		scores = c.digestScores(ctx, goalID, since, len(pending))
		sort.SliceStable(pending, func(i, j int) bool {
			return scores[pending[i].ItemID] > scores[pending[j].ItemID]
		})
	}

	keep := pending
	if topN > 0 && len(keep) > topN {
		keep = pending[:topN]
		var overflowIDs []string
		for _, d := range pending[topN:] {
			overflowIDs = append(overflowIDs, d.ID)
		}
		if err := c.decisions.MarkSkipped(ctx, overflowIDs); err != nil {
			logger.Warn("overflow skip failed", "goal_id", goalID, "error", err.Error())
		}
	}

	var (
		emailItems  []EmailItem
		decisionIDs []string
	)
	for _, d := range keep {
		if d.DedupeKey != nil {
			dup, err := c.decisions.ActiveByDedupeKey(ctx, *d.DedupeKey, d.ID)
			if err == nil && dup {
				atomic.AddInt64(&c.deduped, 1)
				if err := c.decisions.MarkSkipped(ctx, []string{d.ID}); err != nil {
					logger.Warn("dedupe skip failed", "decision_id", d.ID, "error", err.Error())
				}
				continue
			}
		}

		item, err := c.items.Get(ctx, d.ItemID)
		if err != nil {
			logger.Error("item load failed", "item_id", d.ItemID, "error", err.Error())
			continue
		}
		emailItems = append(emailItems, FromItem(item, scores[d.ItemID], c.sourceName(ctx, item.SourceID)))
		decisionIDs = append(decisionIDs, d.ID)
	}

	if len(emailItems) == 0 {
		return
	}

	var rendered *RenderedEmail
	if kind == domain.DecisionDigest {
		rendered, err = c.renderer.RenderDigest(goal, emailItems)
	} else {
		rendered, err = c.renderer.RenderBatch(goal, emailItems)
	}
	if err != nil {
		logger.Error("render failed", "goal_id", goalID, "kind", string(kind), "error", err.Error())
		return
	}
	c.queueEmail(ctx, goal, rendered, decisionIDs)
}

// digestScores maps item id to match score for the goal's recent
// matches, the ranking behind digest ordering.
func (c *Coalescer) digestScores(ctx context.Context, goalID string, since time.Time, limit int) map[string]float64 {
	top, err := c.matches.TopForDigest(ctx, goalID, since, limit)
	if err != nil {
		logger.Warn("digest ranking failed", "goal_id", goalID, "error", err.Error())
		return nil
	}
	scores := make(map[string]float64, len(top))
	for _, m := range top {
		scores[m.ItemID] = m.MatchScore
	}
	return scores
}

// queueEmail writes the outbox row and the SENT transitions atomically.
func (c *Coalescer) queueEmail(ctx context.Context, goal *domain.Goal, rendered *RenderedEmail, decisionIDs []string) {
	recipient, err := c.goals.UserEmail(ctx, goal.UserID)
	if err != nil {
		logger.Error("recipient lookup failed", "goal_id", goal.ID, "error", err.Error())
		return
	}

	email := &postgres.OutboxEmail{
		GoalID:      goal.ID,
		DecisionIDs: decisionIDs,
		Recipient:   recipient,
		Subject:     rendered.Subject,
		HTMLBody:    rendered.HTMLBody,
		TextBody:    rendered.TextBody,
	}
	if err := c.outbox.EnqueueWithSent(ctx, email); err != nil {
		logger.Error("outbox enqueue failed", "goal_id", goal.ID, "error", err.Error())
		return
	}
	atomic.AddInt64(&c.emailsQueued, 1)
	logger.Info("email queued", "goal_id", goal.ID, "recipient", recipient, "items", len(decisionIDs))
}

func (c *Coalescer) sourceName(ctx context.Context, sourceID string) string {
	src, err := c.sources.Get(ctx, sourceID)
	if err != nil {
		return ""
	}
	return src.Name
}

// windowDue reports whether hhmm matches one of the configured windows.
func windowDue(windows []string, hhmm string) bool {
	for _, w := range windows {
		if w == hhmm {
			return true
		}
	}
	return false
}

// previousWindow returns the most recent window occurrence strictly
// before now. With a single window that is yesterday's run; with none,
// 24 hours ago.
func previousWindow(windows []string, now time.Time) time.Time {
	if len(windows) == 0 {
		return now.Add(-24 * time.Hour)
	}

	nowMin := now.UTC().Truncate(time.Minute)
	var best time.Time
	for _, w := range windows {
		t, err := time.Parse("15:04", w)
		if err != nil {
			continue
		}
		occ := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
		// The occurrence firing right now is not "previous".
		if !occ.Before(nowMin) {
			occ = occ.Add(-24 * time.Hour)
		}
		if occ.After(best) {
			best = occ
		}
	}
	if best.IsZero() {
		return now.Add(-24 * time.Hour)
	}
	return best
}
