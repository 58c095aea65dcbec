package delivery

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sentrycore/internal/domain"
	"github.com/ignite/sentrycore/internal/repository/postgres"
)

type fakeDecisions struct {
	pending     []domain.PushDecisionRecord
	withPending []string
	dupAll      bool

	inserted []*domain.PushDecisionRecord
	skipped  []string
}

func (f *fakeDecisions) Insert(ctx context.Context, d *domain.PushDecisionRecord) (bool, error) {
	f.inserted = append(f.inserted, d)
	return true, nil
}

func (f *fakeDecisions) ActiveByDedupeKey(ctx context.Context, key, excludeID string) (bool, error) {
	return f.dupAll, nil
}

func (f *fakeDecisions) ListPending(ctx context.Context, goalID string, decision domain.Decision, since, until time.Time) ([]domain.PushDecisionRecord, error) {
	return f.pending, nil
}

func (f *fakeDecisions) GoalsWithPending(ctx context.Context, decision domain.Decision) ([]string, error) {
	return f.withPending, nil
}

func (f *fakeDecisions) MarkSkipped(ctx context.Context, ids []string) error {
	f.skipped = append(f.skipped, ids...)
	return nil
}

type fakeMatches struct{ top []domain.GoalItemMatch }

func (f *fakeMatches) TopForDigest(ctx context.Context, goalID string, since time.Time, limit int) ([]domain.GoalItemMatch, error) {
	return f.top, nil
}

type fakeGoals struct {
	goal *domain.Goal
	cfg  *domain.GoalPushConfig
}

func (f *fakeGoals) Get(ctx context.Context, id string) (*domain.Goal, error) { return f.goal, nil }
func (f *fakeGoals) PushConfig(ctx context.Context, goalID string) (*domain.GoalPushConfig, error) {
	return f.cfg, nil
}
func (f *fakeGoals) UserEmail(ctx context.Context, userID string) (string, error) {
	return "user@example.com", nil
}

type fakeItems struct{ items map[string]*domain.Item }

func (f *fakeItems) Get(ctx context.Context, id string) (*domain.Item, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	return it, nil
}

type fakeSources struct{}

func (fakeSources) Get(ctx context.Context, id string) (*domain.Source, error) {
	return &domain.Source{ID: id, Name: "Test Source"}, nil
}

type fakeOutbox struct{ enqueued []*postgres.OutboxEmail }

func (f *fakeOutbox) EnqueueWithSent(ctx context.Context, e *postgres.OutboxEmail) error {
	f.enqueued = append(f.enqueued, e)
	return nil
}

func testCoalescer(t *testing.T) (*Coalescer, *Buffer, *fakeDecisions, *fakeGoals, *fakeItems, *fakeOutbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	buffer := NewBuffer(client)
	decisions := &fakeDecisions{}
	goals := &fakeGoals{goal: &domain.Goal{ID: "goal-1", UserID: "user-1", Name: "Go jobs"}}
	items := &fakeItems{items: map[string]*domain.Item{}}
	outbox := &fakeOutbox{}

	c := NewCoalescer(buffer, decisions, goals, items, &fakeMatches{}, fakeSources{}, outbox, NewRenderer("https://sentry.example.com"))
	return c, buffer, decisions, goals, items, outbox
}

func seedItem(items *fakeItems, id string) {
	items.items[id] = &domain.Item{
		ID:       id,
		SourceID: "src-1",
		Title:    "Item " + id,
		TopicKey: "topic-" + id,
	}
}

func TestFlushImmediateKeepsNewestThree(t *testing.T) {
	ctx := context.Background()
	c, buffer, decisions, _, items, outbox := testCoalescer(t)

	queued := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("%d", i)
		seedItem(items, "item-"+id)
		// Each push a few seconds later; the last pushes are the newest.
		err := buffer.Push(ctx, "goal-1", "dec-"+id, "item-"+id, 0.95, queued.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	c.FlushImmediate(ctx, queued.Add(6*time.Minute))

	if len(outbox.enqueued) != 1 {
		t.Fatalf("emails = %d, want 1", len(outbox.enqueued))
	}
	email := outbox.enqueued[0]
	if len(email.DecisionIDs) != 3 {
		t.Fatalf("email covers %d decisions, want 3", len(email.DecisionIDs))
	}
	// Newest first: pushes 4, 3, 2 survive; 1 and 0 demote.
	if email.DecisionIDs[0] != "dec-4" {
		t.Errorf("first decision = %s, want dec-4", email.DecisionIDs[0])
	}
	if email.Recipient != "user@example.com" {
		t.Errorf("recipient = %s", email.Recipient)
	}

	if len(decisions.skipped) != 2 {
		t.Errorf("skipped = %v, want the two overflow decisions", decisions.skipped)
	}
	if len(decisions.inserted) != 2 {
		t.Fatalf("demoted inserts = %d, want 2", len(decisions.inserted))
	}
	for _, d := range decisions.inserted {
		if d.Decision != domain.DecisionBatch || d.Status != domain.DecisionPending {
			t.Errorf("demoted record = %s/%s, want BATCH/PENDING", d.Decision, d.Status)
		}
		if d.DedupeKey == nil {
			t.Errorf("demoted record missing dedupe key")
		}
	}
}

func TestFlushImmediateRespectsDisabled(t *testing.T) {
	ctx := context.Background()
	c, buffer, decisions, goals, items, outbox := testCoalescer(t)

	goals.cfg = &domain.GoalPushConfig{
		GoalID:           "goal-1",
		ImmediateEnabled: false,
		BatchEnabled:     true,
	}

	now := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	seedItem(items, "item-1")
	seedItem(items, "item-2")
	if err := buffer.Push(ctx, "goal-1", "dec-1", "item-1", 0.95, now); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := buffer.Push(ctx, "goal-1", "dec-2", "item-2", 0.96, now.Add(time.Second)); err != nil {
		t.Fatalf("push: %v", err)
	}

	c.FlushImmediate(ctx, now.Add(6*time.Minute))

	if len(outbox.enqueued) != 0 {
		t.Fatalf("immediate email sent with the channel disabled")
	}
	if len(decisions.skipped) != 2 {
		t.Errorf("skipped = %v, want both buffered decisions retired", decisions.skipped)
	}
	if len(decisions.inserted) != 2 {
		t.Fatalf("demoted inserts = %d, want 2", len(decisions.inserted))
	}
	for _, d := range decisions.inserted {
		if d.Decision != domain.DecisionBatch || d.Status != domain.DecisionPending {
			t.Errorf("demoted record = %s/%s, want BATCH/PENDING", d.Decision, d.Status)
		}
	}
}

func TestFlushImmediateLeavesOpenBucket(t *testing.T) {
	ctx := context.Background()
	c, buffer, _, _, items, outbox := testCoalescer(t)

	now := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	seedItem(items, "item-1")
	if err := buffer.Push(ctx, "goal-1", "dec-1", "item-1", 0.95, now); err != nil {
		t.Fatalf("push: %v", err)
	}

	c.FlushImmediate(ctx, now.Add(time.Minute))
	if len(outbox.enqueued) != 0 {
		t.Errorf("open bucket flushed early")
	}
}

func TestFlushImmediateDedupes(t *testing.T) {
	ctx := context.Background()
	c, buffer, decisions, _, items, outbox := testCoalescer(t)

	now := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	seedItem(items, "item-1")
	if err := buffer.Push(ctx, "goal-1", "dec-1", "item-1", 0.95, now); err != nil {
		t.Fatalf("push: %v", err)
	}

	// An equivalent decision for the same topic and window already went out.
	decisions.dupAll = true

	c.FlushImmediate(ctx, now.Add(6*time.Minute))
	if len(outbox.enqueued) != 0 {
		t.Errorf("duplicate decision still emailed")
	}
	if len(decisions.skipped) != 1 {
		t.Errorf("duplicate decision not retired: %v", decisions.skipped)
	}
}

func TestRunBatchWindows(t *testing.T) {
	ctx := context.Background()
	c, _, decisions, goals, items, outbox := testCoalescer(t)

	seedItem(items, "item-1")
	seedItem(items, "item-2")
	decisions.withPending = []string{"goal-1"}
	decisions.pending = []domain.PushDecisionRecord{
		{ID: "d1", GoalID: "goal-1", ItemID: "item-1", Decision: domain.DecisionBatch},
		{ID: "d2", GoalID: "goal-1", ItemID: "item-2", Decision: domain.DecisionBatch},
	}
	goals.cfg = &domain.GoalPushConfig{
		GoalID:       "goal-1",
		BatchWindows: []string{"13:00"},
		BatchEnabled: true,
	}

	// Wrong minute: nothing drains.
	c.RunBatchWindows(ctx, time.Date(2025, 6, 1, 12, 59, 0, 0, time.UTC))
	if len(outbox.enqueued) != 0 {
		t.Fatalf("window fired off schedule")
	}

	// On the minute: one email with both items.
	now := time.Date(2025, 6, 1, 13, 0, 5, 0, time.UTC)
	c.RunBatchWindows(ctx, now)
	if len(outbox.enqueued) != 1 {
		t.Fatalf("emails = %d, want 1", len(outbox.enqueued))
	}
	if got := len(outbox.enqueued[0].DecisionIDs); got != 2 {
		t.Errorf("decisions in email = %d, want 2", got)
	}
	if !strings.Contains(outbox.enqueued[0].Subject, "2 new matches") {
		t.Errorf("subject = %q", outbox.enqueued[0].Subject)
	}

	// Same minute again: the run key suppresses a double send.
	c.RunBatchWindows(ctx, now.Add(10*time.Second))
	if len(outbox.enqueued) != 1 {
		t.Errorf("window drained twice in one minute")
	}
}

func TestRunBatchWindowsRespectsDisabled(t *testing.T) {
	ctx := context.Background()
	c, _, decisions, goals, items, outbox := testCoalescer(t)

	seedItem(items, "item-1")
	decisions.withPending = []string{"goal-1"}
	decisions.pending = []domain.PushDecisionRecord{
		{ID: "d1", GoalID: "goal-1", ItemID: "item-1", Decision: domain.DecisionBatch},
	}
	goals.cfg = &domain.GoalPushConfig{
		GoalID:       "goal-1",
		BatchWindows: []string{"13:00"},
		BatchEnabled: false,
	}

	c.RunBatchWindows(ctx, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC))
	if len(outbox.enqueued) != 0 {
		t.Errorf("disabled batch channel still sent")
	}
}

func TestRunDigestsRanksByScore(t *testing.T) {
	ctx := context.Background()
	c, _, decisions, goals, items, outbox := testCoalescer(t)

	decisions.withPending = []string{"goal-1"}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("item-%d", i)
		seedItem(items, id)
		decisions.pending = append(decisions.pending, domain.PushDecisionRecord{
			ID: fmt.Sprintf("d%d", i), GoalID: "goal-1", ItemID: id, Decision: domain.DecisionDigest,
		})
	}
	c.matches = &fakeMatches{top: []domain.GoalItemMatch{
		{GoalID: "goal-1", ItemID: "item-1", MatchScore: 0.95},
		{GoalID: "goal-1", ItemID: "item-2", MatchScore: 0.90},
		{GoalID: "goal-1", ItemID: "item-0", MatchScore: 0.80},
	}}
	goals.cfg = &domain.GoalPushConfig{
		GoalID:         "goal-1",
		DigestSendTime: "08:00",
		DigestEnabled:  true,
	}

	c.RunDigests(ctx, time.Date(2025, 6, 1, 8, 0, 30, 0, time.UTC))

	if len(outbox.enqueued) != 1 {
		t.Fatalf("emails = %d, want 1", len(outbox.enqueued))
	}
	got := outbox.enqueued[0].DecisionIDs
	want := []string{"d1", "d2", "d0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("digest order = %v, want %v", got, want)
		}
	}
}

func TestRunDigestsCapsAtTopTen(t *testing.T) {
	ctx := context.Background()
	c, _, decisions, goals, items, outbox := testCoalescer(t)

	decisions.withPending = []string{"goal-1"}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("item-%d", i)
		seedItem(items, id)
		decisions.pending = append(decisions.pending, domain.PushDecisionRecord{
			ID: fmt.Sprintf("d%d", i), GoalID: "goal-1", ItemID: id, Decision: domain.DecisionDigest,
		})
	}
	goals.cfg = &domain.GoalPushConfig{
		GoalID:         "goal-1",
		DigestSendTime: "08:00",
		DigestEnabled:  true,
	}

	c.RunDigests(ctx, time.Date(2025, 6, 1, 8, 0, 30, 0, time.UTC))

	if len(outbox.enqueued) != 1 {
		t.Fatalf("emails = %d, want 1", len(outbox.enqueued))
	}
	if got := len(outbox.enqueued[0].DecisionIDs); got != 10 {
		t.Errorf("digest items = %d, want top 10", got)
	}
	if len(decisions.skipped) != 2 {
		t.Errorf("overflow skipped = %v, want 2 ids", decisions.skipped)
	}
}
