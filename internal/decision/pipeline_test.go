package decision

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/sentrycore/internal/domain"
)

type fakeGoalStore struct{ goal *domain.Goal }

func (f *fakeGoalStore) Get(ctx context.Context, id string) (*domain.Goal, error) {
	return f.goal, nil
}

type fakeItemStore struct{ item *domain.Item }

func (f *fakeItemStore) Get(ctx context.Context, id string) (*domain.Item, error) {
	return f.item, nil
}

// A goal or item deleted between scoring and deciding leaves an
// orphaned match. Decide must surface that as an error so RunOnce can
// log it and move on.
func TestDecideMissingRows(t *testing.T) {
	ctx := context.Background()
	m := &domain.GoalItemMatch{GoalID: "goal-gone", ItemID: "item-1", MatchScore: 0.9}

	t.Run("missing goal", func(t *testing.T) {
		p := NewPipeline(nil, &fakeGoalStore{}, &fakeItemStore{item: &domain.Item{ID: "item-1"}},
			&fakeDecisionStore{insertOK: true}, nil, nil, nil, time.Minute)
		if err := p.Decide(ctx, m); err == nil {
			t.Fatalf("Decide returned nil for a missing goal")
		}
	})

	t.Run("missing item", func(t *testing.T) {
		p := NewPipeline(nil, &fakeGoalStore{goal: &domain.Goal{ID: "goal-1", UserID: "user-1"}},
			&fakeItemStore{}, &fakeDecisionStore{insertOK: true}, nil, nil, nil, time.Minute)
		if err := p.Decide(ctx, m); err == nil {
			t.Fatalf("Decide returned nil for a missing item")
		}
	})
}
