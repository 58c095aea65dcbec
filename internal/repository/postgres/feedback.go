package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
)

// FeedbackRepo persists item feedback and blocked sources, the inputs
// to the match engine's source-affinity multiplier.
type FeedbackRepo struct{ db *sql.DB }

// NewFeedbackRepo creates a Postgres-backed feedback repository.
func NewFeedbackRepo(db *sql.DB) *FeedbackRepo { return &FeedbackRepo{db: db} }

// Record upserts a user's feedback on an item.
func (r *FeedbackRepo) Record(ctx context.Context, f *domain.ItemFeedback) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO item_feedback (id, user_id, item_id, kind, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, item_id) DO UPDATE SET kind = EXCLUDED.kind
	`, f.ID, f.UserID, f.ItemID, f.Kind)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// IsBlocked reports whether the user blocked the source, either globally
// or scoped to the given goal.
func (r *FeedbackRepo) IsBlocked(ctx context.Context, userID, goalID, sourceID string) (bool, error) {
	var blocked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocked_sources
			WHERE user_id = $1 AND source_id = $3
			  AND (goal_id IS NULL OR goal_id = $2)
		)
	`, userID, goalID, sourceID).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("blocked lookup: %w", err)
	}
	return blocked, nil
}

// Block inserts a blocked-source row. A nil goalID blocks the source for
// all of the user's goals.
func (r *FeedbackRepo) Block(ctx context.Context, userID string, goalID *string, sourceID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocked_sources (id, user_id, goal_id, source_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT DO NOTHING
	`, uuid.New().String(), userID, goalID, sourceID)
	if err != nil {
		return fmt.Errorf("block source: %w", err)
	}
	return nil
}

// DislikeCount counts a user's dislikes against a source, the input to
// the affinity decay.
func (r *FeedbackRepo) DislikeCount(ctx context.Context, userID, sourceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM item_feedback f
		JOIN items i ON i.id = f.item_id
		WHERE f.user_id = $1 AND i.source_id = $2 AND f.kind = 'DISLIKE'
	`, userID, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dislike count: %w", err)
	}
	return n, nil
}

// InsertClick records a redirector hit.
func (r *FeedbackRepo) InsertClick(ctx context.Context, c *domain.ClickEvent) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO click_events (id, item_id, goal_id, channel, user_agent, clicked_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, c.ID, c.ItemID, c.GoalID, c.Channel, c.UserAgent)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}
