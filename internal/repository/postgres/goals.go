package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/lib/pq"
)

// GoalRepo persists goals, their priority terms, and push configs.
type GoalRepo struct{ db *sql.DB }

// NewGoalRepo creates a Postgres-backed goal repository.
func NewGoalRepo(db *sql.DB) *GoalRepo { return &GoalRepo{db: db} }

const goalColumns = `id, user_id, name, description, status, priority_mode,
	time_window_days, descriptor::text, descriptor_model, created_at, updated_at, is_deleted`

func scanGoal(row interface{ Scan(...interface{}) error }) (*domain.Goal, error) {
	g := &domain.Goal{}
	var descriptor sql.NullString
	err := row.Scan(
		&g.ID, &g.UserID, &g.Name, &g.Description, &g.Status, &g.PriorityMode,
		&g.TimeWindowDays, &descriptor, &g.DescriptorModel,
		&g.CreatedAt, &g.UpdatedAt, &g.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if descriptor.Valid {
		vec, err := decodeVector(descriptor.String)
		if err != nil {
			return nil, err
		}
		g.Descriptor = vec
	}
	return g, nil
}

// Create inserts a goal.
func (r *GoalRepo) Create(ctx context.Context, g *domain.Goal) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO goals (id, user_id, name, description, status, priority_mode,
			time_window_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, g.ID, g.UserID, g.Name, g.Description, g.Status, g.PriorityMode, g.TimeWindowDays)
	if err != nil {
		return fmt.Errorf("create goal: %w", err)
	}
	return nil
}

// Get returns a goal by id.
func (r *GoalRepo) Get(ctx context.Context, id string) (*domain.Goal, error) {
	g, err := scanGoal(r.db.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}
	return g, nil
}

// ActiveGoalsForSource returns ACTIVE goals whose owner can see items
// from the given source: the owner of the source, or any user with an
// enabled subscription to it.
func (r *GoalRepo) ActiveGoalsForSource(ctx context.Context, sourceID string) ([]domain.Goal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+goalColumns+`
		FROM goals g
		WHERE g.status = 'ACTIVE' AND NOT g.is_deleted
		  AND (
			EXISTS (SELECT 1 FROM sources s
				WHERE s.id = $1 AND s.owner_id = g.user_id)
			OR EXISTS (SELECT 1 FROM source_subscriptions sub
				WHERE sub.source_id = $1 AND sub.user_id = g.user_id AND sub.enabled)
		  )
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("active goals for source: %w", err)
	}
	defer rows.Close()

	var out []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("active goals for source: scan: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// ListMissingDescriptors returns active goals whose semantic descriptor
// has not been embedded yet (or was embedded by a different model).
func (r *GoalRepo) ListMissingDescriptors(ctx context.Context, model string, limit int) ([]domain.Goal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+goalColumns+`
		FROM goals
		WHERE status = 'ACTIVE' AND NOT is_deleted
		  AND (descriptor IS NULL OR descriptor_model IS DISTINCT FROM $1)
		LIMIT $2
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing descriptors: %w", err)
	}
	defer rows.Close()

	var out []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("list missing descriptors: scan: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// SetDescriptor stores the goal's descriptor embedding.
func (r *GoalRepo) SetDescriptor(ctx context.Context, goalID string, vec []float32, model string) error {
	enc, ok := encodeVector(vec)
	if !ok {
		return fmt.Errorf("set descriptor: empty vector for goal %s", goalID)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE goals SET descriptor = $2::vector, descriptor_model = $3, updated_at = NOW()
		WHERE id = $1
	`, goalID, enc, model)
	if err != nil {
		return fmt.Errorf("set descriptor: %w", err)
	}
	return nil
}

// Terms returns all priority terms for a goal.
func (r *GoalRepo) Terms(ctx context.Context, goalID string) ([]domain.GoalPriorityTerm, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, goal_id, term, term_type, created_at
		FROM goal_priority_terms
		WHERE goal_id = $1
		ORDER BY term_type, term
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("goal terms: %w", err)
	}
	defer rows.Close()

	var out []domain.GoalPriorityTerm
	for rows.Next() {
		var t domain.GoalPriorityTerm
		if err := rows.Scan(&t.ID, &t.GoalID, &t.Term, &t.TermType, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("goal terms: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddTerm inserts a priority term.
func (r *GoalRepo) AddTerm(ctx context.Context, t *domain.GoalPriorityTerm) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO goal_priority_terms (id, goal_id, term, term_type, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, t.ID, t.GoalID, t.Term, t.TermType)
	if err != nil {
		return fmt.Errorf("add term: %w", err)
	}
	return nil
}

// PushConfig returns the goal's push config, or nil when none is set.
func (r *GoalRepo) PushConfig(ctx context.Context, goalID string) (*domain.GoalPushConfig, error) {
	c := &domain.GoalPushConfig{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, goal_id, batch_windows, digest_send_time,
		       immediate_enabled, batch_enabled, digest_enabled, created_at, updated_at
		FROM goal_push_configs
		WHERE goal_id = $1
	`, goalID).Scan(&c.ID, &c.GoalID, pq.Array(&c.BatchWindows), &c.DigestSendTime,
		&c.ImmediateEnabled, &c.BatchEnabled, &c.DigestEnabled, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("push config: %w", err)
	}
	return c, nil
}

// UpsertPushConfig stores a goal's push config, one row per goal.
func (r *GoalRepo) UpsertPushConfig(ctx context.Context, c *domain.GoalPushConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO goal_push_configs (id, goal_id, batch_windows, digest_send_time,
			immediate_enabled, batch_enabled, digest_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (goal_id) DO UPDATE SET
			batch_windows = EXCLUDED.batch_windows,
			digest_send_time = EXCLUDED.digest_send_time,
			immediate_enabled = EXCLUDED.immediate_enabled,
			batch_enabled = EXCLUDED.batch_enabled,
			digest_enabled = EXCLUDED.digest_enabled,
			updated_at = NOW()
	`, c.ID, c.GoalID, pq.Array(c.BatchWindows), c.DigestSendTime,
		c.ImmediateEnabled, c.BatchEnabled, c.DigestEnabled)
	if err != nil {
		return fmt.Errorf("upsert push config: %w", err)
	}
	return nil
}

// UserEmail returns the delivery address for a user.
func (r *GoalRepo) UserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx,
		`SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		return "", fmt.Errorf("user email: %w", err)
	}
	return email, nil
}
