package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
	"github.com/lib/pq"
)

// DecisionRepo persists push decision records. Rows are append-only;
// only the status fields transition.
type DecisionRepo struct{ db *sql.DB }

// NewDecisionRepo creates a Postgres-backed decision repository.
func NewDecisionRepo(db *sql.DB) *DecisionRepo { return &DecisionRepo{db: db} }

const decisionColumns = `id, goal_id, item_id, decision, status, channel,
	reason_json, decided_at, sent_at, dedupe_key`

func scanDecision(row interface{ Scan(...interface{}) error }) (*domain.PushDecisionRecord, error) {
	d := &domain.PushDecisionRecord{}
	err := row.Scan(&d.ID, &d.GoalID, &d.ItemID, &d.Decision, &d.Status,
		&d.Channel, &d.ReasonJSON, &d.DecidedAt, &d.SentAt, &d.DedupeKey)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Insert appends a decision record with status PENDING. The unique key
// on (goal_id, item_id, decision) serialises concurrent pipelines; a
// conflicting insert returns (false, nil) and the caller drops the
// proposal.
func (r *DecisionRepo) Insert(ctx context.Context, d *domain.PushDecisionRecord) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.DecisionPending
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO push_decisions (id, goal_id, item_id, decision, status,
			channel, reason_json, decided_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, d.ID, d.GoalID, d.ItemID, d.Decision, d.Status, d.Channel,
		d.ReasonJSON, d.DedupeKey).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert decision: %w", err)
	}
	return true, nil
}

// ActiveByDedupeKey reports whether a record with the given dedupe key
// is already SENT or PENDING. The coalescer consults this before
// rendering, giving at-most-once per (goal, topic, decision, bucket).
func (r *DecisionRepo) ActiveByDedupeKey(ctx context.Context, key string, excludeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM push_decisions
			WHERE dedupe_key = $1 AND id <> $2 AND status IN ('SENT', 'PENDING')
		)
	`, key, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return exists, nil
}

// ListPending returns pending decisions of one kind for a goal, decided
// in [since, until), ordered by score via the match join.
func (r *DecisionRepo) ListPending(ctx context.Context, goalID string, decision domain.Decision, since, until time.Time) ([]domain.PushDecisionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+qualifiedDecisionColumns+`
		FROM push_decisions d
		JOIN goal_item_matches m ON m.goal_id = d.goal_id AND m.item_id = d.item_id
		WHERE d.goal_id = $1 AND d.decision = $2 AND d.status = 'PENDING'
		  AND d.decided_at >= $3 AND d.decided_at < $4
		ORDER BY m.match_score DESC, m.item_time DESC
	`, goalID, decision, since, until)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.PushDecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending decisions: scan: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const qualifiedDecisionColumns = `d.id, d.goal_id, d.item_id, d.decision, d.status,
	d.channel, d.reason_json, d.decided_at, d.sent_at, d.dedupe_key`

// GoalsWithPending returns the distinct goal ids that currently hold
// pending decisions of the given kind. Window and digest sweeps use it
// to avoid walking every goal.
func (r *DecisionRepo) GoalsWithPending(ctx context.Context, decision domain.Decision) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT goal_id FROM push_decisions
		WHERE decision = $1 AND status = 'PENDING'
	`, decision)
	if err != nil {
		return nil, fmt.Errorf("goals with pending: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("goals with pending: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountSentSince counts decisions sent for a goal since the given time.
// The push-worthiness stage uses it as interruption pressure.
func (r *DecisionRepo) CountSentSince(ctx context.Context, goalID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM push_decisions
		WHERE goal_id = $1 AND status = 'SENT' AND sent_at >= $2
	`, goalID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent since: %w", err)
	}
	return n, nil
}

// MarkSent transitions a decision to SENT and stamps sent_at.
func (r *DecisionRepo) MarkSent(ctx context.Context, ids []string) error {
	return r.transition(ctx, ids, domain.DecisionSent, true)
}

// MarkFailed transitions decisions to FAILED.
func (r *DecisionRepo) MarkFailed(ctx context.Context, ids []string) error {
	return r.transition(ctx, ids, domain.DecisionFailed, false)
}

// MarkSkipped transitions decisions to SKIPPED (dropped by dedupe or
// demotion).
func (r *DecisionRepo) MarkSkipped(ctx context.Context, ids []string) error {
	return r.transition(ctx, ids, domain.DecisionSkipped, false)
}

// MarkRead transitions a decision to READ after a click-through.
func (r *DecisionRepo) MarkRead(ctx context.Context, goalID, itemID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE push_decisions SET status = 'READ'
		WHERE goal_id = $1 AND item_id = $2 AND status = 'SENT'
	`, goalID, itemID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (r *DecisionRepo) transition(ctx context.Context, ids []string, status domain.DecisionStatus, stampSent bool) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE push_decisions SET status = $1 WHERE id = ANY($2)`
	if stampSent {
		q = `UPDATE push_decisions SET status = $1, sent_at = NOW() WHERE id = ANY($2)`
	}
	if _, err := r.db.ExecContext(ctx, q, status, pq.Array(ids)); err != nil {
		return fmt.Errorf("transition decisions to %s: %w", status, err)
	}
	return nil
}

// Requeue returns a decision to PENDING so the next delivery window
// picks it up again. Exposed through the admin API.
func (r *DecisionRepo) Requeue(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE push_decisions SET status = 'PENDING' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("requeue decision: %w", err)
	}
	return nil
}

// ListRecent returns the newest decisions for the admin surface.
func (r *DecisionRepo) ListRecent(ctx context.Context, limit int) ([]domain.PushDecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM push_decisions
		ORDER BY decided_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.PushDecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("list recent decisions: scan: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
