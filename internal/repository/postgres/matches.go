package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
)

// MatchRepo persists scored (goal, item) pairs.
type MatchRepo struct{ db *sql.DB }

// NewMatchRepo creates a Postgres-backed match repository.
func NewMatchRepo(db *sql.DB) *MatchRepo { return &MatchRepo{db: db} }

// Upsert writes a match row, replacing score/features/reasons on
// recompute. A pair that was already decided keeps its decided_at; the
// decision pipeline never re-decides an item.
func (r *MatchRepo) Upsert(ctx context.Context, m *domain.GoalItemMatch) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	features, err := json.Marshal(m.Features)
	if err != nil {
		return fmt.Errorf("upsert match: marshal features: %w", err)
	}
	reasons, err := json.Marshal(m.Reasons)
	if err != nil {
		return fmt.Errorf("upsert match: marshal reasons: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO goal_item_matches (id, goal_id, item_id, match_score,
			features_json, reasons_json, topic_key, item_time, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (goal_id, item_id) DO UPDATE SET
			match_score = EXCLUDED.match_score,
			features_json = EXCLUDED.features_json,
			reasons_json = EXCLUDED.reasons_json,
			topic_key = EXCLUDED.topic_key,
			item_time = EXCLUDED.item_time,
			computed_at = NOW()
	`, m.ID, m.GoalID, m.ItemID, m.MatchScore, features, reasons, m.TopicKey, m.ItemTime)
	if err != nil {
		return fmt.Errorf("upsert match: %w", err)
	}
	return nil
}

const matchColumns = `id, goal_id, item_id, match_score, features_json,
	reasons_json, topic_key, item_time, computed_at, decided_at`

func scanMatch(row interface{ Scan(...interface{}) error }) (*domain.GoalItemMatch, error) {
	m := &domain.GoalItemMatch{}
	var features, reasons []byte
	err := row.Scan(&m.ID, &m.GoalID, &m.ItemID, &m.MatchScore,
		&features, &reasons, &m.TopicKey, &m.ItemTime, &m.ComputedAt, &m.DecidedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(features, &m.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if err := json.Unmarshal(reasons, &m.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	return m, nil
}

// Get returns one match by pair.
func (r *MatchRepo) Get(ctx context.Context, goalID, itemID string) (*domain.GoalItemMatch, error) {
	m, err := scanMatch(r.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM goal_item_matches WHERE goal_id = $1 AND item_id = $2`,
		goalID, itemID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get match: %w", err)
	}
	return m, nil
}

// ClaimUndecided locks and returns up to limit matches the decision
// pipeline has not processed, oldest first. Rows are claimed under
// FOR UPDATE SKIP LOCKED and stamped decided_at in the same transaction
// so a crashed run can be detected and re-driven by its decision rows.
func (r *MatchRepo) ClaimUndecided(ctx context.Context, limit int) ([]domain.GoalItemMatch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim undecided: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM goal_item_matches
		WHERE decided_at IS NULL
		ORDER BY computed_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim undecided: select: %w", err)
	}

	var claimed []domain.GoalItemMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim undecided: scan: %w", err)
		}
		claimed = append(claimed, *m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim undecided: rows: %w", err)
	}
	rows.Close()

	for _, m := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE goal_item_matches SET decided_at = NOW() WHERE id = $1`, m.ID); err != nil {
			return nil, fmt.Errorf("claim undecided: stamp %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim undecided: commit: %w", err)
	}
	return claimed, nil
}

// TopForDigest returns matches for a goal in the item time window,
// ordered score DESC then item_time DESC, for digest ranking.
func (r *MatchRepo) TopForDigest(ctx context.Context, goalID string, since time.Time, limit int) ([]domain.GoalItemMatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM goal_item_matches
		WHERE goal_id = $1 AND item_time >= $2
		ORDER BY match_score DESC, item_time DESC
		LIMIT $3
	`, goalID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top for digest: %w", err)
	}
	defer rows.Close()

	var out []domain.GoalItemMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("top for digest: scan: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
