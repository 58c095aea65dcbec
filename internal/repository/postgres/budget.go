package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
)

// BudgetRepo persists per-user per-date spend counters. Redis holds the
// hot counters; these rows are the durable record written by the hourly
// reconciliation and the midnight rollover.
type BudgetRepo struct{ db *sql.DB }

// NewBudgetRepo creates a Postgres-backed budget repository.
func NewBudgetRepo(db *sql.DB) *BudgetRepo { return &BudgetRepo{db: db} }

// AddUsage increments the (user, date) counters. requestKey makes the
// increment idempotent: a retried request with the same key is a no-op.
func (r *BudgetRepo) AddUsage(ctx context.Context, userID, date, requestKey string, kind domain.BudgetKind, tokens int64, usd float64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add usage: begin: %w", err)
	}
	defer tx.Rollback()

	var inserted string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO budget_reservations (request_key, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (request_key) DO NOTHING
		RETURNING request_key
	`, requestKey, userID).Scan(&inserted)
	if err == sql.ErrNoRows {
		// Already applied by an earlier attempt.
		return nil
	}
	if err != nil {
		return fmt.Errorf("add usage: reservation: %w", err)
	}

	embTokens, judgeTokens := int64(0), int64(0)
	if kind == domain.BudgetEmbedding {
		embTokens = tokens
	} else {
		judgeTokens = tokens
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO budget_daily (id, user_id, date, embedding_tokens_est, judge_tokens_est, usd_est)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, date) DO UPDATE SET
			embedding_tokens_est = budget_daily.embedding_tokens_est + EXCLUDED.embedding_tokens_est,
			judge_tokens_est = budget_daily.judge_tokens_est + EXCLUDED.judge_tokens_est,
			usd_est = budget_daily.usd_est + EXCLUDED.usd_est
	`, uuid.New().String(), userID, date, embTokens, judgeTokens, usd); err != nil {
		return fmt.Errorf("add usage: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add usage: commit: %w", err)
	}
	return nil
}

// Get returns the day's counters, or a zero row when absent.
func (r *BudgetRepo) Get(ctx context.Context, userID, date string) (*domain.BudgetDaily, error) {
	b := &domain.BudgetDaily{UserID: userID, Date: date}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, embedding_tokens_est, judge_tokens_est, usd_est
		FROM budget_daily
		WHERE user_id = $1 AND date = $2
	`, userID, date).Scan(&b.ID, &b.EmbeddingTokensEst, &b.JudgeTokensEst, &b.USDEst)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget day: %w", err)
	}
	return b, nil
}

// Snapshot writes the day's final counters. Idempotent on (user, date):
// the rollover can run twice without double counting.
func (r *BudgetRepo) Snapshot(ctx context.Context, b *domain.BudgetDaily) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budget_daily (id, user_id, date, embedding_tokens_est, judge_tokens_est, usd_est)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, date) DO UPDATE SET
			embedding_tokens_est = GREATEST(budget_daily.embedding_tokens_est, EXCLUDED.embedding_tokens_est),
			judge_tokens_est = GREATEST(budget_daily.judge_tokens_est, EXCLUDED.judge_tokens_est),
			usd_est = GREATEST(budget_daily.usd_est, EXCLUDED.usd_est)
	`, b.ID, b.UserID, b.Date, b.EmbeddingTokensEst, b.JudgeTokensEst, b.USDEst)
	if err != nil {
		return fmt.Errorf("snapshot budget day: %w", err)
	}
	return nil
}

// UserDailyCap returns the user's daily USD cap, falling back to the
// given default when no override is set.
func (r *BudgetRepo) UserDailyCap(ctx context.Context, userID string, defaultCap float64) (float64, error) {
	var cap sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT daily_cap_usd FROM users WHERE id = $1`, userID).Scan(&cap)
	if err == sql.ErrNoRows {
		return defaultCap, nil
	}
	if err != nil {
		return defaultCap, fmt.Errorf("user daily cap: %w", err)
	}
	if cap.Valid && cap.Float64 > 0 {
		return cap.Float64, nil
	}
	return defaultCap, nil
}

// ActiveUsers returns users with activity to roll over, plus the shared
// system bucket.
func (r *BudgetRepo) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM budget_daily
		UNION SELECT id FROM users WHERE NOT is_deleted
	`)
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{domain.SystemUser: true}
	out := []string{domain.SystemUser}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("active users: scan: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, rows.Err()
}
