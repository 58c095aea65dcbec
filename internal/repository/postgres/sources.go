package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
)

// SourceRepo is the Postgres-backed source registry.
type SourceRepo struct{ db *sql.DB }

// NewSourceRepo creates a Postgres-backed source repository.
func NewSourceRepo(db *sql.DB) *SourceRepo { return &SourceRepo{db: db} }

const sourceColumns = `id, type, name, owner_id, is_private, enabled,
	fetch_interval_sec, next_fetch_at, last_fetch_at, error_streak,
	empty_streak, config, created_at, updated_at, is_deleted`

func scanSource(row interface{ Scan(...interface{}) error }) (*domain.Source, error) {
	s := &domain.Source{}
	var cfg []byte
	err := row.Scan(
		&s.ID, &s.Type, &s.Name, &s.OwnerID, &s.IsPrivate, &s.Enabled,
		&s.FetchIntervalSec, &s.NextFetchAt, &s.LastFetchAt, &s.ErrorStreak,
		&s.EmptyStreak, &cfg, &s.CreatedAt, &s.UpdatedAt, &s.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	s.Config = cfg
	return s, nil
}

// Create inserts a new source. Names are globally unique.
func (r *SourceRepo) Create(ctx context.Context, s *domain.Source) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (id, type, name, owner_id, is_private, enabled,
			fetch_interval_sec, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, s.ID, s.Type, s.Name, s.OwnerID, s.IsPrivate, s.Enabled,
		s.FetchIntervalSec, []byte(s.Config))
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// Get returns a source by id, including soft-deleted rows.
func (r *SourceRepo) Get(ctx context.Context, id string) (*domain.Source, error) {
	s, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return s, nil
}

// ClaimDue selects up to limit enabled sources whose next_fetch_at has
// arrived (or was never set), ordered next_fetch_at ASC NULLS FIRST, and
// leases them by pushing next_fetch_at one interval forward inside the
// same transaction. Row locks with SKIP LOCKED keep concurrent sweeps
// from claiming the same source; the forward-dated lease keeps at most
// one fetch in flight per source between sweeps.
func (r *SourceRepo) ClaimDue(ctx context.Context, limit int) ([]domain.Source, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE enabled AND NOT is_deleted
		  AND (next_fetch_at IS NULL OR next_fetch_at <= NOW())
		ORDER BY next_fetch_at ASC NULLS FIRST
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: select: %w", err)
	}

	var claimed []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim due: scan: %w", err)
		}
		claimed = append(claimed, *s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due: rows: %w", err)
	}
	rows.Close()

	for _, s := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sources
			SET next_fetch_at = NOW() + make_interval(secs => fetch_interval_sec),
			    updated_at = NOW()
			WHERE id = $1
		`, s.ID); err != nil {
			return nil, fmt.Errorf("claim due: lease %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due: commit: %w", err)
	}
	return claimed, nil
}

// UpdateScheduling persists the post-fetch scheduling state computed by
// the scheduler's backoff policy.
func (r *SourceRepo) UpdateScheduling(ctx context.Context, id string, nextFetchAt, lastFetchAt time.Time, errorStreak, emptyStreak int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sources
		SET next_fetch_at = $2, last_fetch_at = $3,
		    error_streak = $4, empty_streak = $5, updated_at = NOW()
		WHERE id = $1
	`, id, nextFetchAt, lastFetchAt, errorStreak, emptyStreak)
	if err != nil {
		return fmt.Errorf("update scheduling: %w", err)
	}
	return nil
}

// ListForAdmin returns sources with their scheduling state for the
// read-only admin surface.
func (r *SourceRepo) ListForAdmin(ctx context.Context, limit int) ([]domain.Source, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE NOT is_deleted
		ORDER BY name ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("list sources: scan: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// OwnerBudgetUser returns the budget bucket for a source: the owner for
// private sources, the shared system bucket otherwise.
func (r *SourceRepo) OwnerBudgetUser(ctx context.Context, sourceID string) (string, error) {
	var ownerID sql.NullString
	var isPrivate bool
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id, is_private FROM sources WHERE id = $1`, sourceID,
	).Scan(&ownerID, &isPrivate)
	if err != nil {
		return "", fmt.Errorf("owner budget user: %w", err)
	}
	if isPrivate && ownerID.Valid {
		return ownerID.String, nil
	}
	return domain.SystemUser, nil
}

// Subscribe upserts a user's subscription to a source.
func (r *SourceRepo) Subscribe(ctx context.Context, userID, sourceID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_subscriptions (id, user_id, source_id, enabled, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, source_id) DO UPDATE SET enabled = EXCLUDED.enabled
	`, uuid.New().String(), userID, sourceID, enabled)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}
