package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
)

// IngestLogRepo records one row per fetch attempt.
type IngestLogRepo struct{ db *sql.DB }

// NewIngestLogRepo creates a Postgres-backed ingest log repository.
func NewIngestLogRepo(db *sql.DB) *IngestLogRepo { return &IngestLogRepo{db: db} }

// Start opens a log row at fetch start and returns its id.
func (r *IngestLogRepo) Start(ctx context.Context, sourceID string) (string, error) {
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingest_logs (id, source_id, started_at, status)
		VALUES ($1, $2, NOW(), 'failed')
	`, id, sourceID)
	if err != nil {
		return "", fmt.Errorf("start ingest log: %w", err)
	}
	return id, nil
}

// Finish completes the log row with the fetch outcome.
func (r *IngestLogRepo) Finish(ctx context.Context, log *domain.IngestLog) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ingest_logs
		SET completed_at = NOW(), status = $2, items_fetched = $3,
		    items_new = $4, items_duplicate = $5, error_message = $6,
		    duration_ms = $7, metadata_json = $8
		WHERE id = $1
	`, log.ID, log.Status, log.ItemsFetched, log.ItemsNew,
		log.ItemsDuplicate, log.ErrorMessage, log.DurationMs, log.MetadataJSON)
	if err != nil {
		return fmt.Errorf("finish ingest log: %w", err)
	}
	return nil
}

// ListRecent returns the newest log rows, optionally filtered by source.
func (r *IngestLogRepo) ListRecent(ctx context.Context, sourceID string, limit int) ([]domain.IngestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, source_id, started_at, completed_at, status, items_fetched,
		       items_new, items_duplicate, error_message, duration_ms, metadata_json
		FROM ingest_logs`
	args := []interface{}{limit}
	if sourceID != "" {
		q += ` WHERE source_id = $2`
		args = append(args, sourceID)
	}
	q += ` ORDER BY started_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ingest logs: %w", err)
	}
	defer rows.Close()

	var out []domain.IngestLog
	for rows.Next() {
		var l domain.IngestLog
		if err := rows.Scan(&l.ID, &l.SourceID, &l.StartedAt, &l.CompletedAt,
			&l.Status, &l.ItemsFetched, &l.ItemsNew, &l.ItemsDuplicate,
			&l.ErrorMessage, &l.DurationMs, &l.MetadataJSON); err != nil {
			return nil, fmt.Errorf("list ingest logs: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
