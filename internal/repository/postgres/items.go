package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/sentrycore/internal/domain"
)

// ItemRepo persists normalised items and their embedding lifecycle.
type ItemRepo struct{ db *sql.DB }

// NewItemRepo creates a Postgres-backed item repository.
func NewItemRepo(db *sql.DB) *ItemRepo { return &ItemRepo{db: db} }

const itemColumns = `id, source_id, url, url_hash, topic_key, title, snippet,
	summary, published_at, ingested_at, embedding::text, embedding_status,
	embedding_model, matched_at, raw_data, created_at, updated_at, is_deleted`

func scanItem(row interface{ Scan(...interface{}) error }) (*domain.Item, error) {
	i := &domain.Item{}
	var embedding sql.NullString
	err := row.Scan(
		&i.ID, &i.SourceID, &i.URL, &i.URLHash, &i.TopicKey, &i.Title, &i.Snippet,
		&i.Summary, &i.PublishedAt, &i.IngestedAt, &embedding, &i.EmbeddingStatus,
		&i.EmbeddingModel, &i.MatchedAt, &i.RawData, &i.CreatedAt, &i.UpdatedAt, &i.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if embedding.Valid {
		vec, err := decodeVector(embedding.String)
		if err != nil {
			return nil, err
		}
		i.Embedding = vec
	}
	return i, nil
}

// CreateIfNotExists inserts the item unless another row already carries
// its url_hash. Returns (true, id) when the row was inserted, (false, "")
// on a duplicate. New items start with embedding_status=pending.
func (r *ItemRepo) CreateIfNotExists(ctx context.Context, item *domain.Item) (bool, string, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO items (id, source_id, url, url_hash, topic_key, title,
			snippet, published_at, ingested_at, embedding_status, raw_data,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), 'pending', $9, NOW(), NOW())
		ON CONFLICT (url_hash) DO NOTHING
		RETURNING id
	`, item.ID, item.SourceID, item.URL, item.URLHash, item.TopicKey,
		item.Title, item.Snippet, item.PublishedAt, item.RawData).Scan(&id)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("create item: %w", err)
	}
	return true, id, nil
}

// Get returns an item by id.
func (r *ItemRepo) Get(ctx context.Context, id string) (*domain.Item, error) {
	i, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return i, nil
}

// ListPendingEmbedding returns up to limit items awaiting embedding,
// FIFO by ingestion time. Claiming is optimistic: the terminal status
// writes below are conditional on the row still being pending, so a
// racing worker loses cleanly.
func (r *ItemRepo) ListPendingEmbedding(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE embedding_status = 'pending' AND NOT is_deleted
		ORDER BY ingested_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending embedding: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending embedding: scan: %w", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// MarkEmbedded records a successful embedding. The pending guard makes
// the write idempotent under concurrent workers. Returns false if the
// item was no longer pending.
func (r *ItemRepo) MarkEmbedded(ctx context.Context, id string, embedding []float32, model string) (bool, error) {
	vec, ok := encodeVector(embedding)
	if !ok {
		return false, fmt.Errorf("mark embedded: empty vector for item %s", id)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET embedding = $2::vector, embedding_status = 'done',
		    embedding_model = $3, updated_at = NOW()
		WHERE id = $1 AND embedding_status = 'pending'
	`, id, vec, model)
	if err != nil {
		return false, fmt.Errorf("mark embedded: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkEmbeddingStatus moves a pending item to skipped_budget or failed.
func (r *ItemRepo) MarkEmbeddingStatus(ctx context.Context, id string, status domain.EmbeddingStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET embedding_status = $2, updated_at = NOW()
		WHERE id = $1 AND embedding_status = 'pending'
	`, id, status)
	if err != nil {
		return fmt.Errorf("mark embedding status: %w", err)
	}
	return nil
}

// ReviveSkipped returns budget-skipped items to the pending queue. The
// budget rollover tick calls this at the start of a new day.
func (r *ItemRepo) ReviveSkipped(ctx context.Context, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items SET embedding_status = 'pending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM items
			WHERE embedding_status = 'skipped_budget' AND NOT is_deleted
			ORDER BY ingested_at ASC
			LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("revive skipped: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListUnmatched returns embedded items the match engine has not
// processed yet, FIFO. MarkMatched retires an item from this queue even
// when the pass wrote no match rows, so items without scorable goals
// cannot jam the head of the list.
func (r *ItemRepo) ListUnmatched(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE embedding_status = 'done' AND matched_at IS NULL AND NOT is_deleted
		ORDER BY ingested_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list unmatched: scan: %w", err)
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// MarkMatched stamps an item as processed by the match engine,
// retiring it from the ListUnmatched queue.
func (r *ItemRepo) MarkMatched(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items SET matched_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND matched_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark matched: %w", err)
	}
	return nil
}

// UpdateSummary sets the summary field, the only mutable content field
// after ingest.
func (r *ItemRepo) UpdateSummary(ctx context.Context, id, summary string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items SET summary = $2, updated_at = NOW() WHERE id = $1
	`, id, summary)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}
