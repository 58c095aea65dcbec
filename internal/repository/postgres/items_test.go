package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newItemMock(t *testing.T) (*ItemRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewItemRepo(db), mock
}

func itemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "source_id", "url", "url_hash", "topic_key", "title", "snippet",
		"summary", "published_at", "ingested_at", "embedding", "embedding_status",
		"embedding_model", "matched_at", "raw_data", "created_at", "updated_at", "is_deleted",
	})
}

// The unmatched queue filters on the matched_at stamp, not on match rows:
// an item retired with zero matches must not reappear.
func TestItemRepoListUnmatched(t *testing.T) {
	repo, mock := newItemMock(t)

	mock.ExpectQuery(`matched_at IS NULL`).
		WithArgs(100).
		WillReturnRows(itemRows())

	if _, err := repo.ListUnmatched(context.Background(), 100); err != nil {
		t.Fatalf("list unmatched: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestItemRepoMarkMatched(t *testing.T) {
	repo, mock := newItemMock(t)

	mock.ExpectExec(`UPDATE items SET matched_at = NOW\(\)`).
		WithArgs("item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkMatched(context.Background(), "item-1"); err != nil {
		t.Fatalf("mark matched: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestItemRepoUpdateSummary(t *testing.T) {
	repo, mock := newItemMock(t)

	mock.ExpectExec(`UPDATE items SET summary = \$2`).
		WithArgs("item-1", "A short recap").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateSummary(context.Background(), "item-1", "A short recap"); err != nil {
		t.Fatalf("update summary: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
