package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newDecisionMock(t *testing.T) (*DecisionRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDecisionRepo(db), mock
}

func TestDecisionRepoRequeue(t *testing.T) {
	repo, mock := newDecisionMock(t)

	mock.ExpectExec(`UPDATE push_decisions SET status = 'PENDING' WHERE id = \$1`).
		WithArgs("dec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Requeue(context.Background(), "dec-1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
