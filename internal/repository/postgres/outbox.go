package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// OutboxEmail is a rendered email awaiting delivery. Rows are written in
// the same transaction as the decision status transition so a send is
// never promised without a durable record.
type OutboxEmail struct {
	ID            string     `json:"id" db:"id"`
	GoalID        string     `json:"goal_id" db:"goal_id"`
	DecisionIDs   []string   `json:"decision_ids" db:"decision_ids"`
	Recipient     string     `json:"recipient" db:"recipient"`
	Subject       string     `json:"subject" db:"subject"`
	HTMLBody      string     `json:"html_body" db:"html_body"`
	TextBody      string     `json:"text_body" db:"text_body"`
	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     *string    `json:"last_error" db:"last_error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	SentAt        *time.Time `json:"sent_at" db:"sent_at"`
}

// Outbox delivery attempt limits.
const (
	OutboxMaxAttempts = 5
	OutboxMaxBackoff  = time.Hour
	OutboxBaseBackoff = time.Minute
)

// OutboxRepo persists the email outbox.
type OutboxRepo struct{ db *sql.DB }

// NewOutboxRepo creates a Postgres-backed outbox repository.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// EnqueueTx inserts an outbox row inside the caller's transaction.
func (r *OutboxRepo) EnqueueTx(ctx context.Context, tx *sql.Tx, e *OutboxEmail) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_outbox (id, goal_id, decision_ids, recipient, subject,
			html_body, text_body, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', 0, NOW(), NOW())
	`, e.ID, e.GoalID, pq.Array(e.DecisionIDs), e.Recipient, e.Subject,
		e.HTMLBody, e.TextBody)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// EnqueueWithSent writes the outbox row and flips the covered decisions
// to SENT in one transaction, so a send is never promised without a
// durable outbox record and vice versa.
func (r *OutboxRepo) EnqueueWithSent(ctx context.Context, e *OutboxEmail) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue outbox: begin: %w", err)
	}
	defer tx.Rollback()

	if err := r.EnqueueTx(ctx, tx, e); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE push_decisions SET status = 'SENT', sent_at = NOW()
		WHERE id = ANY($1)
	`, pq.Array(e.DecisionIDs)); err != nil {
		return fmt.Errorf("enqueue outbox: mark sent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue outbox: commit: %w", err)
	}
	return nil
}

// ClaimDue locks and returns up to limit queued emails whose retry time
// has arrived.
func (r *OutboxRepo) ClaimDue(ctx context.Context, limit int) ([]OutboxEmail, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, goal_id, decision_ids, recipient, subject, html_body,
		       text_body, status, attempts, next_attempt_at, last_error,
		       created_at, sent_at
		FROM email_outbox
		WHERE status = 'queued' AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: select: %w", err)
	}

	var claimed []OutboxEmail
	for rows.Next() {
		var e OutboxEmail
		if err := rows.Scan(&e.ID, &e.GoalID, pq.Array(&e.DecisionIDs),
			&e.Recipient, &e.Subject, &e.HTMLBody, &e.TextBody, &e.Status,
			&e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.SentAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim outbox: scan: %w", err)
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim outbox: rows: %w", err)
	}
	rows.Close()

	// Push the retry time forward while the send is in flight so a slow
	// SMTP session does not get double-claimed by the next sweep.
	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE email_outbox SET next_attempt_at = NOW() + INTERVAL '2 minutes'
			WHERE id = $1
		`, e.ID); err != nil {
			return nil, fmt.Errorf("claim outbox: lease %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox: commit: %w", err)
	}
	return claimed, nil
}

// MarkSent finalises a delivered email.
func (r *OutboxRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_outbox SET status = 'sent', sent_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("outbox mark sent: %w", err)
	}
	return nil
}

// MarkAttemptFailed records a failed attempt and schedules the retry
// with exponential backoff, capped at an hour. After OutboxMaxAttempts
// the row moves to failed terminally.
func (r *OutboxRepo) MarkAttemptFailed(ctx context.Context, id string, attempts int, sendErr error) error {
	msg := sendErr.Error()
	if attempts+1 >= OutboxMaxAttempts {
		_, err := r.db.ExecContext(ctx, `
			UPDATE email_outbox
			SET status = 'failed', attempts = attempts + 1, last_error = $2
			WHERE id = $1
		`, id, msg)
		if err != nil {
			return fmt.Errorf("outbox mark failed: %w", err)
		}
		return nil
	}

	backoff := OutboxBaseBackoff << attempts
	if backoff > OutboxMaxBackoff {
		backoff = OutboxMaxBackoff
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_outbox
		SET attempts = attempts + 1, last_error = $2,
		    next_attempt_at = NOW() + make_interval(secs => $3)
		WHERE id = $1
	`, id, msg, int(backoff.Seconds()))
	if err != nil {
		return fmt.Errorf("outbox schedule retry: %w", err)
	}
	return nil
}
