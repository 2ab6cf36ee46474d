// Package notify implements best-effort participant notification through a
// transactional outbox. Services enqueue inside their own transaction; a
// dispatcher delivers committed rows asynchronously, so a delivery failure
// never rolls back a ledger mutation.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is one queued notification.
type Message struct {
	ID          int64
	RecipientID string
	Topic       string
	Payload     map[string]any
	Status      Status
	Attempts    int
	CreatedAt   time.Time
}

// Enqueuer is the write side services depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, recipientID, topic string, payload map[string]any) error
}

type Queue struct {
	pool *pgxpool.Pool
}

func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue adds a pending notification in the caller's transaction.
func (q *Queue) Enqueue(ctx context.Context, tx pgx.Tx, recipientID, topic string, payload map[string]any) error {
	if recipientID == "" {
		return fmt.Errorf("notify: missing recipient")
	}
	if topic == "" {
		return fmt.Errorf("notify: missing topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	const query = `INSERT INTO outbox (recipient_id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, query, recipientID, topic, body); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// ClaimPending locks up to limit pending messages for delivery. Rows other
// dispatcher passes hold are skipped, so concurrent dispatchers never
// double-deliver.
func (q *Queue) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
		SELECT id, recipient_id, topic, payload, status, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		var body []byte
		if err := rows.Scan(&msg.ID, &msg.RecipientID, &msg.Topic, &body, &msg.Status, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan message: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &msg.Payload); err != nil {
				return nil, fmt.Errorf("notify: decode payload: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate pending: %w", err)
	}
	return out, nil
}

// MarkOutcome records the result of one delivery attempt. A failed attempt
// stays pending until maxAttempts is reached.
func (q *Queue) MarkOutcome(ctx context.Context, tx pgx.Tx, id int64, delivered bool, maxAttempts int) error {
	var query string
	if delivered {
		query = `UPDATE outbox SET status = 'sent', attempts = attempts + 1 WHERE id = $1`
	} else {
		query = `
			UPDATE outbox
			SET attempts = attempts + 1,
			    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END
			WHERE id = $1
		`
	}
	args := []any{id}
	if !delivered {
		args = append(args, maxAttempts)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("notify: mark outcome: %w", err)
	}
	return nil
}

// PendingCount reports the current backlog.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("notify: pending count: %w", err)
	}
	return n, nil
}

func (q *Queue) Begin(ctx context.Context) (pgx.Tx, error) {
	if q.pool == nil {
		return nil, errors.New("notify: queue has no pool")
	}
	return q.pool.Begin(ctx)
}
