package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Reader lists committed entries for a single identity, newest first.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

func (r *Reader) ForIdentity(ctx context.Context, identityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	const listSQL = `
		SELECT e.id, e.initiator_id, e.action, e.detail, e.created_at
		FROM audit_entries e
		WHERE e.initiator_id = $1
		   OR EXISTS (
			SELECT 1 FROM audit_participants p
			WHERE p.entry_id = e.id AND p.identity_id = $1
		   )
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, listSQL, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.InitiatorID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: read entries: %w", err)
	}
	return entries, nil
}
