// Package audit appends immutable activity records. Entries are written
// inside the caller's transaction so a ledger mutation and its audit trail
// commit or roll back together.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Entry is a committed audit record.
type Entry struct {
	ID           int64
	InitiatorID  string
	Action       string
	Detail       string
	CreatedAt    time.Time
	Participants []string
}

// Writer appends audit entries. The ledger services depend on this interface
// so tests can capture writes without a database.
type Writer interface {
	Append(ctx context.Context, tx pgx.Tx, initiatorID, action, detail string, participants ...string) error
}

type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append inserts one entry plus its participant links.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, initiatorID, action, detail string, participants ...string) error {
	if initiatorID == "" {
		return fmt.Errorf("audit: missing initiator")
	}
	if action == "" {
		return fmt.Errorf("audit: missing action")
	}

	var entryID int64
	const insertSQL = `
		INSERT INTO audit_entries (initiator_id, action, detail)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, insertSQL, initiatorID, action, detail).Scan(&entryID); err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}

	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `INSERT INTO audit_participants (entry_id, identity_id) VALUES ($1, $2)`, entryID, p); err != nil {
			return fmt.Errorf("audit: link participant: %w", err)
		}
	}

	return nil
}
