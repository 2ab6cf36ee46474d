package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const disputeColumns = `id, listing_id, reporter_id, accused_id, kind::text,
		evidence, image_ref, influence, status::text, resolver_id, created_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var rec Dispute
	err := row.Scan(&rec.ID, &rec.ListingID, &rec.ReporterID, &rec.AccusedID,
		&rec.Kind, &rec.Evidence, &rec.ImageRef, &rec.Influence, &rec.Status,
		&rec.ResolverID, &rec.CreatedAt, &rec.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, ErrNotFound
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return rec, nil
}

type InsertParams struct {
	ListingID  string
	ReporterID string
	AccusedID  string
	Kind       Kind
	Evidence   string
	ImageRef   string
	Influence  int
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Dispute, error) {
	const query = `
		INSERT INTO disputes (listing_id, reporter_id, accused_id, kind, evidence, image_ref, influence, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open')
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, query,
		params.ListingID, params.ReporterID, params.AccusedID,
		params.Kind, params.Evidence, params.ImageRef, params.Influence))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, err
}

func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	return scanDispute(r.pool.QueryRow(ctx, query, id))
}

// Lock fetches a dispute with a row lock for the resolution transaction.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	return scanDispute(tx.QueryRow(ctx, query, id))
}

// Close moves an open dispute into a terminal status. The status guard makes
// resolution exactly-once: a second attempt matches no row and surfaces
// ErrAlreadyResolved.
func (r *Repository) Close(ctx context.Context, tx pgx.Tx, id string, to Status, resolverID string) (Dispute, error) {
	const query = `
		UPDATE disputes
		SET status = $2, resolver_id = $3, resolved_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, query, id, to, resolverID))
	if errors.Is(err, ErrNotFound) {
		return Dispute{}, ErrAlreadyResolved
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: close: %w", err)
	}
	return rec, nil
}

// HasOpenForReporter reports whether the reporter already has an open
// dispute on the listing.
func (r *Repository) HasOpenForReporter(ctx context.Context, listingID, reporterID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE listing_id = $1 AND reporter_id = $2 AND status = 'open'
		)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, listingID, reporterID).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispute: open check: %w", err)
	}
	return exists, nil
}

// ListOpen returns the oldest open disputes first, for the resolution queue.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Dispute, error) {
	const query = `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE status = 'open'
		ORDER BY created_at
		LIMIT $1`
	return r.list(ctx, query, limit)
}

// ListForListing returns every dispute ever raised against a listing,
// newest first.
func (r *Repository) ListForListing(ctx context.Context, listingID string) ([]Dispute, error) {
	const query = `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE listing_id = $1
		ORDER BY created_at DESC`
	return r.list(ctx, query, listingID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
