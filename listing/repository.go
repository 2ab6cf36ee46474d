package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listingColumns = `id, owner_id, payload, name, description, image_ref, desired, price,
	revision, available_at, status::text, deleted, created_at, updated_at`

// Querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanListing(row pgx.Row) (Listing, error) {
	var rec Listing
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Payload, &rec.Name, &rec.Description,
		&rec.ImageRef, &rec.Desired, &rec.Price, &rec.Revision, &rec.AvailableAt,
		&rec.Status, &rec.Deleted, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

type InsertParams struct {
	OwnerID     string
	Payload     []byte
	Name        string
	Description string
	ImageRef    string
	Desired     string
	Price       int64
	Revision    bool
	AvailableAt time.Time
	Status      Status
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Listing, error) {
	const query = `
		INSERT INTO listings (owner_id, payload, name, description, image_ref, desired, price, revision, available_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + listingColumns + `
	`
	rec, err := scanListing(tx.QueryRow(ctx, query,
		params.OwnerID, params.Payload, params.Name, params.Description, params.ImageRef,
		params.Desired, params.Price, params.Revision, params.AvailableAt, params.Status))
	if err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, q Querier, id string) (Listing, error) {
	rec, err := scanListing(q.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return rec, nil
}

// Lock fetches the listing row FOR UPDATE. Every status transition goes
// through this so concurrent settlements serialize per listing.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	rec, err := scanListing(tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: lock: %w", err)
	}
	return rec, nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE listings SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("listing: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type UpdateParams struct {
	Name        string
	Description string
	Desired     string
	Price       int64
	Status      Status
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, id string, params UpdateParams) (Listing, error) {
	const query = `
		UPDATE listings
		SET name = $2, description = $3, desired = $4, price = $5, status = $6, updated_at = now()
		WHERE id = $1
		RETURNING ` + listingColumns + `
	`
	rec, err := scanListing(tx.QueryRow(ctx, query, id, params.Name, params.Description, params.Desired, params.Price, params.Status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: update: %w", err)
	}
	return rec, nil
}

func (r *Repository) SetDeleted(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `UPDATE listings SET deleted = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("listing: set deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSold counts the owner's completed sales. The price cap scales with
// this number.
func (r *Repository) CountSold(ctx context.Context, q Querier, ownerID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT count(*) FROM listings WHERE owner_id = $1 AND status = 'sold'`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("listing: count sold: %w", err)
	}
	return n, nil
}

// CountListed counts the owner's currently published listings.
func (r *Repository) CountListed(ctx context.Context, q Querier, ownerID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT count(*) FROM listings WHERE owner_id = $1 AND status = 'listed' AND NOT deleted`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("listing: count listed: %w", err)
	}
	return n, nil
}

// HasOpenDispute reports whether any unresolved dispute references the
// listing.
func (r *Repository) HasOpenDispute(ctx context.Context, q Querier, listingID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM disputes WHERE listing_id = $1 AND resolved_at IS NULL)`
	var open bool
	if err := q.QueryRow(ctx, query, listingID).Scan(&open); err != nil {
		return false, fmt.Errorf("listing: check open dispute: %w", err)
	}
	return open, nil
}

// ListOpen returns the public feed: published listings from sellers at or
// above the feed trust floor, newest first.
func (r *Repository) ListOpen(ctx context.Context, limit, offset int) ([]Listing, error) {
	const query = `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE status = 'listed' AND NOT deleted AND available_at <= now()
		  AND owner_id IN (SELECT id FROM identities WHERE trust >= $3)
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.list(ctx, query, limit, offset, PublicFeedTrustFloor)
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Listing, error) {
	const query = `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE owner_id = $1 AND NOT deleted
		ORDER BY status, created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing: list by owner: %w", err)
	}
	return collect(rows)
}

// ListReviewQueue returns listings awaiting reviewer approval, oldest
// first.
func (r *Repository) ListReviewQueue(ctx context.Context, limit int) ([]Listing, error) {
	const query = `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE status = 'under_review' AND NOT deleted
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: review queue: %w", err)
	}
	return collect(rows)
}

// NamesForSearch returns (name, id) pairs of published listings for the
// fuzzy matcher.
func (r *Repository) NamesForSearch(ctx context.Context) (map[string]string, error) {
	const query = `SELECT name, id FROM listings WHERE status = 'listed' AND NOT deleted`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing: names for search: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("listing: scan name: %w", err)
		}
		out[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate names: %w", err)
	}
	return out, nil
}

// ExpiredListing identifies one listing moved out of the feed by the
// expiry sweep.
type ExpiredListing struct {
	ID      string
	OwnerID string
	Name    string
}

// ExpireStale moves published listings that have gone unsold past the
// cutoff into the expired state.
func (r *Repository) ExpireStale(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]ExpiredListing, error) {
	const query = `
		UPDATE listings
		SET status = 'expired', updated_at = now()
		WHERE status = 'listed' AND NOT deleted AND created_at < $1
		RETURNING id, owner_id, name
	`
	rows, err := tx.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing: expire stale: %w", err)
	}
	defer rows.Close()

	var out []ExpiredListing
	for rows.Next() {
		var rec ExpiredListing
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Name); err != nil {
			return nil, fmt.Errorf("listing: scan expired: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate expired: %w", err)
	}
	return out, nil
}

// AcceptedProposer returns the identity that won the listing, or "" when
// no proposal has been accepted.
func (r *Repository) AcceptedProposer(ctx context.Context, q Querier, listingID string) (string, error) {
	var proposerID string
	err := q.QueryRow(ctx, `SELECT proposer_id FROM proposals WHERE listing_id = $1 AND status = 'accepted'`, listingID).Scan(&proposerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("listing: accepted proposer: %w", err)
	}
	return proposerID, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Listing, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Listing, error) {
	defer rows.Close()
	out := make([]Listing, 0, 16)
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}
	return out, nil
}
