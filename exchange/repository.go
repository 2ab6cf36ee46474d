package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const proposalColumns = `id, listing_id, proposer_id, offered, message, coins, status::text, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var rec Proposal
	err := row.Scan(&rec.ID, &rec.ListingID, &rec.ProposerID, &rec.Offered, &rec.Message,
		&rec.Coins, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

type InsertParams struct {
	ListingID  string
	ProposerID string
	Offered    string
	Message    string
	Coins      int64
	Status     Status
}

// Insert adds a proposal. Inserting directly in the accepted state is how
// auto-settlement claims the listing; the partial unique index on accepted
// proposals turns a lost race into ErrStale.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Proposal, error) {
	const query = `
		INSERT INTO proposals (listing_id, proposer_id, offered, message, coins, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + proposalColumns + `
	`
	rec, err := scanProposal(tx.QueryRow(ctx, query,
		params.ListingID, params.ProposerID, params.Offered, params.Message, params.Coins, params.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Proposal{}, ErrStale
		}
		return Proposal{}, fmt.Errorf("exchange: insert: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Proposal, error) {
	rec, err := scanProposal(r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("exchange: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	rec, err := scanProposal(tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("exchange: lock: %w", err)
	}
	return rec, nil
}

// Advance moves an open proposal to its terminal state. Returns ErrStale
// when the proposal already left the open state, so a lost acceptance race
// surfaces instead of double-applying.
func (r *Repository) Advance(ctx context.Context, tx pgx.Tx, id string, to Status) (Proposal, error) {
	const query = `
		UPDATE proposals
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + proposalColumns + `
	`
	rec, err := scanProposal(tx.QueryRow(ctx, query, id, to))
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, ErrStale
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Proposal{}, ErrStale
	}
	return Proposal{}, fmt.Errorf("exchange: advance: %w", err)
}

// DeclineOpenSiblings closes every other open proposal on the listing and
// returns their proposers for notification.
func (r *Repository) DeclineOpenSiblings(ctx context.Context, tx pgx.Tx, listingID, exceptID string) ([]string, error) {
	const query = `
		UPDATE proposals
		SET status = 'declined', updated_at = now()
		WHERE listing_id = $1 AND id <> $2 AND status = 'open'
		RETURNING proposer_id
	`
	rows, err := tx.Query(ctx, query, listingID, exceptID)
	if err != nil {
		return nil, fmt.Errorf("exchange: decline siblings: %w", err)
	}
	defer rows.Close()

	var proposers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("exchange: scan sibling: %w", err)
		}
		proposers = append(proposers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate siblings: %w", err)
	}
	return proposers, nil
}

func (r *Repository) ListForListing(ctx context.Context, listingID string) ([]Proposal, error) {
	const query = `
		SELECT ` + proposalColumns + `
		FROM proposals
		WHERE listing_id = $1
		ORDER BY created_at
	`
	return r.list(ctx, query, listingID)
}

func (r *Repository) ListByProposer(ctx context.Context, proposerID string) ([]Proposal, error) {
	const query = `
		SELECT ` + proposalColumns + `
		FROM proposals
		WHERE proposer_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, proposerID)
}

// HasOpenBetween reports whether the proposer already has an open proposal
// on the listing.
func (r *Repository) HasOpenBetween(ctx context.Context, listingID, proposerID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM proposals
			WHERE listing_id = $1 AND proposer_id = $2 AND status = 'open'
		)
	`
	var open bool
	if err := r.pool.QueryRow(ctx, query, listingID, proposerID).Scan(&open); err != nil {
		return false, fmt.Errorf("exchange: check open proposal: %w", err)
	}
	return open, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Proposal, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange: list: %w", err)
	}
	defer rows.Close()

	out := make([]Proposal, 0, 8)
	for rows.Next() {
		rec, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("exchange: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate: %w", err)
	}
	return out, nil
}
