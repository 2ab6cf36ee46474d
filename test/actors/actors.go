package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Proposer keeps an open proposal on the listing, withdrawing and
// re-proposing to churn the open-proposal slot.
func Proposer(ctx context.Context, pool *pgxpool.Pool, listingID, proposerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO proposals (listing_id, proposer_id, offered, status)
                                   VALUES ($1,$2,'a crate of apples','open')`, listingID, proposerID)
		if err != nil {
			if uniqueViolation(err) {
				// expected under contention: the open slot is taken
			} else {
				return fmt.Errorf("proposer insert: %w", err)
			}
		}
		if rand.Intn(3) == 0 {
			_, _ = pool.Exec(ctx, `UPDATE proposals SET status='declined', updated_at=now()
                                    WHERE listing_id=$1 AND proposer_id=$2 AND status='open'`, listingID, proposerID)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Acceptor races to settle the listing: lock the row, accept one open
// proposal, decline the rest and mark the listing sold, all in one
// transaction. The partial unique index is the backstop when two
// acceptors collide.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, listingID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := acceptOnce(ctx, pool, listingID)
		if err != nil && !uniqueViolation(err) && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("acceptor: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func acceptOnce(ctx context.Context, pool *pgxpool.Pool, listingID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM listings WHERE id=$1 FOR UPDATE`, listingID).Scan(&status); err != nil {
		return err
	}
	if status != "listed" {
		return nil
	}

	var propID, proposerID string
	err = tx.QueryRow(ctx, `SELECT id, proposer_id FROM proposals WHERE listing_id=$1 AND status='open' LIMIT 1`, listingID).
		Scan(&propID, &proposerID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE proposals SET status='accepted', updated_at=now() WHERE id=$1 AND status='open'`, propID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE proposals SET status='declined', updated_at=now() WHERE listing_id=$1 AND status='open' AND id <> $2`, listingID, propID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE listings SET status='sold', updated_at=now() WHERE id=$1 AND status='listed'`, listingID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (recipient_id, topic, payload)
                               VALUES ($1,'proposal.accepted', jsonb_build_object('listing_id',$2::text))`, proposerID, listingID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Relister reopens a sold listing so acceptors always have something to
// fight over. Accepted proposals are retired first to keep the
// sold-implies-accepted pairing intact.
func Relister(ctx context.Context, pool *pgxpool.Pool, listingID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM listings WHERE id=$1 FOR UPDATE`, listingID).Scan(&status)
		if err == nil && status == "sold" {
			var open int
			_ = tx.QueryRow(ctx, `SELECT count(*) FROM disputes WHERE listing_id=$1 AND resolved_at IS NULL`, listingID).Scan(&open)
			if open == 0 {
				_, _ = tx.Exec(ctx, `UPDATE proposals SET status='declined', updated_at=now() WHERE listing_id=$1 AND status='accepted'`, listingID)
				_, _ = tx.Exec(ctx, `UPDATE listings SET status='listed', updated_at=now() WHERE id=$1 AND status='sold'`, listingID)
			}
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(150+rand.Intn(100)) * time.Millisecond)
	}
}

// CoinMover shuttles coins between two identities with a guarded debit so
// a balance can never go negative.
func CoinMover(ctx context.Context, pool *pgxpool.Pool, a, b string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		from, to := a, b
		if rand.Intn(2) == 0 {
			from, to = b, a
		}
		amount := int64(1 + rand.Intn(50))

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE identities SET coins = coins - $2, updated_at=now()
                                   WHERE id=$1 AND coins >= $2`, from, amount)
		if err == nil && tag.RowsAffected() == 1 {
			_, err = tx.Exec(ctx, `UPDATE identities SET coins = coins + $2, updated_at=now() WHERE id=$1`, to, amount)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("coin mover: %w", err)
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// TrustAdjuster applies random clamped trust deltas the way settlement
// does.
func TrustAdjuster(ctx context.Context, pool *pgxpool.Pool, identityID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		delta := rand.Intn(21) - 10
		_, err := pool.Exec(ctx, `UPDATE identities
                                   SET trust = LEAST(100, GREATEST(0, trust + $2)), updated_at=now()
                                   WHERE id=$1`, identityID, delta)
		if err != nil {
			return fmt.Errorf("trust adjuster: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Disputer raises disputes against the accused and resolves them
// exactly once via the status-guarded close.
func Disputer(ctx context.Context, pool *pgxpool.Pool, listingID, reporterID, accusedID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var dispID string
		_ = pool.QueryRow(ctx, `INSERT INTO disputes (listing_id, reporter_id, accused_id, kind, evidence, influence)
                                 SELECT $1,$2,$3,'misdescribed','the kettle was tin, not copper',10
                                 WHERE NOT EXISTS (SELECT 1 FROM disputes WHERE listing_id=$1 AND reporter_id=$2 AND resolved_at IS NULL)
                                 RETURNING id`, listingID, reporterID, accusedID).Scan(&dispID)
		if dispID != "" {
			outcome := "declined"
			if rand.Intn(2) == 0 {
				outcome = "accepted"
			}
			_, _ = pool.Exec(ctx, `UPDATE disputes SET status=$2, resolver_id=$3, resolved_at=now()
                                    WHERE id=$1 AND status='open'`, dispID, outcome, accusedID)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED,
// marking them sent or failed after the retry ceiling.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1,
                                      status = CASE WHEN attempts + 1 >= 5 THEN 'failed' ELSE 'pending' END
                                      WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='sent', attempts = attempts + 1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
