package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const identityColumns = `id, external_id, handle, coins, trust, chat_enabled, anonymous, banned, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanIdentity(row pgx.Row) (Identity, error) {
	var rec Identity
	err := row.Scan(&rec.ID, &rec.ExternalID, &rec.Handle, &rec.Coins, &rec.Trust,
		&rec.ChatEnabled, &rec.Anonymous, &rec.Banned, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (r *Repository) Get(ctx context.Context, id string) (Identity, error) {
	rec, err := scanIdentity(r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByExternal(ctx context.Context, externalID string) (Identity, error) {
	rec, err := scanIdentity(r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: get by external: %w", err)
	}
	return rec, nil
}

// Upsert creates the identity on first contact and refreshes the handle on
// later ones. Created reports whether a new row was inserted.
func (r *Repository) Upsert(ctx context.Context, tx pgx.Tx, externalID, handle string) (rec Identity, created bool, err error) {
	const query = `
		INSERT INTO identities (external_id, handle)
		VALUES ($1, $2)
		ON CONFLICT (external_id) DO UPDATE
		SET handle = EXCLUDED.handle, updated_at = now()
		RETURNING ` + identityColumns + `, (xmax = 0)
	`
	err = tx.QueryRow(ctx, query, externalID, handle).Scan(
		&rec.ID, &rec.ExternalID, &rec.Handle, &rec.Coins, &rec.Trust,
		&rec.ChatEnabled, &rec.Anonymous, &rec.Banned, &rec.CreatedAt, &rec.UpdatedAt, &created)
	if err != nil {
		return Identity{}, false, fmt.Errorf("identity: upsert: %w", err)
	}
	return rec, created, nil
}

// AssignDefaultGroup puts a fresh identity into the named capability group.
func (r *Repository) AssignDefaultGroup(ctx context.Context, tx pgx.Tx, identityID, groupName string) error {
	const query = `
		INSERT INTO identity_groups (identity_id, group_id)
		SELECT $1, id FROM capability_groups WHERE name = $2
		ON CONFLICT DO NOTHING
	`
	if _, err := tx.Exec(ctx, query, identityID, groupName); err != nil {
		return fmt.Errorf("identity: assign default group: %w", err)
	}
	return nil
}

func (r *Repository) SetChatEnabled(ctx context.Context, id string, enabled bool) error {
	return r.setFlag(ctx, id, "chat_enabled", enabled)
}

func (r *Repository) SetAnonymous(ctx context.Context, id string, anonymous bool) error {
	return r.setFlag(ctx, id, "anonymous", anonymous)
}

func (r *Repository) setFlag(ctx context.Context, id, column string, value bool) error {
	query := fmt.Sprintf(`UPDATE identities SET %s = $2, updated_at = now() WHERE id = $1`, column)
	tag, err := r.pool.Exec(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("identity: set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetBanned(ctx context.Context, tx pgx.Tx, id string, banned bool) error {
	tag, err := tx.Exec(ctx, `UPDATE identities SET banned = $2, updated_at = now() WHERE id = $1`, id, banned)
	if err != nil {
		return fmt.Errorf("identity: set banned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) InsertBlock(ctx context.Context, ownerID, blockedID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO blocks (owner_id, blocked_id) VALUES ($1, $2)`, ownerID, blockedID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyBlocked
		}
		return fmt.Errorf("identity: insert block: %w", err)
	}
	return nil
}

func (r *Repository) DeleteBlock(ctx context.Context, ownerID, blockedID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM blocks WHERE owner_id = $1 AND blocked_id = $2`, ownerID, blockedID)
	if err != nil {
		return fmt.Errorf("identity: delete block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotBlocked
	}
	return nil
}

// BlockedEither reports whether either identity blocks the other.
func (r *Repository) BlockedEither(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (owner_id = $1 AND blocked_id = $2)
			   OR (owner_id = $2 AND blocked_id = $1)
		)
	`
	var blocked bool
	if err := r.pool.QueryRow(ctx, query, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("identity: check block: %w", err)
	}
	return blocked, nil
}

func (r *Repository) ListBlocked(ctx context.Context, ownerID string) ([]Identity, error) {
	const query = `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE id IN (SELECT blocked_id FROM blocks WHERE owner_id = $1)
		ORDER BY handle
	`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("identity: list blocked: %w", err)
	}
	defer rows.Close()

	out := make([]Identity, 0, 8)
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("identity: scan blocked: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate blocked: %w", err)
	}
	return out, nil
}

// HandlesForSearch returns a handle to id mapping over unbanned identities,
// feeding the fuzzy handle resolver.
func (r *Repository) HandlesForSearch(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT handle, id FROM identities WHERE NOT banned`)
	if err != nil {
		return nil, fmt.Errorf("identity: handles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var handle, id string
		if err := rows.Scan(&handle, &id); err != nil {
			return nil, fmt.Errorf("identity: scan handle: %w", err)
		}
		out[handle] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate handles: %w", err)
	}
	return out, nil
}

// RecipientIDs returns every identity that can receive notifications.
func (r *Repository) RecipientIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM identities WHERE chat_enabled AND NOT banned`)
	if err != nil {
		return nil, fmt.Errorf("identity: recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("identity: scan recipient: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: iterate recipients: %w", err)
	}
	return out, nil
}

// LockBalances locks the identity row for the rest of the transaction.
// Settlement flows use it before adjusting trust or coins.
func (r *Repository) LockBalances(ctx context.Context, tx pgx.Tx, id string) (Identity, error) {
	rec, err := scanIdentity(tx.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: lock balances: %w", err)
	}
	return rec, nil
}

// AdjustBalances applies trust and coin deltas with clamping at the
// database level. Trust stays in [0,100]; coins floor at zero.
func (r *Repository) AdjustBalances(ctx context.Context, tx pgx.Tx, id string, trustDelta int, coinDelta int64) (Identity, error) {
	const query = `
		UPDATE identities
		SET trust = LEAST(100, GREATEST(0, trust + $2)),
		    coins = GREATEST(0, coins + $3),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + identityColumns + `
	`
	rec, err := scanIdentity(tx.QueryRow(ctx, query, id, trustDelta, coinDelta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("identity: adjust balances: %w", err)
	}
	return rec, nil
}

// SpendCoins debits an exact amount or fails without touching the row.
func (r *Repository) SpendCoins(ctx context.Context, tx pgx.Tx, id string, amount int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE identities SET coins = coins - $2, updated_at = now()
		WHERE id = $1 AND coins >= $2
	`, id, amount)
	if err != nil {
		return fmt.Errorf("identity: spend coins: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCoins
	}
	return nil
}
