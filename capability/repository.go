package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx. Read
// helpers take it so authority checks can run against the pool or inside
// a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// FieldDenied reports whether an active restriction denies the field for
// the identity. A restriction on the wildcard field denies everything.
func (r *Repository) FieldDenied(ctx context.Context, q Querier, identityID, field string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM restriction_fields rf
			JOIN restrictions rn ON rn.id = rf.restriction_id
			WHERE rn.identity_id = $1
			  AND NOT rn.lifted
			  AND (rn.expires_at IS NULL OR rn.expires_at > now())
			  AND rf.field_name IN ($2, $3)
		)
	`
	var denied bool
	if err := q.QueryRow(ctx, query, identityID, field, FieldAll).Scan(&denied); err != nil {
		return false, fmt.Errorf("capability: check denial: %w", err)
	}
	return denied, nil
}

// FieldGranted reports whether any of the identity's groups carries the
// field or the wildcard.
func (r *Repository) FieldGranted(ctx context.Context, q Querier, identityID, field string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM identity_groups ig
			JOIN group_fields gf ON gf.group_id = ig.group_id
			WHERE ig.identity_id = $1
			  AND gf.field_name IN ($2, $3)
		)
	`
	var granted bool
	if err := q.QueryRow(ctx, query, identityID, field, FieldAll).Scan(&granted); err != nil {
		return false, fmt.Errorf("capability: check grant: %w", err)
	}
	return granted, nil
}

func (r *Repository) GroupByName(ctx context.Context, q Querier, name string) (Group, error) {
	const query = `
		SELECT g.id, g.name, g.created_at,
		       COALESCE(array_agg(gf.field_name) FILTER (WHERE gf.field_name IS NOT NULL), '{}')
		FROM capability_groups g
		LEFT JOIN group_fields gf ON gf.group_id = g.id
		WHERE g.name = $1
		GROUP BY g.id
	`
	var g Group
	err := q.QueryRow(ctx, query, name).Scan(&g.ID, &g.Name, &g.CreatedAt, &g.Fields)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrGroupNotFound
		}
		return Group{}, fmt.Errorf("capability: get group: %w", err)
	}
	return g, nil
}

// LockGroup locks the group row for the rest of the transaction and
// returns the current holder count. Bootstrap relies on this to keep the
// seat count race-free.
func (r *Repository) LockGroup(ctx context.Context, tx pgx.Tx, groupID string) (int, error) {
	if _, err := tx.Exec(ctx, `SELECT 1 FROM capability_groups WHERE id = $1 FOR UPDATE`, groupID); err != nil {
		return 0, fmt.Errorf("capability: lock group: %w", err)
	}
	var holders int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM identity_groups WHERE group_id = $1`, groupID).Scan(&holders); err != nil {
		return 0, fmt.Errorf("capability: count holders: %w", err)
	}
	return holders, nil
}

func (r *Repository) InsertMembership(ctx context.Context, tx pgx.Tx, identityID, groupID string) error {
	_, err := tx.Exec(ctx, `INSERT INTO identity_groups (identity_id, group_id) VALUES ($1, $2)`, identityID, groupID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyMember
		}
		return fmt.Errorf("capability: insert membership: %w", err)
	}
	return nil
}

func (r *Repository) DeleteMembership(ctx context.Context, tx pgx.Tx, identityID, groupID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM identity_groups WHERE identity_id = $1 AND group_id = $2`, identityID, groupID)
	if err != nil {
		return fmt.Errorf("capability: delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// InsertGroupField registers the field name if new and attaches it to the
// group. Attaching an already present field is a no-op.
func (r *Repository) InsertGroupField(ctx context.Context, tx pgx.Tx, groupID, field string) error {
	if _, err := tx.Exec(ctx, `INSERT INTO fields (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, field); err != nil {
		return fmt.Errorf("capability: register field: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO group_fields (group_id, field_name) VALUES ($1, $2)
		ON CONFLICT (group_id, field_name) DO NOTHING
	`, groupID, field); err != nil {
		return fmt.Errorf("capability: attach field: %w", err)
	}
	return nil
}

func (r *Repository) DeleteGroupField(ctx context.Context, tx pgx.Tx, groupID, field string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM group_fields WHERE group_id = $1 AND field_name = $2`, groupID, field)
	if err != nil {
		return fmt.Errorf("capability: detach field: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFieldNotFound
	}
	return nil
}

type InsertRestrictionParams struct {
	IdentityID string
	IssuedBy   string
	Fields     []string
	ExpiresAt  *time.Time
}

func (r *Repository) InsertRestriction(ctx context.Context, tx pgx.Tx, params InsertRestrictionParams) (Restriction, error) {
	const insertSQL = `
		INSERT INTO restrictions (identity_id, issued_by, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	rec := Restriction{
		IdentityID: params.IdentityID,
		IssuedBy:   params.IssuedBy,
		Fields:     params.Fields,
		ExpiresAt:  params.ExpiresAt,
	}
	err := tx.QueryRow(ctx, insertSQL, params.IdentityID, params.IssuedBy, params.ExpiresAt).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Restriction{}, fmt.Errorf("capability: insert restriction: %w", err)
	}

	for _, field := range params.Fields {
		if _, err := tx.Exec(ctx, `INSERT INTO fields (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, field); err != nil {
			return Restriction{}, fmt.Errorf("capability: register field: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO restriction_fields (restriction_id, field_name) VALUES ($1, $2)`, rec.ID, field); err != nil {
			return Restriction{}, fmt.Errorf("capability: attach restriction field: %w", err)
		}
	}
	return rec, nil
}

// LiftRestrictions marks every active restriction for the identity as
// lifted and returns how many were affected.
func (r *Repository) LiftRestrictions(ctx context.Context, tx pgx.Tx, identityID string) (int64, error) {
	const query = `
		UPDATE restrictions
		SET lifted = TRUE
		WHERE identity_id = $1
		  AND NOT lifted
		  AND (expires_at IS NULL OR expires_at > now())
	`
	tag, err := tx.Exec(ctx, query, identityID)
	if err != nil {
		return 0, fmt.Errorf("capability: lift restrictions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) ActiveRestrictions(ctx context.Context, q Querier, identityID string) ([]Restriction, error) {
	const query = `
		SELECT rn.id, rn.identity_id, rn.issued_by, rn.expires_at, rn.lifted, rn.created_at,
		       COALESCE(array_agg(rf.field_name) FILTER (WHERE rf.field_name IS NOT NULL), '{}')
		FROM restrictions rn
		LEFT JOIN restriction_fields rf ON rf.restriction_id = rn.id
		WHERE rn.identity_id = $1
		  AND NOT rn.lifted
		  AND (rn.expires_at IS NULL OR rn.expires_at > now())
		GROUP BY rn.id
		ORDER BY rn.created_at DESC
	`
	rows, err := q.Query(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("capability: list restrictions: %w", err)
	}
	defer rows.Close()

	out := make([]Restriction, 0, 4)
	for rows.Next() {
		var rec Restriction
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &rec.IssuedBy, &rec.ExpiresAt, &rec.Lifted, &rec.CreatedAt, &rec.Fields); err != nil {
			return nil, fmt.Errorf("capability: scan restriction: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capability: iterate restrictions: %w", err)
	}
	return out, nil
}
