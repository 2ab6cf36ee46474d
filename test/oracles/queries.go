package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_proposal",
			SQL: `SELECT listing_id, COUNT(*) FROM proposals
                  WHERE status = 'accepted'
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_sold_has_accepted",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'sold'
                    AND NOT EXISTS (SELECT 1 FROM proposals p WHERE p.listing_id = l.id AND p.status = 'accepted')`,
		},
		{
			Name: "O3_accepted_implies_settled",
			SQL: `SELECT p.id FROM proposals p
                  JOIN listings l ON l.id = p.listing_id
                  WHERE p.status = 'accepted'
                    AND l.status NOT IN ('sold','disputed','violation')`,
		},
		{
			Name: "O4_trust_bounds",
			SQL:  `SELECT id, trust FROM identities WHERE trust < 0 OR trust > 100`,
		},
		{
			Name: "O5_coins_nonnegative",
			SQL:  `SELECT id, coins FROM identities WHERE coins < 0`,
		},
		{
			Name: "O6_outbox_terminal",
			SQL: `SELECT id FROM outbox WHERE status = 'failed' AND attempts < 5
                  UNION ALL
                  SELECT id FROM outbox WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_dispute_resolution_stamp",
			SQL: `SELECT id FROM disputes
                  WHERE (status = 'open') <> (resolved_at IS NULL)`,
		},
		{
			Name: "O8_disputed_listing_has_open_dispute",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.listing_id = l.id AND d.resolved_at IS NULL)`,
		},
		{
			Name: "O9_audit_participants_linked",
			SQL: `SELECT p.entry_id FROM audit_participants p
                  LEFT JOIN audit_entries e ON e.id = p.entry_id
                  WHERE e.id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
