package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"exchangehall/test/actors"
	"exchangehall/test/chaos"
	"exchangehall/test/infra"
	"exchangehall/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "randomly terminate database backends while actors run")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestHallConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("EXCHANGE_TEST_PG_DSN") != "":
		dsn = os.Getenv("EXCHANGE_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool, *flConcurrency)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// proposers churning the open slot, acceptors racing to settle
	for i := 0; i < *flConcurrency; i++ {
		proposerID := seedData.buyers[i%len(seedData.buyers)]
		g.Go(func() error {
			return actors.Proposer(ctx2, pool, seedData.listingID, proposerID, stop)
		})
		g.Go(func() error { return actors.Acceptor(ctx2, pool, seedData.listingID, stop) })
	}

	// relister keeps the listing cycling between listed and sold
	g.Go(func() error { return actors.Relister(ctx2, pool, seedData.listingID, stop) })
	// coins shuttle between the seller and the first buyer
	g.Go(func() error { return actors.CoinMover(ctx2, pool, seedData.sellerID, seedData.buyers[0], stop) })
	// trust churn on the seller
	g.Go(func() error { return actors.TrustAdjuster(ctx2, pool, seedData.sellerID, stop) })
	// disputes raised and closed exactly once
	g.Go(func() error {
		return actors.Disputer(ctx2, pool, seedData.listingID, seedData.buyers[0], seedData.sellerID, stop)
	})
	// outbox drains concurrently with enqueues
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	sellerID  string
	buyers    []string
	listingID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, buyers int) seedIDs {
	t.Helper()
	if buyers < 2 {
		buyers = 2
	}
	var s seedIDs
	// seller
	if err := pool.QueryRow(ctx, `INSERT INTO identities (external_id, handle, coins) VALUES ($1,$2,1000) RETURNING id`,
		fmt.Sprintf("ext-seller-%d", rand.Int63()), "coppersmith").Scan(&s.sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	// buyers
	for i := 0; i < buyers; i++ {
		var id string
		if err := pool.QueryRow(ctx, `INSERT INTO identities (external_id, handle, coins) VALUES ($1,$2,500) RETURNING id`,
			fmt.Sprintf("ext-buyer-%d-%d", i, rand.Int63()), fmt.Sprintf("buyer%d", i)).Scan(&id); err != nil {
			t.Fatalf("seed buyer %d: %v", i, err)
		}
		s.buyers = append(s.buyers, id)
	}
	// everyone joins the member group
	for _, id := range append([]string{s.sellerID}, s.buyers...) {
		if _, err := pool.Exec(ctx, `INSERT INTO identity_groups (identity_id, group_id)
                                     SELECT $1, id FROM capability_groups WHERE name='member'
                                     ON CONFLICT DO NOTHING`, id); err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
	// the contested listing
	if err := pool.QueryRow(ctx, `INSERT INTO listings (owner_id, payload, name, description, price, status)
                                   VALUES ($1, $2, 'copper kettle', 'barely used', 120, 'listed') RETURNING id`,
		s.sellerID, []byte("sealed")).Scan(&s.listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"listings", `SELECT id, owner_id, status, price, updated_at FROM listings ORDER BY updated_at DESC LIMIT 50`},
		{"proposals", `SELECT id, listing_id, proposer_id, status, updated_at FROM proposals ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT id, listing_id, status, influence, resolved_at FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
