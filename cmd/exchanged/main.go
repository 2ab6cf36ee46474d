// Command exchanged runs the exchange hall daemon: the transactional core,
// the notification outbox dispatcher, the stale-listing sweep and the
// prometheus endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exchangehall/audit"
	"exchangehall/capability"
	"exchangehall/config"
	"exchangehall/conversation"
	"exchangehall/db"
	"exchangehall/dispute"
	"exchangehall/exchange"
	"exchangehall/gate"
	"exchangehall/identity"
	"exchangehall/listing"
	"exchangehall/notify"
	"exchangehall/observe"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fallbackExit("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fallbackExit("validate config", err)
	}

	logger, err := observe.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fallbackExit("build logger", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
	logger.Info("daemon stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := db.NewPool(ctx, cfg.Database.DSN, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	sealKey, err := cfg.SealingKey()
	if err != nil {
		return err
	}

	metrics := observe.New()
	recorder := audit.NewRecorder()
	queue := notify.NewQueue(pool)

	capSvc := capability.NewService(pool, nil, recorder, logger.Named("capability"))

	idRepo := identity.NewRepository(pool)
	idSvc := identity.NewService(pool, idRepo, capSvc, recorder, logger.Named("identity"))

	listRepo := listing.NewRepository(pool)
	listSvc := listing.NewService(listing.ServiceDeps{
		Pool:     pool,
		Querier:  pool,
		Repo:     listRepo,
		IDs:      idSvc,
		Balances: idRepo,
		Authz:    capSvc,
		Audit:    recorder,
		Outbox:   queue,
		Sealer:   listing.NewSealer(sealKey),
		Logger:   logger.Named("listing"),
	})

	exchSvc := exchange.NewService(exchange.ServiceDeps{
		Pool:     pool,
		Repo:     exchange.NewRepository(pool),
		Listings: listRepo,
		Balances: idRepo,
		Blocks:   idSvc,
		Authz:    capSvc,
		Audit:    recorder,
		Outbox:   queue,
		Metrics:  metrics,
		Logger:   logger.Named("exchange"),
	})

	dispSvc := dispute.NewService(dispute.ServiceDeps{
		Pool:     pool,
		Repo:     dispute.NewRepository(pool),
		Listings: listRepo,
		Balances: idRepo,
		IDs:      idSvc,
		Authz:    capSvc,
		Audit:    recorder,
		Outbox:   queue,
		Metrics:  metrics,
		Logger:   logger.Named("dispute"),
	})

	dispatcher := notify.NewDispatcher(queue, notify.NewLogDeliverer(logger.Named("notify")), notify.DispatcherOptions{
		Interval:    cfg.Dispatcher.PollInterval,
		BatchSize:   cfg.Dispatcher.BatchSize,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		Metrics:     metrics,
		Logger:      logger.Named("notify"),
	})

	broadcaster := notify.NewBroadcaster(notify.BroadcasterDeps{
		Queue:      queue,
		Recipients: idRepo,
		Authz:      capSvc,
		Audit:      recorder,
		Waker:      dispatcher,
		Logger:     logger.Named("notify"),
	})

	router := gate.NewRouter(gate.RouterDeps{
		Listings:   listSvc,
		Exchanges:  exchSvc,
		Disputes:   dispSvc,
		Restrict:   capSvc,
		Broadcasts: broadcaster,
		Handles:    idSvc,
	})

	wizards := conversation.NewController(conversation.ControllerDeps{
		Dispatcher: router,
		PriceCaps:  listSvc,
		Logger:     logger.Named("conversation"),
	})

	threads := conversation.NewThreads(idSvc)

	gateway := gate.New(gate.Deps{
		IDs:     idSvc,
		Caps:    capSvc,
		Wizards: wizards,
		Relays:  threads,
		Blocks:  idSvc,
		Tokens:  gate.NewTokenIssuer(cfg.Tokens.Secret, cfg.Tokens.TTL, cfg.Tokens.Issuer),
		Metrics: metrics,
		Logger:  logger.Named("gate"),
	})
	// The chat transport adapter is the gate's consumer; none is linked
	// into this binary yet, so only the background loops run below.
	_ = gateway
	logger.Info("command gate ready",
		zap.String("issuer", cfg.Tokens.Issuer),
		zap.Duration("token_ttl", cfg.Tokens.TTL))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCancel(dispatcher.Run(ctx))
	})
	g.Go(func() error {
		return observe.Serve(ctx, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		return runSweeper(ctx, listSvc, cfg.Listings.SweepInterval, cfg.Listings.MaxAge, logger.Named("sweep"))
	})

	return g.Wait()
}

// staleSweeper is the slice of the listing layer the sweep loop drives.
type staleSweeper interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// runSweeper expires overdue listings on an interval until ctx is
// cancelled.
func runSweeper(ctx context.Context, sweeper staleSweeper, interval, maxAge time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := sweeper.ExpireStale(ctx, maxAge)
		if err != nil {
			log.Warn("expiry sweep failed", zap.Error(err))
			continue
		}
		if n > 0 {
			log.Info("expired stale listings", zap.Int("count", n))
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func fallbackExit(stage string, err error) {
	os.Stderr.WriteString(stage + ": " + err.Error() + "\n")
	os.Exit(1)
}
