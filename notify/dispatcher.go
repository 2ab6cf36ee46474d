package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"exchangehall/observe"
)

// Deliverer pushes one notification to its recipient. Implementations talk
// to whatever transport fronts the hall; a returned error leaves the
// message pending for a later attempt.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Store is the queue surface the dispatcher drives.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkOutcome(ctx context.Context, tx pgx.Tx, id int64, delivered bool, maxAttempts int) error
	PendingCount(ctx context.Context) (int, error)
}

// Dispatcher drains the outbox on an interval. Kick short-circuits the
// wait so a fresh enqueue is picked up immediately.
type Dispatcher struct {
	store       Store
	deliverer   Deliverer
	interval    time.Duration
	batchSize   int
	maxAttempts int
	metrics     *observe.Metrics
	log         *zap.Logger
	kick        chan struct{}
}

type DispatcherOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Metrics     *observe.Metrics
	Logger      *zap.Logger
}

func NewDispatcher(store Store, deliverer Deliverer, opts DispatcherOptions) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:       store,
		deliverer:   deliverer,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		kick:        make(chan struct{}, 1),
	}
}

// Kick wakes the dispatcher before the next tick. Safe from any goroutine;
// a pending kick coalesces.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.drain(ctx); err != nil {
			d.log.Warn("outbox drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// drain runs claim passes until the backlog is empty.
func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		n, err := d.deliverBatch(ctx)
		if err != nil {
			return err
		}
		if n < d.batchSize {
			break
		}
	}

	if backlog, err := d.store.PendingCount(ctx); err == nil {
		d.metrics.SetNotifyBacklog(backlog)
	}
	return nil
}

func (d *Dispatcher) deliverBatch(ctx context.Context) (int, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := d.store.ClaimPending(ctx, tx, d.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		err := d.deliverer.Deliver(ctx, msg)
		if err != nil {
			d.log.Warn("delivery failed",
				zap.Int64("message", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err))
			d.metrics.IncrementNotify("failed")
		} else {
			d.metrics.IncrementNotify("sent")
		}
		if err := d.store.MarkOutcome(ctx, tx, msg.ID, err == nil, d.maxAttempts); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit tx: %w", err)
	}
	return len(msgs), nil
}
