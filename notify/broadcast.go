package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"exchangehall/audit"
	"exchangehall/capability"
)

// RecipientDirectory lists identities that accept notifications.
type RecipientDirectory interface {
	RecipientIDs(ctx context.Context) ([]string, error)
}

// BroadcastAuthorizer checks the actor holds the broadcast field.
type BroadcastAuthorizer interface {
	RequireField(ctx context.Context, identityID, field string) error
}

// Waker is poked after a broadcast commits so delivery starts without
// waiting for the next poll tick.
type Waker interface {
	Kick()
}

// BroadcastQueue is the outbox surface a broadcast writes through.
type BroadcastQueue interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Enqueue(ctx context.Context, tx pgx.Tx, recipientID, topic string, payload map[string]any) error
}

// Broadcaster fans an admin announcement out to every reachable identity
// through the outbox.
type Broadcaster struct {
	queue      BroadcastQueue
	recipients RecipientDirectory
	authz      BroadcastAuthorizer
	audit      audit.Writer
	waker      Waker
	log        *zap.Logger
}

type BroadcasterDeps struct {
	Queue      BroadcastQueue
	Recipients RecipientDirectory
	Authz      BroadcastAuthorizer
	Audit      audit.Writer
	Waker      Waker
	Logger     *zap.Logger
}

func NewBroadcaster(deps BroadcasterDeps) *Broadcaster {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Broadcaster{
		queue:      deps.Queue,
		recipients: deps.Recipients,
		authz:      deps.Authz,
		audit:      deps.Audit,
		waker:      deps.Waker,
		log:        deps.Logger,
	}
}

// Broadcast enqueues the text for every reachable identity and returns the
// recipient count. All rows commit together.
func (b *Broadcaster) Broadcast(ctx context.Context, actorID, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("notify: empty broadcast")
	}
	if err := b.authz.RequireField(ctx, actorID, capability.FieldBroadcast); err != nil {
		return 0, err
	}

	ids, err := b.recipients.RecipientIDs(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := b.queue.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		if err := b.enqueueOne(ctx, tx, id, actorID, text); err != nil {
			return 0, err
		}
	}

	if err := b.audit.Append(ctx, tx, actorID, "admin.broadcast", fmt.Sprintf("%d recipients", len(ids))); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit tx: %w", err)
	}

	if b.waker != nil {
		b.waker.Kick()
	}
	b.log.Info("broadcast queued", zap.String("actor", actorID), zap.Int("recipients", len(ids)))
	return len(ids), nil
}

func (b *Broadcaster) enqueueOne(ctx context.Context, tx pgx.Tx, recipientID, actorID, text string) error {
	return b.queue.Enqueue(ctx, tx, recipientID, "admin.broadcast", map[string]any{
		"text": text,
		"from": actorID,
	})
}
