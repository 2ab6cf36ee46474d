package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BlockChecker answers whether either party blocks the other.
type BlockChecker interface {
	BlockedEither(ctx context.Context, a, b string) (bool, error)
}

// Thread links two identities for anonymous message relay around a trade.
type Thread struct {
	ID        string
	AID       string
	BID       string
	CreatedAt time.Time
}

// Threads is the relay registry, scoped to the service instance. The block
// barrier is enforced both when a thread opens and on every relayed message,
// so a block placed mid-conversation cuts the thread immediately.
type Threads struct {
	mu     sync.Mutex
	blocks BlockChecker
	byID   map[string]Thread
}

func NewThreads(blocks BlockChecker) *Threads {
	return &Threads{blocks: blocks, byID: make(map[string]Thread)}
}

// Open links two identities, reusing an existing live thread for the pair.
func (t *Threads) Open(ctx context.Context, a, b string) (Thread, error) {
	blocked, err := t.blocks.BlockedEither(ctx, a, b)
	if err != nil {
		return Thread{}, err
	}
	if blocked {
		return Thread{}, ErrThreadBlocked
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, th := range t.byID {
		if (th.AID == a && th.BID == b) || (th.AID == b && th.BID == a) {
			return th, nil
		}
	}

	th := Thread{
		ID:        uuid.NewString(),
		AID:       a,
		BID:       b,
		CreatedAt: time.Now().UTC(),
	}
	t.byID[th.ID] = th
	return th, nil
}

// Relay resolves the counterpart for a message from sender on the thread,
// re-checking the block barrier.
func (t *Threads) Relay(ctx context.Context, threadID, senderID string) (string, error) {
	t.mu.Lock()
	th, ok := t.byID[threadID]
	t.mu.Unlock()
	if !ok {
		return "", ErrThreadClosed
	}

	var recipient string
	switch senderID {
	case th.AID:
		recipient = th.BID
	case th.BID:
		recipient = th.AID
	default:
		return "", ErrThreadClosed
	}

	blocked, err := t.blocks.BlockedEither(ctx, th.AID, th.BID)
	if err != nil {
		return "", err
	}
	if blocked {
		t.Close(threadID)
		return "", ErrThreadBlocked
	}
	return recipient, nil
}

// Close drops a thread.
func (t *Threads) Close(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, threadID)
}

// ClosePair drops any thread linking the two identities. Placing a block
// calls this so the pair cannot keep talking through an open thread.
func (t *Threads) ClosePair(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, th := range t.byID {
		if (th.AID == a && th.BID == b) || (th.AID == b && th.BID == a) {
			delete(t.byID, id)
		}
	}
}

// CloseForIdentity drops every thread touching the identity, for bans.
func (t *Threads) CloseForIdentity(identityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, th := range t.byID {
		if th.AID == identityID || th.BID == identityID {
			delete(t.byID, id)
		}
	}
}
