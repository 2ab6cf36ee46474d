// Package identity manages marketplace participants: their balances,
// profile toggles, block lists and bans.
package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

var (
	ErrNotFound          = errors.New("identity: not found")
	ErrBanned            = errors.New("identity: banned")
	ErrAlreadyBlocked    = errors.New("identity: already blocked")
	ErrNotBlocked        = errors.New("identity: not blocked")
	ErrSelfReference     = errors.New("identity: cannot target self")
	ErrInsufficientCoins = errors.New("identity: insufficient coins")
)

// Identity is one marketplace participant. Trust moves in [0,100]; coins
// never go negative.
type Identity struct {
	ID          string
	ExternalID  string
	Handle      string
	Coins       int64
	Trust       int
	ChatEnabled bool
	Anonymous   bool
	Banned      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DisplayHandle is the handle shown to other participants. Anonymous
// identities get a stable pseudonym derived from their id, so the same
// participant stays recognizable within a conversation without exposing
// who they are.
func (i Identity) DisplayHandle() string {
	if i.Anonymous {
		h := fnv.New32a()
		h.Write([]byte(i.ID))
		return fmt.Sprintf("trader-%04x", h.Sum32()&0xffff)
	}
	return i.Handle
}
