// Package exchange implements proposals against listings and their
// settlement: auto-acceptance, owner review, coin purchases and the
// exactly-one-accepted invariant.
package exchange

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusDisputed Status = "disputed"
)

var (
	ErrNotFound           = errors.New("exchange: not found")
	ErrForbidden          = errors.New("exchange: forbidden")
	ErrStale              = errors.New("exchange: no longer available")
	ErrListingUnavailable = errors.New("exchange: listing unavailable")
	ErrSelfExchange       = errors.New("exchange: cannot trade with yourself")
	ErrNotPurchasable     = errors.New("exchange: listing has no purchase price")
	ErrNeedsProposal      = errors.New("exchange: listing requires owner review")
	ErrEmptyOffer         = errors.New("exchange: empty offer")
	ErrAlreadyProposed    = errors.New("exchange: open proposal already exists")
)

// Proposal is a counter-offer against a listing. Coins is zero for
// item-for-item exchanges and carries the purchase price otherwise.
type Proposal struct {
	ID         string
	ListingID  string
	ProposerID string
	Offered    string
	Message    string
	Coins      int64
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
