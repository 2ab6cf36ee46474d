package dispute

import (
	"errors"
	"time"
)

// Kind classifies what the reporter claims went wrong.
type Kind string

const (
	// KindViolation is a pre-completion report against a live listing.
	KindViolation Kind = "violation"
	// KindAbsent is a post-completion claim that the item never arrived.
	KindAbsent Kind = "absent"
	// KindMisdescribed is a post-completion claim that the item did not
	// match its listing.
	KindMisdescribed Kind = "misdescribed"
)

// PostCompletion reports whether the kind targets an already settled trade.
func (k Kind) PostCompletion() bool {
	return k == KindAbsent || k == KindMisdescribed
}

// Status tracks the dispute lifecycle. Resolution is terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound         = errors.New("dispute: not found")
	ErrForbidden        = errors.New("dispute: forbidden")
	ErrAlreadyResolved  = errors.New("dispute: already resolved")
	ErrAlreadyOpen      = errors.New("dispute: open dispute already exists")
	ErrNotParty         = errors.New("dispute: reporter is not a party to the trade")
	ErrLowReporterTrust = errors.New("dispute: reporter trust too low")
	ErrBadKind          = errors.New("dispute: kind does not match listing state")
	ErrEmptyEvidence    = errors.New("dispute: evidence required")
)

// MinReporterTrust is the absolute trust floor for raising any dispute.
const MinReporterTrust = 70

// ReporterTrustFloor returns the trust a reporter needs against an accused
// with the given trust. Tracking the accused's score keeps weak accounts
// from griefing strong ones.
func ReporterTrustFloor(accusedTrust int) int {
	floor := accusedTrust - 10
	if floor < MinReporterTrust {
		floor = MinReporterTrust
	}
	return floor
}

// Dispute is a flagged problem against a listing, pre- or post-completion.
// Influence is fixed at raise time: it is the preventive trust debit applied
// to the accused, and the amount restored if the report is declined or
// cancelled.
type Dispute struct {
	ID         string
	ListingID  string
	ReporterID string
	AccusedID  string
	Kind       Kind
	Evidence   string
	ImageRef   string
	Influence  int
	Status     Status
	ResolverID *string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
