// Package listing implements the offered-item side of the ledger: creation
// with economic guards, the review queue, publication toggling and feeds.
package listing

import (
	"errors"
	"regexp"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusListed      Status = "listed"
	StatusSold        Status = "sold"
	StatusExpired     Status = "expired"
	StatusDisputed    Status = "disputed"
	StatusViolation   Status = "violation"
)

// Closed reports whether the listing has left the active marketplace.
// Disputed counts: once a resolution marks a trade disputed the listing
// never returns to the shelf.
func (s Status) Closed() bool {
	switch s {
	case StatusSold, StatusExpired, StatusDisputed, StatusViolation:
		return true
	}
	return false
}

const (
	MaxNameLen        = 20
	MaxDescriptionLen = 100
	MaxListedPerOwner = 5
	MinCreationTrust  = 60
	// ReviewTrustFloor is the trust above which a lister skips the review
	// queue for plain-text listings.
	ReviewTrustFloor = 90
	// PublicFeedTrustFloor hides listings from sellers whose trust has
	// sunk below it. The listings stay live and the owner can still trade
	// them through direct proposals.
	PublicFeedTrustFloor = 70
)

var (
	ErrNotFound        = errors.New("listing: not found")
	ErrForbidden       = errors.New("listing: forbidden")
	ErrBadStatus       = errors.New("listing: invalid status transition")
	ErrNameTooLong     = errors.New("listing: name too long")
	ErrDescTooLong     = errors.New("listing: description too long")
	ErrEmptyName       = errors.New("listing: empty name")
	ErrEmptyPayload    = errors.New("listing: empty item payload")
	ErrNegativePrice   = errors.New("listing: negative price")
	ErrPriceCap        = errors.New("listing: price exceeds trust-gated cap")
	ErrLowTrust        = errors.New("listing: trust too low to create listings")
	ErrListedCapacity  = errors.New("listing: too many published listings")
	ErrOpenDispute     = errors.New("listing: open dispute blocks deletion")
	ErrNotClosed       = errors.New("listing: only closed listings can be deleted")
	ErrPayloadSealed   = errors.New("listing: payload not available before completion")
)

// Listing is one offered item. Payload holds the sealed secret content and
// is revealed only to the owner and, after completion, the buyer.
type Listing struct {
	ID          string
	OwnerID     string
	Payload     []byte
	Name        string
	Description string
	ImageRef    string
	Desired     string
	Price       int64
	Revision    bool
	AvailableAt time.Time
	Status      Status
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var urlPattern = regexp.MustCompile(`(?i)(https?://|www\.|t\.me/|\w+\.(com|org|net|io|me)\b)`)

// needsReview reports whether a listing with these fields must pass the
// review queue before publication.
func needsReview(name, description, desired, imageRef string, ownerTrust int) bool {
	if imageRef != "" {
		return true
	}
	if urlPattern.MatchString(name) || urlPattern.MatchString(description) || urlPattern.MatchString(desired) {
		return true
	}
	return ownerTrust < ReviewTrustFloor
}
