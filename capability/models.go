// Package capability implements field-based authorization. Identities hold
// capability groups, groups carry named fields, and temporary restrictions
// deny fields regardless of group membership.
package capability

import (
	"errors"
	"time"
)

// FieldAll is the wildcard field. A group carrying it grants every field,
// and a restriction denying it denies every field.
const FieldAll = "all"

// Well-known groups. GroupSystem carries the wildcard field and is seeded
// by the migrations; GroupMember is assigned to every new identity.
const (
	GroupSystem = "system"
	GroupMember = "member"
)

// Fields checked by the command surface. Field names follow the operation
// they guard.
const (
	FieldListingCreate  = "listing.create"
	FieldProposalSend   = "proposal.send"
	FieldDisputeResolve = "dispute.resolve"
	FieldReviewListings = "listing.review"
	FieldManageGroups   = "admin.groups"
	FieldManageRestrict = "admin.restrict"
	FieldBroadcast      = "admin.broadcast"
	FieldBanIdentity    = "admin.ban"
	FieldPenalize       = "admin.penalize"
)

// BootstrapSeats is how many system-group holders the bootstrap window
// admits before it closes.
const BootstrapSeats = 2

var (
	ErrGroupNotFound   = errors.New("capability: group not found")
	ErrFieldNotFound   = errors.New("capability: field not found")
	ErrNotAuthorized   = errors.New("capability: actor lacks required field")
	ErrAlreadyMember   = errors.New("capability: identity already in group")
	ErrNotMember       = errors.New("capability: identity not in group")
	ErrProtectedTarget = errors.New("capability: target holds the wildcard field")
	ErrNoRestrictions  = errors.New("capability: no active restrictions")
)

// Group is a named bundle of fields.
type Group struct {
	ID        string
	Name      string
	Fields    []string
	CreatedAt time.Time
}

// Restriction denies a set of fields for one identity until it expires or
// is lifted.
type Restriction struct {
	ID         string
	IdentityID string
	IssuedBy   string
	Fields     []string
	ExpiresAt  *time.Time
	Lifted     bool
	CreatedAt  time.Time
}

// Active reports whether the restriction still denies its fields at now.
func (r Restriction) Active(now time.Time) bool {
	if r.Lifted {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}
