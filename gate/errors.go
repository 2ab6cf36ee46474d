package gate

import (
	"errors"

	"exchangehall/capability"
	"exchangehall/conversation"
	"exchangehall/dispute"
	"exchangehall/exchange"
	"exchangehall/identity"
	"exchangehall/listing"
)

// ErrorKind buckets every failure an entry point can surface. The transport
// layer maps kinds to user-facing copy; services never format leaf errors
// for display themselves.
type ErrorKind string

const (
	// KindAuthorizationDenied: capability or restriction check failed.
	KindAuthorizationDenied ErrorKind = "authorization_denied"
	// KindValidation: input rejected before any mutation; retryable.
	KindValidation ErrorKind = "validation"
	// KindStateConflict: the world moved underneath the command.
	KindStateConflict ErrorKind = "state_conflict"
	// KindEconomicGuard: a balance, cap or trust bound blocked the command.
	KindEconomicGuard ErrorKind = "economic_guard"
	// KindNotFound: the referenced entity does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindInternal: an infrastructure or invariant failure; logged, opaque
	// to the caller.
	KindInternal ErrorKind = "internal"
)

var deniedErrors = []error{
	capability.ErrNotAuthorized,
	capability.ErrProtectedTarget,
	identity.ErrBanned,
	listing.ErrForbidden,
	exchange.ErrForbidden,
	dispute.ErrForbidden,
	ErrBadToken,
}

var validationErrors = []error{
	listing.ErrNameTooLong,
	listing.ErrDescTooLong,
	listing.ErrEmptyName,
	listing.ErrEmptyPayload,
	listing.ErrNegativePrice,
	exchange.ErrEmptyOffer,
	exchange.ErrNeedsProposal,
	dispute.ErrEmptyEvidence,
	dispute.ErrBadKind,
	dispute.ErrNotParty,
	identity.ErrSelfReference,
	exchange.ErrSelfExchange,
	conversation.ErrInvalidInput,
	conversation.ErrUnexpectedInput,
	conversation.ErrMissingParam,
	conversation.ErrUnknownKind,
}

var conflictErrors = []error{
	exchange.ErrStale,
	exchange.ErrAlreadyProposed,
	exchange.ErrListingUnavailable,
	listing.ErrBadStatus,
	listing.ErrOpenDispute,
	listing.ErrNotClosed,
	listing.ErrPayloadSealed,
	dispute.ErrAlreadyResolved,
	dispute.ErrAlreadyOpen,
	identity.ErrAlreadyBlocked,
	identity.ErrNotBlocked,
	capability.ErrAlreadyMember,
	capability.ErrNotMember,
	capability.ErrNoRestrictions,
	conversation.ErrWizardActive,
	conversation.ErrNoWizard,
	conversation.ErrTooManyTries,
	conversation.ErrThreadBlocked,
	conversation.ErrThreadClosed,
}

var economicErrors = []error{
	listing.ErrPriceCap,
	listing.ErrLowTrust,
	listing.ErrListedCapacity,
	identity.ErrInsufficientCoins,
	exchange.ErrNotPurchasable,
	dispute.ErrLowReporterTrust,
}

var notFoundErrors = []error{
	identity.ErrNotFound,
	listing.ErrNotFound,
	exchange.ErrNotFound,
	dispute.ErrNotFound,
	capability.ErrGroupNotFound,
	capability.ErrFieldNotFound,
}

// Classify maps a service error onto the taxonomy. Unknown errors are
// internal: the caller sees an opaque failure and the real cause goes to
// the log.
func Classify(err error) ErrorKind {
	switch {
	case matchesAny(err, deniedErrors):
		return KindAuthorizationDenied
	case matchesAny(err, validationErrors):
		return KindValidation
	case matchesAny(err, conflictErrors):
		return KindStateConflict
	case matchesAny(err, economicErrors):
		return KindEconomicGuard
	case matchesAny(err, notFoundErrors):
		return KindNotFound
	default:
		return KindInternal
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
