package gate

import (
	"context"
	"fmt"
	"time"

	"exchangehall/capability"
	"exchangehall/conversation"
	"exchangehall/dispute"
	"exchangehall/exchange"
	"exchangehall/listing"
	"exchangehall/search"
)

// ListingCommands is the slice of the listing service wizard completion
// needs.
type ListingCommands interface {
	Create(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
}

// ExchangeCommands handles completed proposal wizards.
type ExchangeCommands interface {
	Propose(ctx context.Context, params exchange.ProposeParams) (exchange.Proposal, error)
}

// DisputeCommands handles completed dispute wizards.
type DisputeCommands interface {
	Raise(ctx context.Context, params dispute.RaiseParams) (dispute.Dispute, error)
}

// RestrictCommands applies admin restriction orders.
type RestrictCommands interface {
	Restrict(ctx context.Context, actorID, targetID string, fields []string, ttl time.Duration) (capability.Restriction, error)
}

// BroadcastCommands fans admin announcements out through the outbox.
type BroadcastCommands interface {
	Broadcast(ctx context.Context, actorID, text string) (int, error)
}

// HandleDirectory feeds the fuzzy handle resolver.
type HandleDirectory interface {
	Handles(ctx context.Context) (map[string]string, error)
}

// Router executes completed wizard commands against the domain services. It
// is the conversation dispatcher the controller is wired with.
type Router struct {
	listings   ListingCommands
	exchanges  ExchangeCommands
	disputes   DisputeCommands
	restrict   RestrictCommands
	broadcasts BroadcastCommands
	handles    HandleDirectory
}

type RouterDeps struct {
	Listings   ListingCommands
	Exchanges  ExchangeCommands
	Disputes   DisputeCommands
	Restrict   RestrictCommands
	Broadcasts BroadcastCommands
	Handles    HandleDirectory
}

func NewRouter(deps RouterDeps) *Router {
	return &Router{
		listings:   deps.Listings,
		exchanges:  deps.Exchanges,
		disputes:   deps.Disputes,
		restrict:   deps.Restrict,
		broadcasts: deps.Broadcasts,
		handles:    deps.Handles,
	}
}

var _ conversation.Dispatcher = (*Router)(nil)

// Dispatch executes one completed command and returns the outcome text the
// transport shows the user.
func (r *Router) Dispatch(ctx context.Context, identityID string, cmd conversation.Command) (string, error) {
	switch cmd.Kind {
	case conversation.KindCreateListing:
		rec, err := r.listings.Create(ctx, *cmd.CreateListing)
		if err != nil {
			return "", err
		}
		if rec.Status == listing.StatusUnderReview {
			return fmt.Sprintf("%q submitted for review.", rec.Name), nil
		}
		if rec.Status == listing.StatusPending {
			return fmt.Sprintf("%q saved; it will appear once a listing slot frees up.", rec.Name), nil
		}
		return fmt.Sprintf("%q is listed.", rec.Name), nil

	case conversation.KindPropose:
		prop, err := r.exchanges.Propose(ctx, *cmd.Propose)
		if err != nil {
			return "", err
		}
		if prop.Status == exchange.StatusAccepted {
			return "Deal settled. Check your inventory for the item.", nil
		}
		return "Proposal sent to the owner.", nil

	case conversation.KindRaiseDispute:
		rec, err := r.disputes.Raise(ctx, *cmd.RaiseDispute)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Report %s filed.", rec.ID), nil

	case conversation.KindRestrict:
		return r.applyRestriction(ctx, identityID, cmd.Restrict)

	case conversation.KindBroadcast:
		n, err := r.broadcasts.Broadcast(ctx, identityID, cmd.Broadcast.Text)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Announcement queued for %d members.", n), nil

	default:
		return "", conversation.ErrUnknownKind
	}
}

func (r *Router) applyRestriction(ctx context.Context, actorID string, order *conversation.RestrictCommand) (string, error) {
	candidates, err := r.handles.Handles(ctx)
	if err != nil {
		return "", err
	}
	match, ok := search.BestIdentity(order.TargetQuery, candidates)
	if !ok {
		return "", fmt.Errorf("%w: no identity matches %q", conversation.ErrInvalidInput, order.TargetQuery)
	}

	ttl := time.Duration(order.DurationDays) * 24 * time.Hour
	if _, err := r.restrict.Restrict(ctx, actorID, match.ID, order.Fields, ttl); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s restricted for %d days.", match.Name, order.DurationDays), nil
}
