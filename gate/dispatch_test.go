package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"exchangehall/capability"
	"exchangehall/conversation"
	"exchangehall/dispute"
	"exchangehall/exchange"
	"exchangehall/listing"
)

type fakeListingCommands struct {
	created []listing.CreateParams
	status  listing.Status
}

func (f *fakeListingCommands) Create(ctx context.Context, params listing.CreateParams) (listing.Listing, error) {
	f.created = append(f.created, params)
	return listing.Listing{ID: "l-1", Name: params.Name, Status: f.status}, nil
}

type fakeExchangeCommands struct {
	status exchange.Status
}

func (f *fakeExchangeCommands) Propose(ctx context.Context, params exchange.ProposeParams) (exchange.Proposal, error) {
	return exchange.Proposal{ID: "p-1", Status: f.status}, nil
}

type fakeDisputeCommands struct{}

func (f *fakeDisputeCommands) Raise(ctx context.Context, params dispute.RaiseParams) (dispute.Dispute, error) {
	return dispute.Dispute{ID: "d-1"}, nil
}

type fakeRestrictCommands struct {
	targets []string
	fields  [][]string
	ttls    []time.Duration
}

func (f *fakeRestrictCommands) Restrict(ctx context.Context, actorID, targetID string, fields []string, ttl time.Duration) (capability.Restriction, error) {
	f.targets = append(f.targets, targetID)
	f.fields = append(f.fields, fields)
	f.ttls = append(f.ttls, ttl)
	return capability.Restriction{}, nil
}

type fakeBroadcastCommands struct {
	texts []string
}

func (f *fakeBroadcastCommands) Broadcast(ctx context.Context, actorID, text string) (int, error) {
	f.texts = append(f.texts, text)
	return 12, nil
}

type fakeHandles struct {
	handles map[string]string
}

func (f *fakeHandles) Handles(ctx context.Context) (map[string]string, error) {
	return f.handles, nil
}

func newRouter() (*Router, *fakeListingCommands, *fakeRestrictCommands, *fakeBroadcastCommands) {
	listings := &fakeListingCommands{status: listing.StatusListed}
	restrict := &fakeRestrictCommands{}
	broadcasts := &fakeBroadcastCommands{}
	r := NewRouter(RouterDeps{
		Listings:   listings,
		Exchanges:  &fakeExchangeCommands{status: exchange.StatusOpen},
		Disputes:   &fakeDisputeCommands{},
		Restrict:   restrict,
		Broadcasts: broadcasts,
		Handles:    &fakeHandles{handles: map[string]string{"coppersmith": "id-9", "tinker": "id-2"}},
	})
	return r, listings, restrict, broadcasts
}

func TestDispatchCreateListing(t *testing.T) {
	r, listings, _, _ := newRouter()

	out, err := r.Dispatch(context.Background(), "alice", conversation.Command{
		Kind:          conversation.KindCreateListing,
		CreateListing: &listing.CreateParams{OwnerID: "alice", Name: "kettle", Payload: "code"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(out, "listed") {
		t.Fatalf("unexpected outcome text %q", out)
	}
	if len(listings.created) != 1 || listings.created[0].Name != "kettle" {
		t.Fatalf("command not forwarded: %+v", listings.created)
	}
}

func TestDispatchRestrictResolvesHandle(t *testing.T) {
	r, _, restrict, _ := newRouter()

	out, err := r.Dispatch(context.Background(), "admin", conversation.Command{
		Kind: conversation.KindRestrict,
		Restrict: &conversation.RestrictCommand{
			TargetQuery:  "copersmith", // typo still resolves
			Fields:       []string{capability.FieldListingCreate},
			DurationDays: 7,
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(restrict.targets) != 1 || restrict.targets[0] != "id-9" {
		t.Fatalf("expected restriction on id-9, got %v", restrict.targets)
	}
	if restrict.ttls[0] != 7*24*time.Hour {
		t.Fatalf("expected 7 day ttl, got %v", restrict.ttls[0])
	}
	if !strings.Contains(out, "coppersmith") {
		t.Fatalf("outcome should name the target, got %q", out)
	}
}

func TestDispatchRestrictUnknownHandle(t *testing.T) {
	r, _, restrict, _ := newRouter()

	_, err := r.Dispatch(context.Background(), "admin", conversation.Command{
		Kind: conversation.KindRestrict,
		Restrict: &conversation.RestrictCommand{
			TargetQuery:  "zzzzzz",
			Fields:       []string{capability.FieldListingCreate},
			DurationDays: 7,
		},
	})
	if !errors.Is(err, conversation.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(restrict.targets) != 0 {
		t.Fatal("no restriction may be applied for an unresolved handle")
	}
}

func TestDispatchBroadcast(t *testing.T) {
	r, _, _, broadcasts := newRouter()

	out, err := r.Dispatch(context.Background(), "admin", conversation.Command{
		Kind:      conversation.KindBroadcast,
		Broadcast: &conversation.BroadcastCommand{Text: "the hall closes early tonight"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(broadcasts.texts) != 1 || broadcasts.texts[0] != "the hall closes early tonight" {
		t.Fatalf("broadcast not forwarded: %v", broadcasts.texts)
	}
	if !strings.Contains(out, "12") {
		t.Fatalf("outcome should report the recipient count, got %q", out)
	}
}
