package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"exchangehall/audit"
	"exchangehall/capability"
	"exchangehall/identity"
	"exchangehall/listing"
	"exchangehall/notify"
	"exchangehall/observe"
	"exchangehall/reputation"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProposalRepository defines the data access required by the service.
type ProposalRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Proposal, error)
	Get(ctx context.Context, id string) (Proposal, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	Advance(ctx context.Context, tx pgx.Tx, id string, to Status) (Proposal, error)
	DeclineOpenSiblings(ctx context.Context, tx pgx.Tx, listingID, exceptID string) ([]string, error)
	ListForListing(ctx context.Context, listingID string) ([]Proposal, error)
	ListByProposer(ctx context.Context, proposerID string) ([]Proposal, error)
	HasOpenBetween(ctx context.Context, listingID, proposerID string) (bool, error)
}

// ListingLedger is the slice of the listing layer settlement needs.
type ListingLedger interface {
	Lock(ctx context.Context, tx pgx.Tx, id string) (listing.Listing, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status listing.Status) error
}

// Balances mutates identity trust and coins inside the settlement
// transaction.
type Balances interface {
	AdjustBalances(ctx context.Context, tx pgx.Tx, id string, trustDelta int, coinDelta int64) (identity.Identity, error)
	SpendCoins(ctx context.Context, tx pgx.Tx, id string, amount int64) error
}

// Blocks answers pair block queries and records new blocks.
type Blocks interface {
	BlockedEither(ctx context.Context, a, b string) (bool, error)
	Block(ctx context.Context, ownerID, targetID string) error
}

// Authorizer checks actor capability.
type Authorizer interface {
	RequireField(ctx context.Context, identityID, field string) error
}

type Service struct {
	pool     TxBeginner
	repo     ProposalRepository
	listings ListingLedger
	balances Balances
	blocks   Blocks
	authz    Authorizer
	audit    audit.Writer
	outbox   notify.Enqueuer
	metrics  *observe.Metrics
	log      *zap.Logger
}

type ServiceDeps struct {
	Pool     TxBeginner
	Repo     ProposalRepository
	Listings ListingLedger
	Balances Balances
	Blocks   Blocks
	Authz    Authorizer
	Audit    audit.Writer
	Outbox   notify.Enqueuer
	Metrics  *observe.Metrics
	Logger   *zap.Logger
}

func NewService(deps ServiceDeps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		pool:     deps.Pool,
		repo:     deps.Repo,
		listings: deps.Listings,
		balances: deps.Balances,
		blocks:   deps.Blocks,
		authz:    deps.Authz,
		audit:    deps.Audit,
		outbox:   deps.Outbox,
		metrics:  deps.Metrics,
		log:      deps.Logger,
	}
}

type ProposeParams struct {
	ProposerID string
	ListingID  string
	Offered    string
	Message    string
}

// Propose creates a counter-offer. Listings that skip owner review settle
// immediately; otherwise the proposal stays open for the owner to accept,
// decline or block.
func (s *Service) Propose(ctx context.Context, params ProposeParams) (Proposal, error) {
	if err := s.authz.RequireField(ctx, params.ProposerID, capability.FieldProposalSend); err != nil {
		return Proposal{}, err
	}
	if strings.TrimSpace(params.Offered) == "" {
		return Proposal{}, ErrEmptyOffer
	}

	open, err := s.repo.HasOpenBetween(ctx, params.ListingID, params.ProposerID)
	if err != nil {
		return Proposal{}, err
	}
	if open {
		return Proposal{}, ErrAlreadyProposed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lst, err := s.listings.Lock(ctx, tx, params.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Proposal{}, ErrListingUnavailable
		}
		return Proposal{}, err
	}
	if err := s.checkEligibility(ctx, lst, params.ProposerID); err != nil {
		return Proposal{}, err
	}

	if !lst.Revision {
		prop, err := s.settle(ctx, tx, lst, InsertParams{
			ListingID:  params.ListingID,
			ProposerID: params.ProposerID,
			Offered:    params.Offered,
			Message:    params.Message,
			Status:     StatusAccepted,
		})
		if err != nil {
			return Proposal{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Proposal{}, fmt.Errorf("exchange: commit tx: %w", err)
		}
		s.metrics.IncrementSettlement("accepted")
		s.log.Info("proposal auto-settled",
			zap.String("listing", lst.ID),
			zap.String("proposer", params.ProposerID))
		return prop, nil
	}

	prop, err := s.repo.Insert(ctx, tx, InsertParams{
		ListingID:  params.ListingID,
		ProposerID: params.ProposerID,
		Offered:    params.Offered,
		Message:    params.Message,
		Status:     StatusOpen,
	})
	if err != nil {
		return Proposal{}, err
	}

	if err := s.audit.Append(ctx, tx, params.ProposerID, "proposal.created", lst.Name, lst.OwnerID); err != nil {
		return Proposal{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, lst.OwnerID, "proposal.received", map[string]any{
		"listing_id":  lst.ID,
		"proposal_id": prop.ID,
		"offered":     params.Offered,
	}); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	return prop, nil
}

// Accept settles an open proposal. Losing a concurrent race surfaces
// ErrStale with no economic side effects.
func (s *Service) Accept(ctx context.Context, ownerID, proposalID string) (Proposal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prop, err := s.repo.Lock(ctx, tx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	lst, err := s.listings.Lock(ctx, tx, prop.ListingID)
	if err != nil {
		return Proposal{}, err
	}
	if lst.OwnerID != ownerID {
		return Proposal{}, ErrForbidden
	}
	if lst.Status != listing.StatusListed {
		return Proposal{}, fmt.Errorf("%w: listing is %s", ErrStale, lst.Status)
	}

	accepted, err := s.repo.Advance(ctx, tx, proposalID, StatusAccepted)
	if err != nil {
		return Proposal{}, err
	}

	if err := s.completeSale(ctx, tx, lst, accepted); err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	s.metrics.IncrementSettlement("accepted")
	return accepted, nil
}

// Decline closes an open proposal; the proposer can additionally be
// blocked from future contact.
func (s *Service) Decline(ctx context.Context, ownerID, proposalID string, block bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prop, err := s.repo.Lock(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	lst, err := s.listings.Lock(ctx, tx, prop.ListingID)
	if err != nil {
		return err
	}
	if lst.OwnerID != ownerID {
		return ErrForbidden
	}

	if _, err := s.repo.Advance(ctx, tx, proposalID, StatusDeclined); err != nil {
		return err
	}

	if err := s.audit.Append(ctx, tx, ownerID, "proposal.declined", lst.Name, prop.ProposerID); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, prop.ProposerID, "proposal.declined", map[string]any{
		"listing_id":  lst.ID,
		"proposal_id": prop.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("exchange: commit tx: %w", err)
	}
	s.metrics.IncrementSettlement("declined")

	if block {
		if err := s.blocks.Block(ctx, ownerID, prop.ProposerID); err != nil && !errors.Is(err, identity.ErrAlreadyBlocked) {
			s.log.Warn("block after decline failed", zap.Error(err))
		}
	}
	return nil
}

// Purchase buys a priced listing outright: the buyer is debited and the
// seller credited the exact price in the settlement transaction.
func (s *Service) Purchase(ctx context.Context, buyerID, listingID string) (Proposal, error) {
	if err := s.authz.RequireField(ctx, buyerID, capability.FieldProposalSend); err != nil {
		return Proposal{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lst, err := s.listings.Lock(ctx, tx, listingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Proposal{}, ErrListingUnavailable
		}
		return Proposal{}, err
	}
	if err := s.checkEligibility(ctx, lst, buyerID); err != nil {
		return Proposal{}, err
	}
	if lst.Price <= 0 {
		return Proposal{}, ErrNotPurchasable
	}
	if lst.Revision {
		return Proposal{}, ErrNeedsProposal
	}

	if err := s.balances.SpendCoins(ctx, tx, buyerID, lst.Price); err != nil {
		return Proposal{}, err
	}

	prop, err := s.settle(ctx, tx, lst, InsertParams{
		ListingID:  listingID,
		ProposerID: buyerID,
		Offered:    "coin purchase",
		Coins:      lst.Price,
		Status:     StatusAccepted,
	})
	if err != nil {
		return Proposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	s.metrics.IncrementSettlement("accepted")
	s.log.Info("listing purchased",
		zap.String("listing", lst.ID),
		zap.String("buyer", buyerID),
		zap.Int64("price", lst.Price))
	return prop, nil
}

// checkEligibility applies the proposal guard against a locked listing.
// Block-list rejections are reported as plain unavailability.
func (s *Service) checkEligibility(ctx context.Context, lst listing.Listing, proposerID string) error {
	if lst.OwnerID == proposerID {
		return ErrSelfExchange
	}
	if lst.Deleted || lst.Status != listing.StatusListed {
		return ErrListingUnavailable
	}
	if lst.AvailableAt.After(time.Now().UTC()) {
		return ErrListingUnavailable
	}
	if err := s.authz.RequireField(ctx, lst.OwnerID, capability.FieldListingCreate); err != nil {
		if errors.Is(err, capability.ErrNotAuthorized) {
			return ErrListingUnavailable
		}
		return err
	}
	blocked, err := s.blocks.BlockedEither(ctx, lst.OwnerID, proposerID)
	if err != nil {
		return err
	}
	if blocked {
		return ErrListingUnavailable
	}
	return nil
}

// settle inserts an already-accepted proposal and completes the sale.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, lst listing.Listing, params InsertParams) (Proposal, error) {
	prop, err := s.repo.Insert(ctx, tx, params)
	if err != nil {
		return Proposal{}, err
	}
	if err := s.completeSale(ctx, tx, lst, prop); err != nil {
		return Proposal{}, err
	}
	return prop, nil
}

// completeSale transitions the listing, applies trust and coin rewards,
// retires sibling proposals and notifies both parties.
func (s *Service) completeSale(ctx context.Context, tx pgx.Tx, lst listing.Listing, prop Proposal) error {
	if err := s.listings.SetStatus(ctx, tx, lst.ID, listing.StatusSold); err != nil {
		return err
	}

	sellerCoins := int64(0)
	if prop.Coins > 0 {
		sellerCoins = prop.Coins
	}
	if _, err := s.balances.AdjustBalances(ctx, tx, lst.OwnerID, reputation.SellerReward(lst.Price), sellerCoins); err != nil {
		return err
	}
	if _, err := s.balances.AdjustBalances(ctx, tx, prop.ProposerID, reputation.BuyerReward(lst.Price), 0); err != nil {
		return err
	}

	siblings, err := s.repo.DeclineOpenSiblings(ctx, tx, lst.ID, prop.ID)
	if err != nil {
		return err
	}
	for _, proposerID := range siblings {
		if err := s.outbox.Enqueue(ctx, tx, proposerID, "proposal.declined", map[string]any{
			"listing_id": lst.ID,
		}); err != nil {
			return err
		}
	}

	if err := s.audit.Append(ctx, tx, prop.ProposerID, "exchange.settled", lst.Name, lst.OwnerID); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, lst.OwnerID, "listing.sold", map[string]any{
		"listing_id":  lst.ID,
		"proposal_id": prop.ID,
	}); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, prop.ProposerID, "proposal.accepted", map[string]any{
		"listing_id":  lst.ID,
		"proposal_id": prop.ID,
	}); err != nil {
		return err
	}
	return nil
}

// ProposalsFor lists every proposal on one of the owner's listings.
func (s *Service) ProposalsFor(ctx context.Context, ownerID, listingID string) ([]Proposal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lst, err := s.listings.Lock(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	if lst.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("exchange: commit tx: %w", err)
	}

	return s.repo.ListForListing(ctx, listingID)
}

// Mine lists the identity's own proposals, newest first.
func (s *Service) Mine(ctx context.Context, proposerID string) ([]Proposal, error) {
	return s.repo.ListByProposer(ctx, proposerID)
}

func (s *Service) Get(ctx context.Context, id string) (Proposal, error) {
	return s.repo.Get(ctx, id)
}
