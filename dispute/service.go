package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

// DisputeRepository defines the data access required by the service.
type DisputeRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Close(ctx context.Context, tx pgx.Tx, id string, to Status, resolverID string) (Dispute, error)
	HasOpenForReporter(ctx context.Context, listingID, reporterID string) (bool, error)
	ListOpen(ctx context.Context, limit int) ([]Dispute, error)
	ListForListing(ctx context.Context, listingID string) ([]Dispute, error)
}

// ListingLedger is the slice of the listing layer dispute handling needs.
type ListingLedger interface {
	Lock(ctx context.Context, tx pgx.Tx, id string) (listing.Listing, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status listing.Status) error
	AcceptedProposer(ctx context.Context, q listing.Querier, listingID string) (string, error)
}

// Balances mutates identity trust and coins inside the resolution
// transaction.
type Balances interface {
	AdjustBalances(ctx context.Context, tx pgx.Tx, id string, trustDelta int, coinDelta int64) (identity.Identity, error)
	SpendCoins(ctx context.Context, tx pgx.Tx, id string, amount int64) error
}

// Directory looks up identities for the reporter trust guard.
type Directory interface {
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// Authorizer checks actor capability.
type Authorizer interface {
	RequireField(ctx context.Context, identityID, field string) error
}

type Service struct {
	pool     TxBeginner
	repo     DisputeRepository
	listings ListingLedger
	balances Balances
	ids      Directory
	authz    Authorizer
	audit    audit.Writer
	outbox   notify.Enqueuer
	metrics  *observe.Metrics
	log      *zap.Logger
}

type ServiceDeps struct {
	Pool     TxBeginner
	Repo     DisputeRepository
	Listings ListingLedger
	Balances Balances
	IDs      Directory
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
		ids:      deps.IDs,
		authz:    deps.Authz,
		audit:    deps.Audit,
		outbox:   deps.Outbox,
		metrics:  deps.Metrics,
		log:      deps.Logger,
	}
}

type RaiseParams struct {
	ReporterID string
	ListingID  string
	Kind       Kind
	Evidence   string
	ImageRef   string
}

// Raise files a dispute. A violation report flips a live listing to the
// disputed state; a post-completion report targets the counterpart of an
// already settled trade. Either way the accused takes the influence debit
// immediately, to be restored if the report does not hold up.
func (s *Service) Raise(ctx context.Context, params RaiseParams) (Dispute, error) {
	if strings.TrimSpace(params.Evidence) == "" {
		return Dispute{}, ErrEmptyEvidence
	}

	open, err := s.repo.HasOpenForReporter(ctx, params.ListingID, params.ReporterID)
	if err != nil {
		return Dispute{}, err
	}
	if open {
		return Dispute{}, ErrAlreadyOpen
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lst, err := s.listings.Lock(ctx, tx, params.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, err
	}

	accusedID, influence, err := s.classify(ctx, tx, lst, params)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.checkReporterTrust(ctx, params.ReporterID, accusedID); err != nil {
		return Dispute{}, err
	}

	if _, err := s.balances.AdjustBalances(ctx, tx, accusedID, -influence, 0); err != nil {
		return Dispute{}, err
	}
	if params.Kind == KindViolation {
		if err := s.listings.SetStatus(ctx, tx, lst.ID, listing.StatusDisputed); err != nil {
			return Dispute{}, err
		}
	}

	rec, err := s.repo.Insert(ctx, tx, InsertParams{
		ListingID:  params.ListingID,
		ReporterID: params.ReporterID,
		AccusedID:  accusedID,
		Kind:       params.Kind,
		Evidence:   params.Evidence,
		ImageRef:   params.ImageRef,
		Influence:  influence,
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := s.audit.Append(ctx, tx, params.ReporterID, "dispute.raised", string(params.Kind), accusedID); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, accusedID, "dispute.raised", map[string]any{
		"dispute_id": rec.ID,
		"listing_id": lst.ID,
		"kind":       string(params.Kind),
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	s.metrics.IncrementSettlement("disputed")
	s.log.Info("dispute raised",
		zap.String("listing", lst.ID),
		zap.String("kind", string(params.Kind)),
		zap.Int("influence", influence))
	return rec, nil
}

// classify validates the kind against the listing state and returns the
// accused party with the report's influence weight.
func (s *Service) classify(ctx context.Context, tx pgx.Tx, lst listing.Listing, params RaiseParams) (string, int, error) {
	switch {
	case params.Kind == KindViolation:
		if lst.Status != listing.StatusListed && lst.Status != listing.StatusUnderReview {
			return "", 0, ErrBadKind
		}
		if lst.OwnerID == params.ReporterID {
			return "", 0, ErrNotParty
		}
		return lst.OwnerID, reputation.ViolationReportInfluence, nil

	case params.Kind.PostCompletion():
		if lst.Status != listing.StatusSold {
			return "", 0, ErrBadKind
		}
		buyerID, err := s.listings.AcceptedProposer(ctx, tx, lst.ID)
		if err != nil {
			return "", 0, err
		}
		var accusedID string
		switch params.ReporterID {
		case buyerID:
			accusedID = lst.OwnerID
		case lst.OwnerID:
			accusedID = buyerID
		default:
			return "", 0, ErrNotParty
		}
		return accusedID, reputation.Influence(lst.Price), nil

	default:
		return "", 0, ErrBadKind
	}
}

func (s *Service) checkReporterTrust(ctx context.Context, reporterID, accusedID string) error {
	reporter, err := s.ids.Get(ctx, reporterID)
	if err != nil {
		return err
	}
	accused, err := s.ids.Get(ctx, accusedID)
	if err != nil {
		return err
	}
	if reporter.Trust < ReporterTrustFloor(accused.Trust) {
		return ErrLowReporterTrust
	}
	return nil
}

// Cancel lets the reporter withdraw an open report: the preventive debit is
// restored and a disputed listing returns to the shelf.
func (s *Service) Cancel(ctx context.Context, reporterID, disputeID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if rec.ReporterID != reporterID {
		return ErrForbidden
	}

	closed, err := s.repo.Close(ctx, tx, disputeID, StatusCancelled, reporterID)
	if err != nil {
		return err
	}

	if _, err := s.balances.AdjustBalances(ctx, tx, closed.AccusedID, closed.Influence, 0); err != nil {
		return err
	}
	if closed.Kind == KindViolation {
		if err := s.restoreListing(ctx, tx, closed.ListingID); err != nil {
			return err
		}
	}

	if err := s.audit.Append(ctx, tx, reporterID, "dispute.cancelled", string(closed.Kind), closed.AccusedID); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, closed.AccusedID, "dispute.cancelled", map[string]any{
		"dispute_id": closed.ID,
		"listing_id": closed.ListingID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit tx: %w", err)
	}
	return nil
}

// Resolve upholds or rejects a report. The status-guarded close makes a
// second resolution of the same dispute fail with ErrAlreadyResolved before
// any balance change.
func (s *Service) Resolve(ctx context.Context, resolverID, disputeID string, accept bool) (Dispute, error) {
	if err := s.authz.RequireField(ctx, resolverID, capability.FieldDisputeResolve); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	to := StatusDeclined
	if accept {
		to = StatusAccepted
	}
	closed, err := s.repo.Close(ctx, tx, disputeID, to, resolverID)
	if err != nil {
		return Dispute{}, err
	}

	lst, err := s.listings.Lock(ctx, tx, closed.ListingID)
	if err != nil {
		return Dispute{}, err
	}

	award := s.award(closed, lst.Price, accept)
	if err := s.applyAward(ctx, tx, closed, award); err != nil {
		return Dispute{}, err
	}

	if closed.Kind == KindViolation {
		if accept {
			if err := s.listings.SetStatus(ctx, tx, lst.ID, listing.StatusViolation); err != nil {
				return Dispute{}, err
			}
		} else if err := s.restoreListing(ctx, tx, lst.ID); err != nil {
			return Dispute{}, err
		}
	} else if accept {
		// An upheld post-completion report marks the sold listing so the
		// record shows the trade went bad.
		if err := s.listings.SetStatus(ctx, tx, lst.ID, listing.StatusDisputed); err != nil {
			return Dispute{}, err
		}
	}

	outcome := "declined"
	if accept {
		outcome = "upheld"
	}
	if err := s.audit.Append(ctx, tx, resolverID, "dispute.resolved", outcome, rec.ReporterID, rec.AccusedID); err != nil {
		return Dispute{}, err
	}
	for _, recipient := range []string{closed.ReporterID, closed.AccusedID} {
		if err := s.outbox.Enqueue(ctx, tx, recipient, "dispute.resolved", map[string]any{
			"dispute_id": closed.ID,
			"listing_id": closed.ListingID,
			"outcome":    outcome,
		}); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	s.log.Info("dispute resolved",
		zap.String("dispute", closed.ID),
		zap.String("outcome", outcome))
	return closed, nil
}

// award computes the resolution deltas. The preventive influence debit from
// raise time stays in place on acceptance and is handed back on decline.
func (s *Service) award(rec Dispute, price int64, accept bool) reputation.DisputeAward {
	if !accept {
		return reputation.Decline(rec.Influence, rec.Kind == KindViolation)
	}
	if rec.Kind == KindViolation {
		return reputation.AcceptViolation(rec.Influence)
	}
	return reputation.AcceptPostTrade(rec.Influence, price)
}

// applyAward moves trust and coins per the award. A reimbursement the
// accused cannot cover is dropped rather than clamped into thin air; the
// trust consequences still land.
func (s *Service) applyAward(ctx context.Context, tx pgx.Tx, rec Dispute, award reputation.DisputeAward) error {
	if award.AccusedCoins < 0 {
		if err := s.balances.SpendCoins(ctx, tx, rec.AccusedID, -award.AccusedCoins); err != nil {
			if !errors.Is(err, identity.ErrInsufficientCoins) {
				return err
			}
			s.log.Warn("dispute reimbursement skipped",
				zap.String("dispute", rec.ID),
				zap.String("accused", rec.AccusedID))
			award.ReporterCoins = 0
		}
		award.AccusedCoins = 0
	}

	if _, err := s.balances.AdjustBalances(ctx, tx, rec.AccusedID, award.AccusedTrust, award.AccusedCoins); err != nil {
		return err
	}
	if _, err := s.balances.AdjustBalances(ctx, tx, rec.ReporterID, award.ReporterTrust, award.ReporterCoins); err != nil {
		return err
	}
	return nil
}

// restoreListing puts a disputed listing back on the shelf. A listing that
// already moved on is left alone.
func (s *Service) restoreListing(ctx context.Context, tx pgx.Tx, listingID string) error {
	lst, err := s.listings.Lock(ctx, tx, listingID)
	if err != nil {
		return err
	}
	if lst.Status != listing.StatusDisputed {
		return nil
	}
	return s.listings.SetStatus(ctx, tx, listingID, listing.StatusListed)
}

// Queue returns the oldest open disputes for resolvers.
func (s *Service) Queue(ctx context.Context, resolverID string, limit int) ([]Dispute, error) {
	if err := s.authz.RequireField(ctx, resolverID, capability.FieldDisputeResolve); err != nil {
		return nil, err
	}
	return s.repo.ListOpen(ctx, limit)
}

// History returns every dispute raised against a listing.
func (s *Service) History(ctx context.Context, listingID string) ([]Dispute, error) {
	return s.repo.ListForListing(ctx, listingID)
}

func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.repo.Get(ctx, id)
}
