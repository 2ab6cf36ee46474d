package listing

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
	"exchangehall/notify"
	"exchangehall/reputation"
	"exchangehall/search"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ListingRepository defines the data access required by the service.
type ListingRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Listing, error)
	Get(ctx context.Context, q Querier, id string) (Listing, error)
	Lock(ctx context.Context, tx pgx.Tx, id string) (Listing, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	Update(ctx context.Context, tx pgx.Tx, id string, params UpdateParams) (Listing, error)
	SetDeleted(ctx context.Context, tx pgx.Tx, id string) error
	CountSold(ctx context.Context, q Querier, ownerID string) (int, error)
	CountListed(ctx context.Context, q Querier, ownerID string) (int, error)
	HasOpenDispute(ctx context.Context, q Querier, listingID string) (bool, error)
	AcceptedProposer(ctx context.Context, q Querier, listingID string) (string, error)
	ListOpen(ctx context.Context, limit, offset int) ([]Listing, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Listing, error)
	ListReviewQueue(ctx context.Context, limit int) ([]Listing, error)
	NamesForSearch(ctx context.Context) (map[string]string, error)
	ExpireStale(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]ExpiredListing, error)
}

// IdentityDirectory reads participant records.
type IdentityDirectory interface {
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// BalanceAdjuster applies trust deltas inside the caller's transaction.
type BalanceAdjuster interface {
	AdjustBalances(ctx context.Context, tx pgx.Tx, id string, trustDelta int, coinDelta int64) (identity.Identity, error)
}

// Authorizer checks actor capability.
type Authorizer interface {
	RequireField(ctx context.Context, identityID, field string) error
}

type Service struct {
	pool     TxBeginner
	q        Querier
	repo     ListingRepository
	ids      IdentityDirectory
	balances BalanceAdjuster
	authz    Authorizer
	audit    audit.Writer
	outbox   notify.Enqueuer
	sealer   *Sealer
	log      *zap.Logger
}

type ServiceDeps struct {
	Pool     TxBeginner
	Querier  Querier
	Repo     ListingRepository
	IDs      IdentityDirectory
	Balances BalanceAdjuster
	Authz    Authorizer
	Audit    audit.Writer
	Outbox   notify.Enqueuer
	Sealer   *Sealer
	Logger   *zap.Logger
}

func NewService(deps ServiceDeps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		pool:     deps.Pool,
		q:        deps.Querier,
		repo:     deps.Repo,
		ids:      deps.IDs,
		balances: deps.Balances,
		authz:    deps.Authz,
		audit:    deps.Audit,
		outbox:   deps.Outbox,
		sealer:   deps.Sealer,
		log:      deps.Logger,
	}
}

type CreateParams struct {
	OwnerID     string
	Payload     string
	Name        string
	Description string
	ImageRef    string
	Desired     string
	Price       int64
	Revision    bool
	AvailableAt time.Time
}

func (p CreateParams) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyName
	}
	if len([]rune(p.Name)) > MaxNameLen {
		return ErrNameTooLong
	}
	if len([]rune(p.Description)) > MaxDescriptionLen {
		return ErrDescTooLong
	}
	if strings.TrimSpace(p.Payload) == "" {
		return ErrEmptyPayload
	}
	if p.Price < 0 {
		return ErrNegativePrice
	}
	return nil
}

// Create validates the economic guards and inserts the listing. The
// payload is sealed before it touches the database. Publication is
// immediate unless the listing needs review or the owner is at capacity.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if err := s.authz.RequireField(ctx, params.OwnerID, capability.FieldListingCreate); err != nil {
		return Listing{}, err
	}
	if err := params.validate(); err != nil {
		return Listing{}, err
	}

	owner, err := s.ids.Get(ctx, params.OwnerID)
	if err != nil {
		return Listing{}, err
	}
	if owner.Trust < MinCreationTrust {
		return Listing{}, ErrLowTrust
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sold, err := s.repo.CountSold(ctx, tx, params.OwnerID)
	if err != nil {
		return Listing{}, err
	}
	if cap := reputation.PriceCap(sold, owner.Trust); params.Price > cap {
		return Listing{}, fmt.Errorf("%w: %d > %d", ErrPriceCap, params.Price, cap)
	}

	status := StatusListed
	if needsReview(params.Name, params.Description, params.Desired, params.ImageRef, owner.Trust) {
		status = StatusUnderReview
	} else {
		published, err := s.repo.CountListed(ctx, tx, params.OwnerID)
		if err != nil {
			return Listing{}, err
		}
		if published >= MaxListedPerOwner {
			status = StatusPending
		}
	}

	sealed, err := s.sealer.Seal(params.Payload)
	if err != nil {
		return Listing{}, err
	}

	availableAt := params.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	rec, err := s.repo.Insert(ctx, tx, InsertParams{
		OwnerID:     params.OwnerID,
		Payload:     sealed,
		Name:        params.Name,
		Description: params.Description,
		ImageRef:    params.ImageRef,
		Desired:     params.Desired,
		Price:       params.Price,
		Revision:    params.Revision,
		AvailableAt: availableAt,
		Status:      status,
	})
	if err != nil {
		return Listing{}, err
	}

	if err := s.audit.Append(ctx, tx, params.OwnerID, "listing.created", rec.Name); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}

	s.log.Info("listing created",
		zap.String("listing", rec.ID),
		zap.String("owner", rec.OwnerID),
		zap.String("status", string(rec.Status)))
	return rec, nil
}

// Approve releases a reviewed listing into the feed. Reviewer capability
// required.
func (s *Service) Approve(ctx context.Context, actorID, listingID string) (Listing, error) {
	if err := s.authz.RequireField(ctx, actorID, capability.FieldReviewListings); err != nil {
		return Listing{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if rec.Status != StatusUnderReview {
		return Listing{}, fmt.Errorf("%w: %s", ErrBadStatus, rec.Status)
	}

	if err := s.repo.SetStatus(ctx, tx, listingID, StatusListed); err != nil {
		return Listing{}, err
	}
	if err := s.audit.Append(ctx, tx, actorID, "listing.approved", rec.Name, rec.OwnerID); err != nil {
		return Listing{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, rec.OwnerID, "listing.approved", map[string]any{
		"listing_id": rec.ID,
		"name":       rec.Name,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}

	rec.Status = StatusListed
	return rec, nil
}

// RuleViolation closes a listing by admin ruling and applies the trust
// penalty to its owner in the same transaction.
func (s *Service) RuleViolation(ctx context.Context, actorID, listingID string) error {
	if err := s.authz.RequireField(ctx, actorID, capability.FieldPenalize); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, listingID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case StatusListed, StatusUnderReview, StatusPending, StatusDisputed:
	default:
		return fmt.Errorf("%w: %s", ErrBadStatus, rec.Status)
	}

	if err := s.repo.SetStatus(ctx, tx, listingID, StatusViolation); err != nil {
		return err
	}
	if _, err := s.balances.AdjustBalances(ctx, tx, rec.OwnerID, -reputation.ViolationRulingPenalty, 0); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, actorID, "listing.violation", rec.Name, rec.OwnerID); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, rec.OwnerID, "listing.violation", map[string]any{
		"listing_id": rec.ID,
		"name":       rec.Name,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("listing: commit tx: %w", err)
	}

	s.log.Warn("listing ruled violation", zap.String("listing", listingID), zap.String("actor", actorID))
	return nil
}

// Toggle flips the listing between published and pending. Republishing
// re-runs the review gate against the owner's current trust.
func (s *Service) Toggle(ctx context.Context, ownerID, listingID string) (Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if rec.OwnerID != ownerID {
		return Listing{}, ErrForbidden
	}

	var next Status
	switch rec.Status {
	case StatusListed:
		next = StatusPending
	case StatusPending:
		owner, err := s.ids.Get(ctx, ownerID)
		if err != nil {
			return Listing{}, err
		}
		if needsReview(rec.Name, rec.Description, rec.Desired, rec.ImageRef, owner.Trust) {
			next = StatusUnderReview
		} else {
			published, err := s.repo.CountListed(ctx, tx, ownerID)
			if err != nil {
				return Listing{}, err
			}
			if published >= MaxListedPerOwner {
				return Listing{}, ErrListedCapacity
			}
			next = StatusListed
		}
	default:
		return Listing{}, fmt.Errorf("%w: %s", ErrBadStatus, rec.Status)
	}

	if err := s.repo.SetStatus(ctx, tx, listingID, next); err != nil {
		return Listing{}, err
	}
	if err := s.audit.Append(ctx, tx, ownerID, "listing.toggled", string(next)); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}

	rec.Status = next
	return rec, nil
}

type EditParams struct {
	Name        string
	Description string
	Desired     string
	Price       int64
}

// Edit updates public fields. The price cap is re-validated and review is
// re-triggered when the new text needs it.
func (s *Service) Edit(ctx context.Context, ownerID, listingID string, params EditParams) (Listing, error) {
	check := CreateParams{Name: params.Name, Description: params.Description, Payload: "x", Price: params.Price}
	if err := check.validate(); err != nil {
		return Listing{}, err
	}

	owner, err := s.ids.Get(ctx, ownerID)
	if err != nil {
		return Listing{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if rec.OwnerID != ownerID {
		return Listing{}, ErrForbidden
	}
	switch rec.Status {
	case StatusPending, StatusUnderReview, StatusListed:
	default:
		return Listing{}, fmt.Errorf("%w: %s", ErrBadStatus, rec.Status)
	}

	sold, err := s.repo.CountSold(ctx, tx, ownerID)
	if err != nil {
		return Listing{}, err
	}
	if cap := reputation.PriceCap(sold, owner.Trust); params.Price > cap {
		return Listing{}, fmt.Errorf("%w: %d > %d", ErrPriceCap, params.Price, cap)
	}

	status := rec.Status
	if status == StatusListed && needsReview(params.Name, params.Description, params.Desired, rec.ImageRef, owner.Trust) {
		status = StatusUnderReview
	}

	updated, err := s.repo.Update(ctx, tx, listingID, UpdateParams{
		Name:        params.Name,
		Description: params.Description,
		Desired:     params.Desired,
		Price:       params.Price,
		Status:      status,
	})
	if err != nil {
		return Listing{}, err
	}

	if err := s.audit.Append(ctx, tx, ownerID, "listing.edited", updated.Name); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit tx: %w", err)
	}
	return updated, nil
}

// PriceCap reports the price ceiling the owner's trade record currently
// earns. Wizards use it to warn before the command lands; Create and Edit
// re-check inside their own transactions.
func (s *Service) PriceCap(ctx context.Context, ownerID string) (int64, error) {
	owner, err := s.ids.Get(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	sold, err := s.repo.CountSold(ctx, s.q, ownerID)
	if err != nil {
		return 0, err
	}
	return reputation.PriceCap(sold, owner.Trust), nil
}

// Delete soft-deletes a closed listing. Open disputes and active statuses
// block it.
func (s *Service) Delete(ctx context.Context, ownerID, listingID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Lock(ctx, tx, listingID)
	if err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return ErrForbidden
	}

	open, err := s.repo.HasOpenDispute(ctx, tx, listingID)
	if err != nil {
		return err
	}
	if open {
		return ErrOpenDispute
	}
	if !rec.Status.Closed() {
		return ErrNotClosed
	}

	if err := s.repo.SetDeleted(ctx, tx, listingID); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, ownerID, "listing.deleted", rec.Name); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("listing: commit tx: %w", err)
	}
	return nil
}

// Reveal opens the sealed payload for the owner at any time and for the
// buyer once the listing is sold.
func (s *Service) Reveal(ctx context.Context, requesterID, listingID string) (string, error) {
	rec, err := s.repo.Get(ctx, s.q, listingID)
	if err != nil {
		return "", err
	}

	if requesterID != rec.OwnerID {
		if rec.Status != StatusSold {
			return "", ErrPayloadSealed
		}
		buyer, err := s.repo.AcceptedProposer(ctx, s.q, listingID)
		if err != nil {
			return "", err
		}
		if buyer == "" || buyer != requesterID {
			return "", ErrForbidden
		}
	}

	return s.sealer.Open(rec.Payload)
}

func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	return s.repo.Get(ctx, s.q, id)
}

func (s *Service) Feed(ctx context.Context, limit, offset int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListOpen(ctx, limit, offset)
}

func (s *Service) Mine(ctx context.Context, ownerID string) ([]Listing, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// ReviewQueue lists pending-review listings for a reviewer.
func (s *Service) ReviewQueue(ctx context.Context, actorID string, limit int) ([]Listing, error) {
	if err := s.authz.RequireField(ctx, actorID, capability.FieldReviewListings); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListReviewQueue(ctx, limit)
}

// SearchIndex exposes the live name->id mapping for the fuzzy matcher.
func (s *Service) SearchIndex(ctx context.Context) (map[string]string, error) {
	return s.repo.NamesForSearch(ctx)
}

// Search fuzzy-matches free text against published listing names and
// returns the matching listings, best first. A listing that closes between
// ranking and fetch is skipped rather than failing the whole query.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	index, err := s.SearchIndex(ctx)
	if err != nil {
		return nil, err
	}
	matches := search.RankListings(query, index)
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]Listing, 0, len(matches))
	for _, m := range matches {
		rec, err := s.repo.Get(ctx, s.q, m.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExpireStale retires published listings older than maxAge and notifies
// their owners.
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expired, err := s.repo.ExpireStale(ctx, tx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if err := s.outbox.Enqueue(ctx, tx, rec.OwnerID, "listing.expired", map[string]any{
			"listing_id": rec.ID,
			"name":       rec.Name,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("listing: commit tx: %w", err)
	}

	if len(expired) > 0 {
		s.log.Info("listings expired", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}
