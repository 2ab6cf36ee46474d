package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"exchangehall/audit"
)

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Querier
}

// CapabilityRepository defines the data access required by the service.
type CapabilityRepository interface {
	FieldDenied(ctx context.Context, q Querier, identityID, field string) (bool, error)
	FieldGranted(ctx context.Context, q Querier, identityID, field string) (bool, error)
	GroupByName(ctx context.Context, q Querier, name string) (Group, error)
	LockGroup(ctx context.Context, tx pgx.Tx, groupID string) (int, error)
	InsertMembership(ctx context.Context, tx pgx.Tx, identityID, groupID string) error
	DeleteMembership(ctx context.Context, tx pgx.Tx, identityID, groupID string) error
	InsertGroupField(ctx context.Context, tx pgx.Tx, groupID, field string) error
	DeleteGroupField(ctx context.Context, tx pgx.Tx, groupID, field string) error
	InsertRestriction(ctx context.Context, tx pgx.Tx, params InsertRestrictionParams) (Restriction, error)
	LiftRestrictions(ctx context.Context, tx pgx.Tx, identityID string) (int64, error)
	ActiveRestrictions(ctx context.Context, q Querier, identityID string) ([]Restriction, error)
}

type Service struct {
	pool  Pool
	repo  CapabilityRepository
	audit audit.Writer
	log   *zap.Logger
}

func NewService(pool Pool, repo CapabilityRepository, auditor audit.Writer, log *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		audit: auditor,
		log:   log,
	}
}

// HasField reports whether the identity may exercise the field. Active
// restrictions win over any group grant.
func (s *Service) HasField(ctx context.Context, identityID, field string) (bool, error) {
	return s.hasField(ctx, s.pool, identityID, field)
}

func (s *Service) hasField(ctx context.Context, q Querier, identityID, field string) (bool, error) {
	denied, err := s.repo.FieldDenied(ctx, q, identityID, field)
	if err != nil {
		return false, err
	}
	if denied {
		return false, nil
	}
	return s.repo.FieldGranted(ctx, q, identityID, field)
}

// RequireField is HasField with a sentinel error for the command surface.
func (s *Service) RequireField(ctx context.Context, identityID, field string) error {
	ok, err := s.HasField(ctx, identityID, field)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, field)
	}
	return nil
}

// requireField re-checks actor authority inside the mutation transaction so
// a concurrent revocation cannot slip a stale decision through.
func (s *Service) requireField(ctx context.Context, tx pgx.Tx, identityID, field string) error {
	ok, err := s.hasField(ctx, tx, identityID, field)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, field)
	}
	return nil
}

// Bootstrap promotes the identity into the system group while it still has
// open seats. Returns true when a promotion happened.
func (s *Service) Bootstrap(ctx context.Context, identityID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("capability: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	group, err := s.repo.GroupByName(ctx, tx, GroupSystem)
	if err != nil {
		return false, err
	}

	holders, err := s.repo.LockGroup(ctx, tx, group.ID)
	if err != nil {
		return false, err
	}
	if holders >= BootstrapSeats {
		return false, nil
	}

	if err := s.repo.InsertMembership(ctx, tx, identityID, group.ID); err != nil {
		if errors.Is(err, ErrAlreadyMember) {
			return false, nil
		}
		return false, err
	}

	if err := s.audit.Append(ctx, tx, identityID, "capability.bootstrap", GroupSystem); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("capability: commit tx: %w", err)
	}

	s.log.Info("bootstrap promotion", zap.String("identity", identityID))
	return true, nil
}

// AssignGroup adds the target to a group. Modifying the system group needs
// the wildcard field; everything else needs admin.groups.
func (s *Service) AssignGroup(ctx context.Context, actorID, targetID, groupName string) error {
	return s.withGroup(ctx, actorID, groupName, "capability.group.assign", targetID, func(tx pgx.Tx, group Group) error {
		return s.repo.InsertMembership(ctx, tx, targetID, group.ID)
	})
}

// UnassignGroup removes the target from a group. The system group keeps at
// least one holder.
func (s *Service) UnassignGroup(ctx context.Context, actorID, targetID, groupName string) error {
	return s.withGroup(ctx, actorID, groupName, "capability.group.unassign", targetID, func(tx pgx.Tx, group Group) error {
		if group.Name == GroupSystem {
			holders, err := s.repo.LockGroup(ctx, tx, group.ID)
			if err != nil {
				return err
			}
			if holders <= 1 {
				return ErrProtectedTarget
			}
		}
		return s.repo.DeleteMembership(ctx, tx, targetID, group.ID)
	})
}

// GrantField attaches a field to a group.
func (s *Service) GrantField(ctx context.Context, actorID, groupName, field string) error {
	return s.withGroup(ctx, actorID, groupName, "capability.field.grant", field, func(tx pgx.Tx, group Group) error {
		return s.repo.InsertGroupField(ctx, tx, group.ID, field)
	})
}

// RevokeField detaches a field from a group.
func (s *Service) RevokeField(ctx context.Context, actorID, groupName, field string) error {
	return s.withGroup(ctx, actorID, groupName, "capability.field.revoke", field, func(tx pgx.Tx, group Group) error {
		return s.repo.DeleteGroupField(ctx, tx, group.ID, field)
	})
}

func (s *Service) withGroup(ctx context.Context, actorID, groupName, action, detail string, fn func(tx pgx.Tx, group Group) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("capability: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	required := FieldManageGroups
	if groupName == GroupSystem {
		required = FieldAll
	}
	if err := s.requireField(ctx, tx, actorID, required); err != nil {
		return err
	}

	group, err := s.repo.GroupByName(ctx, tx, groupName)
	if err != nil {
		return err
	}

	if err := fn(tx, group); err != nil {
		return err
	}

	if err := s.audit.Append(ctx, tx, actorID, action, fmt.Sprintf("%s:%s", groupName, detail)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("capability: commit tx: %w", err)
	}
	return nil
}

// Restrict denies fields for the target. Wildcard holders cannot be
// restricted.
func (s *Service) Restrict(ctx context.Context, actorID, targetID string, fields []string, ttl time.Duration) (Restriction, error) {
	if len(fields) == 0 {
		return Restriction{}, fmt.Errorf("capability: no fields to restrict")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Restriction{}, fmt.Errorf("capability: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.requireField(ctx, tx, actorID, FieldManageRestrict); err != nil {
		return Restriction{}, err
	}

	protected, err := s.repo.FieldGranted(ctx, tx, targetID, FieldAll)
	if err != nil {
		return Restriction{}, err
	}
	if protected {
		return Restriction{}, ErrProtectedTarget
	}

	params := InsertRestrictionParams{
		IdentityID: targetID,
		IssuedBy:   actorID,
		Fields:     fields,
	}
	if ttl > 0 {
		expires := time.Now().UTC().Add(ttl)
		params.ExpiresAt = &expires
	}

	rec, err := s.repo.InsertRestriction(ctx, tx, params)
	if err != nil {
		return Restriction{}, err
	}

	if err := s.audit.Append(ctx, tx, actorID, "capability.restrict", fmt.Sprintf("%d fields", len(fields)), targetID); err != nil {
		return Restriction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Restriction{}, fmt.Errorf("capability: commit tx: %w", err)
	}
	return rec, nil
}

// Lift clears every active restriction on the target.
func (s *Service) Lift(ctx context.Context, actorID, targetID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("capability: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.requireField(ctx, tx, actorID, FieldManageRestrict); err != nil {
		return err
	}

	lifted, err := s.repo.LiftRestrictions(ctx, tx, targetID)
	if err != nil {
		return err
	}
	if lifted == 0 {
		return ErrNoRestrictions
	}

	if err := s.audit.Append(ctx, tx, actorID, "capability.lift", fmt.Sprintf("%d restrictions", lifted), targetID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("capability: commit tx: %w", err)
	}
	return nil
}

// Restrictions lists the target's active restrictions.
func (s *Service) Restrictions(ctx context.Context, identityID string) ([]Restriction, error) {
	return s.repo.ActiveRestrictions(ctx, s.pool, identityID)
}
