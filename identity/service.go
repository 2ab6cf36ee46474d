package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"exchangehall/audit"
	"exchangehall/capability"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// IdentityRepository defines the data access required by the service.
type IdentityRepository interface {
	Get(ctx context.Context, id string) (Identity, error)
	GetByExternal(ctx context.Context, externalID string) (Identity, error)
	Upsert(ctx context.Context, tx pgx.Tx, externalID, handle string) (Identity, bool, error)
	AssignDefaultGroup(ctx context.Context, tx pgx.Tx, identityID, groupName string) error
	SetChatEnabled(ctx context.Context, id string, enabled bool) error
	SetAnonymous(ctx context.Context, id string, anonymous bool) error
	SetBanned(ctx context.Context, tx pgx.Tx, id string, banned bool) error
	InsertBlock(ctx context.Context, ownerID, blockedID string) error
	DeleteBlock(ctx context.Context, ownerID, blockedID string) error
	BlockedEither(ctx context.Context, a, b string) (bool, error)
	ListBlocked(ctx context.Context, ownerID string) ([]Identity, error)
	HandlesForSearch(ctx context.Context) (map[string]string, error)
}

// Authorizer checks actor capability before privileged mutations.
type Authorizer interface {
	RequireField(ctx context.Context, identityID, field string) error
}

type Service struct {
	pool  TxBeginner
	repo  IdentityRepository
	authz Authorizer
	audit audit.Writer
	log   *zap.Logger
}

func NewService(pool TxBeginner, repo IdentityRepository, authz Authorizer, auditor audit.Writer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		authz: authz,
		audit: auditor,
		log:   log,
	}
}

// Resolve returns the identity for an external id, creating it on first
// contact. New identities join the member group.
func (s *Service) Resolve(ctx context.Context, externalID, handle string) (Identity, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Identity{}, fmt.Errorf("identity: missing external id")
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		handle = externalID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, created, err := s.repo.Upsert(ctx, tx, externalID, handle)
	if err != nil {
		return Identity{}, err
	}

	if created {
		if err := s.repo.AssignDefaultGroup(ctx, tx, rec.ID, capability.GroupMember); err != nil {
			return Identity{}, err
		}
		if err := s.audit.Append(ctx, tx, rec.ID, "identity.created", rec.Handle); err != nil {
			return Identity{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Identity{}, fmt.Errorf("identity: commit tx: %w", err)
	}

	if created {
		s.log.Info("identity created", zap.String("identity", rec.ID))
	}

	if rec.Banned {
		return rec, ErrBanned
	}
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (Identity, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByExternal(ctx context.Context, externalID string) (Identity, error) {
	return s.repo.GetByExternal(ctx, externalID)
}

// SetChatEnabled toggles whether partners may open relay threads with this
// identity.
func (s *Service) SetChatEnabled(ctx context.Context, id string, enabled bool) error {
	return s.repo.SetChatEnabled(ctx, id, enabled)
}

// SetAnonymous toggles handle masking on public surfaces.
func (s *Service) SetAnonymous(ctx context.Context, id string, anonymous bool) error {
	return s.repo.SetAnonymous(ctx, id, anonymous)
}

// Block hides the target from the owner and bars proposals and relay
// threads between the pair.
func (s *Service) Block(ctx context.Context, ownerID, targetID string) error {
	if ownerID == targetID {
		return ErrSelfReference
	}
	if _, err := s.repo.Get(ctx, targetID); err != nil {
		return err
	}
	return s.repo.InsertBlock(ctx, ownerID, targetID)
}

func (s *Service) Unblock(ctx context.Context, ownerID, targetID string) error {
	return s.repo.DeleteBlock(ctx, ownerID, targetID)
}

func (s *Service) Blocked(ctx context.Context, ownerID string) ([]Identity, error) {
	return s.repo.ListBlocked(ctx, ownerID)
}

// Handles returns the handle to id map used by fuzzy identity lookup.
func (s *Service) Handles(ctx context.Context) (map[string]string, error) {
	return s.repo.HandlesForSearch(ctx)
}

// BlockedEither reports whether either side blocks the other.
func (s *Service) BlockedEither(ctx context.Context, a, b string) (bool, error) {
	return s.repo.BlockedEither(ctx, a, b)
}

// Ban permanently bars the target from the hall. Requires admin.ban.
func (s *Service) Ban(ctx context.Context, actorID, targetID string) error {
	if actorID == targetID {
		return ErrSelfReference
	}
	if err := s.authz.RequireField(ctx, actorID, capability.FieldBanIdentity); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetBanned(ctx, tx, targetID, true); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, actorID, "identity.banned", "", targetID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit tx: %w", err)
	}

	s.log.Warn("identity banned", zap.String("target", targetID), zap.String("actor", actorID))
	return nil
}

// Unban lifts a permanent ban. Requires admin.ban.
func (s *Service) Unban(ctx context.Context, actorID, targetID string) error {
	if err := s.authz.RequireField(ctx, actorID, capability.FieldBanIdentity); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetBanned(ctx, tx, targetID, false); err != nil {
		return err
	}
	if err := s.audit.Append(ctx, tx, actorID, "identity.unbanned", "", targetID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("identity: commit tx: %w", err)
	}
	return nil
}
