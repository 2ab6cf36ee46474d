package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"exchangehall/audit"
)

func TestHasField_RestrictionWinsOverGrant(t *testing.T) {
	repo := newFakeCapRepo()
	repo.grant("alice", FieldListingCreate)
	repo.deny("alice", FieldListingCreate)

	svc := NewService(&fakePool{}, repo, &captureAudit{}, nil)

	ok, err := svc.HasField(context.Background(), "alice", FieldListingCreate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected restriction to deny the field")
	}
}

func TestHasField_WildcardGrant(t *testing.T) {
	repo := newFakeCapRepo()
	repo.grant("root", FieldAll)

	svc := NewService(&fakePool{}, repo, &captureAudit{}, nil)

	ok, err := svc.HasField(context.Background(), "root", FieldDisputeResolve)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected wildcard holder to pass any field check")
	}
}

func TestRequireField_Sentinel(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeCapRepo(), &captureAudit{}, nil)

	err := svc.RequireField(context.Background(), "nobody", FieldProposalSend)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestBootstrap_PromotesWhileSeatsOpen(t *testing.T) {
	repo := newFakeCapRepo()
	repo.addGroup(GroupSystem, FieldAll)
	pool := &fakePool{}
	auditor := &captureAudit{}
	svc := NewService(pool, repo, auditor, nil)

	promoted, err := svc.Bootstrap(context.Background(), "first")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !promoted {
		t.Fatal("expected first identity to be promoted")
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if len(auditor.actions) != 1 || auditor.actions[0] != "capability.bootstrap" {
		t.Fatalf("expected bootstrap audit entry, got %v", auditor.actions)
	}

	if promoted, err = svc.Bootstrap(context.Background(), "second"); err != nil || !promoted {
		t.Fatalf("expected second promotion, got %v %v", promoted, err)
	}

	promoted, err = svc.Bootstrap(context.Background(), "third")
	if err != nil {
		t.Fatalf("bootstrap third: %v", err)
	}
	if promoted {
		t.Fatal("expected window to close after two holders")
	}
}

func TestBootstrap_AlreadyMemberIsNoop(t *testing.T) {
	repo := newFakeCapRepo()
	repo.addGroup(GroupSystem, FieldAll)
	svc := NewService(&fakePool{}, repo, &captureAudit{}, nil)

	if promoted, err := svc.Bootstrap(context.Background(), "first"); err != nil || !promoted {
		t.Fatalf("first bootstrap: %v %v", promoted, err)
	}
	promoted, err := svc.Bootstrap(context.Background(), "first")
	if err != nil {
		t.Fatalf("repeat bootstrap: %v", err)
	}
	if promoted {
		t.Fatal("expected repeat bootstrap to be a no-op")
	}
}

func TestAssignGroup_RequiresAuthority(t *testing.T) {
	repo := newFakeCapRepo()
	repo.addGroup("trusted")
	pool := &fakePool{}
	svc := NewService(pool, repo, &captureAudit{}, nil)

	err := svc.AssignGroup(context.Background(), "pleb", "bob", "trusted")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected rollback on authority failure")
	}
}

func TestAssignGroup_SystemNeedsWildcard(t *testing.T) {
	repo := newFakeCapRepo()
	repo.addGroup(GroupSystem, FieldAll)
	repo.grant("mod", FieldManageGroups)
	svc := NewService(&fakePool{}, repo, &captureAudit{}, nil)

	err := svc.AssignGroup(context.Background(), "mod", "bob", GroupSystem)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for system group, got %v", err)
	}

	repo.grant("root", FieldAll)
	if err := svc.AssignGroup(context.Background(), "root", "bob", GroupSystem); err != nil {
		t.Fatalf("wildcard holder should assign system group: %v", err)
	}
}

func TestUnassignGroup_KeepsLastSystemHolder(t *testing.T) {
	repo := newFakeCapRepo()
	repo.addGroup(GroupSystem, FieldAll)
	repo.addMember(GroupSystem, "root")
	repo.grant("root", FieldAll)
	svc := NewService(&fakePool{}, repo, &captureAudit{}, nil)

	err := svc.UnassignGroup(context.Background(), "root", "root", GroupSystem)
	if !errors.Is(err, ErrProtectedTarget) {
		t.Fatalf("expected ErrProtectedTarget, got %v", err)
	}
}

func TestRestrict_ProtectedTarget(t *testing.T) {
	repo := newFakeCapRepo()
	repo.grant("mod", FieldManageRestrict)
	repo.grant("root", FieldAll)
	svc := NewService(&fakePool{}, repo, &captureAudit{}, nil)

	_, err := svc.Restrict(context.Background(), "mod", "root", []string{FieldProposalSend}, time.Hour)
	if !errors.Is(err, ErrProtectedTarget) {
		t.Fatalf("expected ErrProtectedTarget, got %v", err)
	}
}

func TestRestrictAndLift(t *testing.T) {
	repo := newFakeCapRepo()
	repo.grant("mod", FieldManageRestrict)
	auditor := &captureAudit{}
	svc := NewService(&fakePool{}, repo, auditor, nil)

	rec, err := svc.Restrict(context.Background(), "mod", "bob", []string{FieldProposalSend, FieldListingCreate}, time.Hour)
	if err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if rec.ExpiresAt == nil {
		t.Fatal("expected expiry to be set")
	}
	if len(rec.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(rec.Fields))
	}

	if err := svc.Lift(context.Background(), "mod", "bob"); err != nil {
		t.Fatalf("lift: %v", err)
	}
	if err := svc.Lift(context.Background(), "mod", "bob"); !errors.Is(err, ErrNoRestrictions) {
		t.Fatalf("expected ErrNoRestrictions on second lift, got %v", err)
	}
	if len(auditor.actions) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(auditor.actions))
	}
}

func TestRestriction_Active(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (Restriction{Lifted: true}).Active(now) {
		t.Error("lifted restriction should be inactive")
	}
	if (Restriction{ExpiresAt: &past}).Active(now) {
		t.Error("expired restriction should be inactive")
	}
	if !(Restriction{ExpiresAt: &future}).Active(now) {
		t.Error("future-expiry restriction should be active")
	}
	if !(Restriction{}).Active(now) {
		t.Error("open-ended restriction should be active")
	}
}

type fakeCapRepo struct {
	granted      map[string]map[string]bool
	denied       map[string]map[string]bool
	groups       map[string]Group
	members      map[string]map[string]bool
	restrictions map[string]int
	nextID       int
}

func newFakeCapRepo() *fakeCapRepo {
	return &fakeCapRepo{
		granted:      make(map[string]map[string]bool),
		denied:       make(map[string]map[string]bool),
		groups:       make(map[string]Group),
		members:      make(map[string]map[string]bool),
		restrictions: make(map[string]int),
		nextID:       1,
	}
}

func (f *fakeCapRepo) grant(id, field string) {
	if f.granted[id] == nil {
		f.granted[id] = make(map[string]bool)
	}
	f.granted[id][field] = true
}

func (f *fakeCapRepo) deny(id, field string) {
	if f.denied[id] == nil {
		f.denied[id] = make(map[string]bool)
	}
	f.denied[id][field] = true
}

func (f *fakeCapRepo) addGroup(name string, fields ...string) {
	f.groups[name] = Group{ID: "group-" + name, Name: name, Fields: fields}
	f.members[name] = make(map[string]bool)
}

func (f *fakeCapRepo) addMember(group, id string) {
	f.members[group][id] = true
}

func (f *fakeCapRepo) FieldDenied(ctx context.Context, q Querier, identityID, field string) (bool, error) {
	return f.denied[identityID][field] || f.denied[identityID][FieldAll], nil
}

func (f *fakeCapRepo) FieldGranted(ctx context.Context, q Querier, identityID, field string) (bool, error) {
	if f.granted[identityID][field] || f.granted[identityID][FieldAll] {
		return true, nil
	}
	for name, members := range f.members {
		if !members[identityID] {
			continue
		}
		for _, gf := range f.groups[name].Fields {
			if gf == field || gf == FieldAll {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeCapRepo) GroupByName(ctx context.Context, q Querier, name string) (Group, error) {
	g, ok := f.groups[name]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g, nil
}

func (f *fakeCapRepo) LockGroup(ctx context.Context, tx pgx.Tx, groupID string) (int, error) {
	for name, g := range f.groups {
		if g.ID == groupID {
			return len(f.members[name]), nil
		}
	}
	return 0, ErrGroupNotFound
}

func (f *fakeCapRepo) InsertMembership(ctx context.Context, tx pgx.Tx, identityID, groupID string) error {
	for name, g := range f.groups {
		if g.ID != groupID {
			continue
		}
		if f.members[name][identityID] {
			return ErrAlreadyMember
		}
		f.members[name][identityID] = true
		return nil
	}
	return ErrGroupNotFound
}

func (f *fakeCapRepo) DeleteMembership(ctx context.Context, tx pgx.Tx, identityID, groupID string) error {
	for name, g := range f.groups {
		if g.ID != groupID {
			continue
		}
		if !f.members[name][identityID] {
			return ErrNotMember
		}
		delete(f.members[name], identityID)
		return nil
	}
	return ErrGroupNotFound
}

func (f *fakeCapRepo) InsertGroupField(ctx context.Context, tx pgx.Tx, groupID, field string) error {
	for name, g := range f.groups {
		if g.ID == groupID {
			g.Fields = append(g.Fields, field)
			f.groups[name] = g
			return nil
		}
	}
	return ErrGroupNotFound
}

func (f *fakeCapRepo) DeleteGroupField(ctx context.Context, tx pgx.Tx, groupID, field string) error {
	for name, g := range f.groups {
		if g.ID != groupID {
			continue
		}
		for i, gf := range g.Fields {
			if gf == field {
				g.Fields = append(g.Fields[:i], g.Fields[i+1:]...)
				f.groups[name] = g
				return nil
			}
		}
		return ErrFieldNotFound
	}
	return ErrGroupNotFound
}

func (f *fakeCapRepo) InsertRestriction(ctx context.Context, tx pgx.Tx, params InsertRestrictionParams) (Restriction, error) {
	f.nextID++
	f.restrictions[params.IdentityID]++
	for _, field := range params.Fields {
		f.deny(params.IdentityID, field)
	}
	return Restriction{
		ID:         "restriction-" + params.IdentityID,
		IdentityID: params.IdentityID,
		IssuedBy:   params.IssuedBy,
		Fields:     params.Fields,
		ExpiresAt:  params.ExpiresAt,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (f *fakeCapRepo) LiftRestrictions(ctx context.Context, tx pgx.Tx, identityID string) (int64, error) {
	n := f.restrictions[identityID]
	f.restrictions[identityID] = 0
	delete(f.denied, identityID)
	return int64(n), nil
}

func (f *fakeCapRepo) ActiveRestrictions(ctx context.Context, q Querier, identityID string) ([]Restriction, error) {
	return nil, nil
}

type captureAudit struct {
	actions []string
}

func (c *captureAudit) Append(ctx context.Context, tx pgx.Tx, initiatorID, action, detail string, participants ...string) error {
	c.actions = append(c.actions, action)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

var _ audit.Writer = (*captureAudit)(nil)
