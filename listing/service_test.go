package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"exchangehall/identity"
)

func newTestService(repo *fakeListingRepo, ids *fakeDirectory) (*Service, *captureOutbox) {
	outbox := &captureOutbox{}
	svc := NewService(ServiceDeps{
		Pool:     &fakePool{},
		Querier:  &fakePool{},
		Repo:     repo,
		IDs:      ids,
		Balances: ids,
		Authz:    allowAll{},
		Audit:    &captureAudit{},
		Outbox:   outbox,
		Sealer:   NewSealer(testKey()),
	})
	return svc, outbox
}

func baseParams() CreateParams {
	return CreateParams{
		OwnerID: "alice",
		Payload: "secret content",
		Name:    "old lamp",
		Desired: "anything shiny",
	}
}

func TestCreate_PriceCapRejected(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	svc, _ := newTestService(newFakeListingRepo(), ids)

	params := baseParams()
	params.Price = 5000

	_, err := svc.Create(context.Background(), params)
	if !errors.Is(err, ErrPriceCap) {
		t.Fatalf("expected ErrPriceCap for fresh seller at 5000, got %v", err)
	}
}

func TestCreate_PriceWithinCap(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	params := baseParams()
	params.Price = 1000

	rec, err := svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusListed {
		t.Fatalf("expected listed, got %s", rec.Status)
	}
}

func TestCreate_LowTrust(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 50)
	svc, _ := newTestService(newFakeListingRepo(), ids)

	_, err := svc.Create(context.Background(), baseParams())
	if !errors.Is(err, ErrLowTrust) {
		t.Fatalf("expected ErrLowTrust, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	svc, _ := newTestService(newFakeListingRepo(), ids)

	tests := []struct {
		name   string
		modify func(*CreateParams)
		want   error
	}{
		{"long name", func(p *CreateParams) { p.Name = strings.Repeat("x", MaxNameLen+1) }, ErrNameTooLong},
		{"long description", func(p *CreateParams) { p.Description = strings.Repeat("x", MaxDescriptionLen+1) }, ErrDescTooLong},
		{"empty name", func(p *CreateParams) { p.Name = "  " }, ErrEmptyName},
		{"empty payload", func(p *CreateParams) { p.Payload = "" }, ErrEmptyPayload},
		{"negative price", func(p *CreateParams) { p.Price = -5 }, ErrNegativePrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := baseParams()
			tt.modify(&params)
			if _, err := svc.Create(context.Background(), params); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreate_ReviewTriggers(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	ids.add("newbie", 70)
	svc, _ := newTestService(newFakeListingRepo(), ids)

	withURL := baseParams()
	withURL.Description = "see https://example.com/item"
	rec, err := svc.Create(context.Background(), withURL)
	if err != nil {
		t.Fatalf("create with url: %v", err)
	}
	if rec.Status != StatusUnderReview {
		t.Fatalf("expected review for url text, got %s", rec.Status)
	}

	withImage := baseParams()
	withImage.ImageRef = "media/abc123"
	if rec, err = svc.Create(context.Background(), withImage); err != nil || rec.Status != StatusUnderReview {
		t.Fatalf("expected review for image listing, got %s %v", rec.Status, err)
	}

	lowTrust := baseParams()
	lowTrust.OwnerID = "newbie"
	if rec, err = svc.Create(context.Background(), lowTrust); err != nil || rec.Status != StatusUnderReview {
		t.Fatalf("expected review for trust below %d, got %s %v", ReviewTrustFloor, rec.Status, err)
	}
}

func TestCreate_CapacityFallsBackToPending(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	for i := 0; i < MaxListedPerOwner; i++ {
		params := baseParams()
		params.Name = fmt.Sprintf("item %d", i)
		rec, err := svc.Create(context.Background(), params)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if rec.Status != StatusListed {
			t.Fatalf("create %d: expected listed, got %s", i, rec.Status)
		}
	}

	rec, err := svc.Create(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("create at capacity: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected pending beyond capacity, got %s", rec.Status)
	}
}

func TestApprove(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 70)
	repo := newFakeListingRepo()
	svc, outbox := newTestService(repo, ids)

	params := baseParams()
	params.OwnerID = "alice"
	rec, err := svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusUnderReview {
		t.Fatalf("expected under review, got %s", rec.Status)
	}

	approved, err := svc.Approve(context.Background(), "reviewer", rec.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusListed {
		t.Fatalf("expected listed, got %s", approved.Status)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != "listing.approved" {
		t.Fatalf("expected approval notification, got %v", outbox.topics)
	}

	if _, err := svc.Approve(context.Background(), "reviewer", rec.ID); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus on double approve, got %v", err)
	}
}

func TestRuleViolation_PenalizesOwner(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, outbox := newTestService(repo, ids)

	rec, err := svc.Create(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.RuleViolation(context.Background(), "admin", rec.ID); err != nil {
		t.Fatalf("rule violation: %v", err)
	}
	if repo.byID[rec.ID].Status != StatusViolation {
		t.Fatalf("expected violation status, got %s", repo.byID[rec.ID].Status)
	}
	if got := ids.trust["alice"]; got != 70 {
		t.Fatalf("expected owner trust 70 after penalty, got %d", got)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != "listing.violation" {
		t.Fatalf("expected violation notification, got %v", outbox.topics)
	}
}

func TestToggle_RoundTrip(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	rec, _ := svc.Create(context.Background(), baseParams())

	toggled, err := svc.Toggle(context.Background(), "alice", rec.ID)
	if err != nil {
		t.Fatalf("unlist: %v", err)
	}
	if toggled.Status != StatusPending {
		t.Fatalf("expected pending, got %s", toggled.Status)
	}

	toggled, err = svc.Toggle(context.Background(), "alice", rec.ID)
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if toggled.Status != StatusListed {
		t.Fatalf("expected listed, got %s", toggled.Status)
	}

	if _, err := svc.Toggle(context.Background(), "mallory", rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}
}

func TestEdit_RevalidatesCapAndReview(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	rec, _ := svc.Create(context.Background(), baseParams())

	_, err := svc.Edit(context.Background(), "alice", rec.ID, EditParams{Name: "old lamp", Price: 5000})
	if !errors.Is(err, ErrPriceCap) {
		t.Fatalf("expected ErrPriceCap on edit, got %v", err)
	}

	updated, err := svc.Edit(context.Background(), "alice", rec.ID, EditParams{
		Name:        "old lamp",
		Description: "now at https://spam.example",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.Status != StatusUnderReview {
		t.Fatalf("expected edit with url to re-enter review, got %s", updated.Status)
	}
}

func TestDelete_Guards(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	rec, _ := svc.Create(context.Background(), baseParams())

	if err := svc.Delete(context.Background(), "alice", rec.ID); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("expected ErrNotClosed for active listing, got %v", err)
	}

	repo.setStatus(rec.ID, StatusSold)
	repo.openDisputes[rec.ID] = true
	if err := svc.Delete(context.Background(), "alice", rec.ID); !errors.Is(err, ErrOpenDispute) {
		t.Fatalf("expected ErrOpenDispute, got %v", err)
	}

	repo.openDisputes[rec.ID] = false
	if err := svc.Delete(context.Background(), "alice", rec.ID); err != nil {
		t.Fatalf("delete closed listing: %v", err)
	}
	if !repo.byID[rec.ID].Deleted {
		t.Fatal("expected soft delete flag")
	}
}

func TestDelete_ResolvedDisputedListing(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	rec, _ := svc.Create(context.Background(), baseParams())
	repo.setStatus(rec.ID, StatusDisputed)

	// While the dispute is open deletion stays blocked.
	repo.openDisputes[rec.ID] = true
	if err := svc.Delete(context.Background(), "alice", rec.ID); !errors.Is(err, ErrOpenDispute) {
		t.Fatalf("expected ErrOpenDispute, got %v", err)
	}

	// Once resolved, a disputed listing is off the shelf for good and the
	// owner may clear it out.
	repo.openDisputes[rec.ID] = false
	if err := svc.Delete(context.Background(), "alice", rec.ID); err != nil {
		t.Fatalf("delete resolved disputed listing: %v", err)
	}
	if !repo.byID[rec.ID].Deleted {
		t.Fatal("expected soft delete flag")
	}
}

func TestReveal_Access(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	rec, _ := svc.Create(context.Background(), baseParams())

	plain, err := svc.Reveal(context.Background(), "alice", rec.ID)
	if err != nil {
		t.Fatalf("owner reveal: %v", err)
	}
	if plain != "secret content" {
		t.Fatalf("unexpected payload %q", plain)
	}

	if _, err := svc.Reveal(context.Background(), "bob", rec.ID); !errors.Is(err, ErrPayloadSealed) {
		t.Fatalf("expected ErrPayloadSealed before sale, got %v", err)
	}

	repo.setStatus(rec.ID, StatusSold)
	repo.acceptedBy[rec.ID] = "bob"

	if plain, err = svc.Reveal(context.Background(), "bob", rec.ID); err != nil || plain != "secret content" {
		t.Fatalf("buyer reveal: %q %v", plain, err)
	}
	if _, err := svc.Reveal(context.Background(), "mallory", rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}
}

func TestExpireStale_NotifiesOwners(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, outbox := newTestService(repo, ids)

	rec, _ := svc.Create(context.Background(), baseParams())
	repo.setCreatedAt(rec.ID, time.Now().UTC().Add(-48*time.Hour))

	n, err := svc.ExpireStale(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}
	if repo.byID[rec.ID].Status != StatusExpired {
		t.Fatalf("expected expired, got %s", repo.byID[rec.ID].Status)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != "listing.expired" {
		t.Fatalf("expected expiry notification, got %v", outbox.topics)
	}
}

func TestPriceCapGrowsWithSales(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	cap, err := svc.PriceCap(context.Background(), "alice")
	if err != nil {
		t.Fatalf("price cap: %v", err)
	}
	if cap != 1000 {
		t.Fatalf("fresh seller cap = %d, want 1000", cap)
	}

	for i := 0; i < 2; i++ {
		if _, err := repo.Insert(context.Background(), nil, InsertParams{OwnerID: "alice", Name: "sold item", Status: StatusSold}); err != nil {
			t.Fatalf("seed sold listing: %v", err)
		}
	}
	cap, err = svc.PriceCap(context.Background(), "alice")
	if err != nil {
		t.Fatalf("price cap: %v", err)
	}
	if cap != 3000 {
		t.Fatalf("cap after two sales = %d, want 3000", cap)
	}

	if _, err := svc.PriceCap(context.Background(), "ghost"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown owner, got %v", err)
	}
}

func TestSearchRanksByName(t *testing.T) {
	ids := newFakeDirectory()
	ids.add("alice", 100)
	repo := newFakeListingRepo()
	svc, _ := newTestService(repo, ids)

	seed := func(name string) string {
		rec, err := repo.Insert(context.Background(), nil, InsertParams{OwnerID: "alice", Name: name, Status: StatusListed})
		if err != nil {
			t.Fatalf("seed %q: %v", name, err)
		}
		return rec.ID
	}
	kettleID := seed("copper kettle")
	seed("walnut chessboard")

	found, err := svc.Search(context.Background(), "kettle", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != kettleID {
		t.Fatalf("search = %+v, want the kettle only", found)
	}

	// A blank query matches nothing rather than dumping the whole feed.
	found, err = svc.Search(context.Background(), "   ", 10)
	if err != nil || len(found) != 0 {
		t.Fatalf("blank query = %+v %v, want empty", found, err)
	}
}

type fakeDirectory struct {
	trust map[string]int
	coins map[string]int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{trust: make(map[string]int), coins: make(map[string]int64)}
}

func (f *fakeDirectory) add(id string, trust int) {
	f.trust[id] = trust
}

func (f *fakeDirectory) Get(ctx context.Context, id string) (identity.Identity, error) {
	trust, ok := f.trust[id]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return identity.Identity{ID: id, Trust: trust, Coins: f.coins[id]}, nil
}

func (f *fakeDirectory) AdjustBalances(ctx context.Context, tx pgx.Tx, id string, trustDelta int, coinDelta int64) (identity.Identity, error) {
	if _, ok := f.trust[id]; !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	f.trust[id] += trustDelta
	if f.trust[id] > 100 {
		f.trust[id] = 100
	}
	if f.trust[id] < 0 {
		f.trust[id] = 0
	}
	f.coins[id] += coinDelta
	if f.coins[id] < 0 {
		f.coins[id] = 0
	}
	return identity.Identity{ID: id, Trust: f.trust[id], Coins: f.coins[id]}, nil
}

type fakeListingRepo struct {
	byID         map[string]*Listing
	openDisputes map[string]bool
	acceptedBy   map[string]string
	nextID       int
}

func newFakeListingRepo() *fakeListingRepo {
	return &fakeListingRepo{
		byID:         make(map[string]*Listing),
		openDisputes: make(map[string]bool),
		acceptedBy:   make(map[string]string),
		nextID:       1,
	}
}

func (f *fakeListingRepo) setStatus(id string, status Status) {
	f.byID[id].Status = status
}

func (f *fakeListingRepo) setCreatedAt(id string, at time.Time) {
	f.byID[id].CreatedAt = at
}

func (f *fakeListingRepo) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Listing, error) {
	rec := Listing{
		ID:          fmt.Sprintf("listing-%d", f.nextID),
		OwnerID:     params.OwnerID,
		Payload:     params.Payload,
		Name:        params.Name,
		Description: params.Description,
		ImageRef:    params.ImageRef,
		Desired:     params.Desired,
		Price:       params.Price,
		Revision:    params.Revision,
		AvailableAt: params.AvailableAt,
		Status:      params.Status,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	f.nextID++
	f.byID[rec.ID] = &rec
	return rec, nil
}

func (f *fakeListingRepo) Get(ctx context.Context, q Querier, id string) (Listing, error) {
	rec, ok := f.byID[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return *rec, nil
}

func (f *fakeListingRepo) Lock(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	return f.Get(ctx, nil, id)
}

func (f *fakeListingRepo) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	rec, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	return nil
}

func (f *fakeListingRepo) Update(ctx context.Context, tx pgx.Tx, id string, params UpdateParams) (Listing, error) {
	rec, ok := f.byID[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	rec.Name = params.Name
	rec.Description = params.Description
	rec.Desired = params.Desired
	rec.Price = params.Price
	rec.Status = params.Status
	return *rec, nil
}

func (f *fakeListingRepo) SetDeleted(ctx context.Context, tx pgx.Tx, id string) error {
	rec, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Deleted = true
	return nil
}

func (f *fakeListingRepo) CountSold(ctx context.Context, q Querier, ownerID string) (int, error) {
	n := 0
	for _, rec := range f.byID {
		if rec.OwnerID == ownerID && rec.Status == StatusSold {
			n++
		}
	}
	return n, nil
}

func (f *fakeListingRepo) CountListed(ctx context.Context, q Querier, ownerID string) (int, error) {
	n := 0
	for _, rec := range f.byID {
		if rec.OwnerID == ownerID && rec.Status == StatusListed && !rec.Deleted {
			n++
		}
	}
	return n, nil
}

func (f *fakeListingRepo) HasOpenDispute(ctx context.Context, q Querier, listingID string) (bool, error) {
	return f.openDisputes[listingID], nil
}

func (f *fakeListingRepo) AcceptedProposer(ctx context.Context, q Querier, listingID string) (string, error) {
	return f.acceptedBy[listingID], nil
}

func (f *fakeListingRepo) ListOpen(ctx context.Context, limit, offset int) ([]Listing, error) {
	out := make([]Listing, 0)
	for _, rec := range f.byID {
		if rec.Status == StatusListed && !rec.Deleted {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeListingRepo) ListByOwner(ctx context.Context, ownerID string) ([]Listing, error) {
	out := make([]Listing, 0)
	for _, rec := range f.byID {
		if rec.OwnerID == ownerID && !rec.Deleted {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeListingRepo) ListReviewQueue(ctx context.Context, limit int) ([]Listing, error) {
	out := make([]Listing, 0)
	for _, rec := range f.byID {
		if rec.Status == StatusUnderReview && !rec.Deleted {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeListingRepo) NamesForSearch(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, rec := range f.byID {
		if rec.Status == StatusListed && !rec.Deleted {
			out[rec.Name] = rec.ID
		}
	}
	return out, nil
}

func (f *fakeListingRepo) ExpireStale(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]ExpiredListing, error) {
	var out []ExpiredListing
	for _, rec := range f.byID {
		if rec.Status == StatusListed && !rec.Deleted && rec.CreatedAt.Before(cutoff) {
			rec.Status = StatusExpired
			out = append(out, ExpiredListing{ID: rec.ID, OwnerID: rec.OwnerID, Name: rec.Name})
		}
	}
	return out, nil
}

type allowAll struct{}

func (allowAll) RequireField(context.Context, string, string) error { return nil }

type captureAudit struct {
	actions []string
}

func (c *captureAudit) Append(ctx context.Context, tx pgx.Tx, initiatorID, action, detail string, participants ...string) error {
	c.actions = append(c.actions, action)
	return nil
}

type captureOutbox struct {
	topics []string
}

func (c *captureOutbox) Enqueue(ctx context.Context, tx pgx.Tx, recipientID, topic string, payload map[string]any) error {
	c.topics = append(c.topics, topic)
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
