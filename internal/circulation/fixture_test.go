package circulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"libracirc/internal/patron"
	"libracirc/internal/policy"

	"github.com/stretchr/testify/require"
)

const (
	orgPID   = "org-1"
	libA     = "lib-a"
	libB     = "lib-b"
	libC     = "lib-c"
	locA     = "loc-a"
	locA2    = "loc-a2"
	locB     = "loc-b"
	locC     = "loc-c"
	locStack = "loc-stack"
	itemPID  = "item-1"
	barcode  = "10000001"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fixture is a small three-library world: lib-a owns the item, lib-b and
// lib-c are other branches. Every location but loc-stack is a pickup location.
type fixture struct {
	store    *MemoryStore
	policies *policy.MemoryStore
	resolver *policy.Resolver
	patrons  *patron.MemoryDirectory
	engine   *Engine

	item  *Item
	loans []*Loan
	now   time.Time
	cfg   Config
}

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func newFixture(t testingT) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    NewMemoryStore(),
		policies: policy.NewMemoryStore(),
		patrons:  patron.NewMemoryDirectory(),
		now:      baseTime,
		cfg:      DefaultConfig(),
	}

	for _, loc := range []*Location{
		{PID: locA, LibraryPID: libA, Name: "A main desk", IsPickup: true},
		{PID: locA2, LibraryPID: libA, Name: "A second floor", IsPickup: true},
		{PID: locB, LibraryPID: libB, Name: "B desk", IsPickup: true},
		{PID: locC, LibraryPID: libC, Name: "C desk", IsPickup: true},
		{PID: locStack, LibraryPID: libA, Name: "A closed stack"},
	} {
		require.NoError(t, f.store.CreateLocation(ctx, loc))
	}

	f.policies.AddOrganisation(policy.Organisation{PID: orgPID, Name: "Org"})
	require.NoError(t, f.policies.CreatePolicy(ctx, &policy.CircPolicy{
		PID:                "policy-default",
		Name:               "Default",
		OrganisationPID:    orgPID,
		CheckoutDuration:   14,
		NumberRenewals:     2,
		RenewalDuration:    7,
		AllowCheckout:      true,
		AllowRequests:      true,
		PickupHoldDuration: 10,
		IsDefault:          true,
	}))
	require.NoError(t, f.policies.CreatePolicy(ctx, &policy.CircPolicy{
		PID:             "policy-reference",
		Name:            "Reference",
		OrganisationPID: orgPID,
		ItemTypePID:     "reference",
		AllowRequests:   false,
		AllowCheckout:   false,
	}))
	resolver, err := policy.NewResolver(f.policies, 16, time.Minute)
	require.NoError(t, err)
	f.resolver = resolver

	for _, p := range []*patron.Patron{
		{PID: "p1", Name: "Ada", OrganisationPID: orgPID, LibraryPID: libA, PatronTypePID: "adult"},
		{PID: "p2", Name: "Brian", OrganisationPID: orgPID, LibraryPID: libA, PatronTypePID: "adult"},
		{PID: "p3", Name: "Chen", OrganisationPID: orgPID, LibraryPID: libB, PatronTypePID: "adult"},
		{PID: "blocked", Name: "Dana", OrganisationPID: orgPID, LibraryPID: libA, PatronTypePID: "adult", IsBlocked: true},
	} {
		require.NoError(t, f.patrons.CreatePatron(ctx, p))
	}

	f.engine = NewEngine(f.resolver, f.patrons, f.store)
	var mu sync.Mutex
	n := 0
	f.engine.newPID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("loan-%d", n)
	}

	f.item = &Item{
		PID:             itemPID,
		Barcode:         barcode,
		OrganisationPID: orgPID,
		LibraryPID:      libA,
		LocationPID:     locA,
		ItemTypePID:     "book",
		Status:          StatusOnShelf,
	}
	require.NoError(t, f.store.CreateItem(ctx, f.item.Clone()))
	f.item.Version = 1
	return f
}

// apply runs one engine action against the fixture's committed state and
// keeps the result only when the action and the invariant check succeed.
func (f *fixture) apply(action Action, p ActionParams, at string) (*Txn, error) {
	t := NewTxn(f.item, f.loans, TransactionContext{
		Actor:               "librarian",
		Now:                 f.now,
		TransactionLocation: at,
		Config:              f.cfg,
	})
	if err := f.engine.Apply(context.Background(), t, action, p); err != nil {
		return t, err
	}
	if err := CheckInvariants(t.Item, t.Loans); err != nil {
		return t, err
	}
	f.item, f.loans = t.Item, t.Loans
	f.tick()
	return t, nil
}

func (f *fixture) mustApply(tb testingT, action Action, p ActionParams, at string) *Txn {
	tb.Helper()
	t, err := f.apply(action, p, at)
	require.NoError(tb, err, "%s", action)
	return t
}

func (f *fixture) tick() {
	f.now = f.now.Add(time.Minute)
}

func (f *fixture) loan(pid string) *Loan {
	for _, l := range f.loans {
		if l.PID == pid {
			return l
		}
	}
	return nil
}

// recorder collects notifications for service tests.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = nil
}
