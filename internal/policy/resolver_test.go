package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	s.AddOrganisation(Organisation{PID: "org-1", Name: "Org"})
	for _, p := range []CircPolicy{
		{PID: "default", Name: "Default", OrganisationPID: "org-1", IsDefault: true, CheckoutDuration: 14, AllowCheckout: true},
		{PID: "lib", Name: "Library", OrganisationPID: "org-1", LibraryPID: "lib-a", CheckoutDuration: 21, AllowCheckout: true},
		{PID: "lib-adult", Name: "Library adults", OrganisationPID: "org-1", LibraryPID: "lib-a", PatronTypePID: "adult", CheckoutDuration: 28, AllowCheckout: true},
		{PID: "dvd", Name: "DVD", OrganisationPID: "org-1", ItemTypePID: "dvd", CheckoutDuration: 7, AllowCheckout: true},
		{PID: "child-dvd", Name: "Child DVD", OrganisationPID: "org-1", PatronTypePID: "child", ItemTypePID: "dvd", CheckoutDuration: 3, AllowCheckout: true},
	} {
		p := p
		require.NoError(t, s.CreatePolicy(ctx, &p))
	}
	return s
}

func TestResolver_Resolve(t *testing.T) {
	r, err := NewResolver(seedStore(t), 8, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name string
		q    Query
		want string
	}{
		{name: "exact library and patron type", q: Query{OrganisationPID: "org-1", LibraryPID: "lib-a", PatronTypePID: "adult", ItemTypePID: "book"}, want: "lib-adult"},
		{name: "library beats item type", q: Query{OrganisationPID: "org-1", LibraryPID: "lib-a", PatronTypePID: "child", ItemTypePID: "dvd"}, want: "lib"},
		{name: "patron type and item type", q: Query{OrganisationPID: "org-1", LibraryPID: "lib-b", PatronTypePID: "child", ItemTypePID: "dvd"}, want: "child-dvd"},
		{name: "item type only", q: Query{OrganisationPID: "org-1", LibraryPID: "lib-b", PatronTypePID: "adult", ItemTypePID: "dvd"}, want: "dvd"},
		{name: "falls back to default", q: Query{OrganisationPID: "org-1", LibraryPID: "lib-b", PatronTypePID: "adult", ItemTypePID: "book"}, want: "default"},
		{name: "empty dimensions", q: Query{OrganisationPID: "org-1"}, want: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(context.Background(), tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.PID)
		})
	}
}

func TestResolver_Errors(t *testing.T) {
	r, err := NewResolver(seedStore(t), 0, 0)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = r.Resolve(context.Background(), Query{OrganisationPID: "org-2"})
	assert.ErrorIs(t, err, ErrNoDefaultPolicy)
}

func TestResolver_CacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	r, err := NewResolver(s, 8, time.Minute)
	require.NoError(t, err)

	q := Query{OrganisationPID: "org-1", LibraryPID: "lib-b", PatronTypePID: "adult", ItemTypePID: "book"}
	p, err := r.Resolve(ctx, q)
	require.NoError(t, err)
	require.Equal(t, "default", p.PID)

	require.NoError(t, s.CreatePolicy(ctx, &CircPolicy{PID: "lib-b", Name: "Library B", OrganisationPID: "org-1", LibraryPID: "lib-b"}))

	p, err = r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "default", p.PID, "served from cache")

	r.Invalidate()
	p, err = r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "lib-b", p.PID)
}

func TestResolver_ReturnsCopies(t *testing.T) {
	r, err := NewResolver(seedStore(t), 8, time.Minute)
	require.NoError(t, err)
	q := Query{OrganisationPID: "org-1"}

	p, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	p.CheckoutDuration = 999

	again, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 14, again.CheckoutDuration)
}

// racingStore runs after once, right after the first ListPolicies has read
// its snapshot.
type racingStore struct {
	Store
	once  sync.Once
	after func()
}

func (s *racingStore) ListPolicies(ctx context.Context, organisationPID string) ([]CircPolicy, error) {
	ps, err := s.Store.ListPolicies(ctx, organisationPID)
	s.once.Do(s.after)
	return ps, err
}

func TestResolver_InvalidateDuringResolveIsNotCached(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	var r *Resolver
	rs := &racingStore{Store: s, after: func() {
		p, err := s.GetPolicy(ctx, "default")
		require.NoError(t, err)
		p.CheckoutDuration = 30
		require.NoError(t, s.UpdatePolicy(ctx, p, p.Version))
		r.Invalidate()
	}}
	r, err := NewResolver(rs, 8, time.Minute)
	require.NoError(t, err)

	q := Query{OrganisationPID: "org-1"}
	p, err := r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 14, p.CheckoutDuration, "first read saw the old snapshot")

	p, err = r.Resolve(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 30, p.CheckoutDuration)
}

func TestResolver_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	r, err := NewResolver(s, 8, 20*time.Millisecond)
	require.NoError(t, err)

	q := Query{OrganisationPID: "org-1", LibraryPID: "lib-b"}
	p, err := r.Resolve(ctx, q)
	require.NoError(t, err)
	require.Equal(t, "default", p.PID)

	require.NoError(t, s.CreatePolicy(ctx, &CircPolicy{PID: "lib-b", Name: "Library B", OrganisationPID: "org-1", LibraryPID: "lib-b"}))

	assert.Eventually(t, func() bool {
		p, err := r.Resolve(ctx, q)
		return err == nil && p.PID == "lib-b"
	}, time.Second, 5*time.Millisecond)
}

func TestNewResolver_RejectsNegativeSettings(t *testing.T) {
	_, err := NewResolver(NewMemoryStore(), -1, 0)
	assert.Error(t, err)
	_, err = NewResolver(NewMemoryStore(), 0, -time.Second)
	assert.Error(t, err)
}
