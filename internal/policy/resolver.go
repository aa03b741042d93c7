// internal/policy/resolver.go
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// Resolver returns the single policy applicable to a transaction.
//
// Resolution order, first match wins: every combination of the query's
// library, patron type and item type, generalised by dropping dimensions in
// the precedence library > patron_type > item_type, then the organisation's
// default policy. Returned policies are value copies.
//
// Cached resolutions expire after the configured TTL, so writes made by other
// instances sharing the store become visible without an explicit Invalidate.
type Resolver struct {
	store  Store
	cache  *expirable.LRU[Query, CircPolicy]
	mu     sync.Mutex
	gen    uint64
	tracer trace.Tracer
}

// NewResolver creates a resolver over store with an LRU cache of cacheSize
// entries that each live for ttl. Zero values select the defaults.
func NewResolver(store Store, cacheSize int, ttl time.Duration) (*Resolver, error) {
	if cacheSize < 0 || ttl < 0 {
		return nil, fmt.Errorf("invalid policy cache settings: size %d, ttl %s", cacheSize, ttl)
	}
	if cacheSize == 0 {
		cacheSize = defaultCacheSize
	}
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &Resolver{
		store:  store,
		cache:  expirable.NewLRU[Query, CircPolicy](cacheSize, nil, ttl),
		tracer: otel.Tracer("libracirc/policy"),
	}, nil
}

// Resolve returns the policy for q.
func (r *Resolver) Resolve(ctx context.Context, q Query) (CircPolicy, error) {
	if q.OrganisationPID == "" {
		return CircPolicy{}, ErrInvalidQuery
	}
	if p, ok := r.cache.Get(q); ok {
		return p, nil
	}

	ctx, span := r.tracer.Start(ctx, "policy.resolve",
		trace.WithAttributes(
			attribute.String("organisation.pid", q.OrganisationPID),
			attribute.String("library.pid", q.LibraryPID),
			attribute.String("patron_type.pid", q.PatronTypePID),
			attribute.String("item_type.pid", q.ItemTypePID),
		),
	)
	defer span.End()

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	policies, err := r.store.ListPolicies(ctx, q.OrganisationPID)
	if err != nil {
		return CircPolicy{}, fmt.Errorf("failed to list policies: %w", err)
	}
	p, err := resolve(policies, q)
	if err != nil {
		return CircPolicy{}, err
	}
	span.SetAttributes(attribute.String("policy.pid", p.PID))
	// An Invalidate during the read means policies may already be stale.
	r.mu.Lock()
	if r.gen == gen {
		r.cache.Add(q, p)
	}
	r.mu.Unlock()
	return p, nil
}

// Invalidate drops every cached resolution. Call after any policy mutation.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.cache.Purge()
}

func resolve(policies []CircPolicy, q Query) (CircPolicy, error) {
	for _, c := range candidates(q) {
		for i := range policies {
			if policies[i].matches(c) {
				return policies[i], nil
			}
		}
	}
	for i := range policies {
		if policies[i].IsDefault {
			return policies[i], nil
		}
	}
	return CircPolicy{}, fmt.Errorf("organisation %s: %w", q.OrganisationPID, ErrNoDefaultPolicy)
}

// candidates lists the dimension combinations to try, most specific first.
func candidates(q Query) []Query {
	var out []Query
	seen := make(map[Query]bool)
	for _, lib := range []string{q.LibraryPID, ""} {
		for _, pt := range []string{q.PatronTypePID, ""} {
			for _, it := range []string{q.ItemTypePID, ""} {
				c := Query{OrganisationPID: q.OrganisationPID, LibraryPID: lib, PatronTypePID: pt, ItemTypePID: it}
				if seen[c] {
					continue
				}
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
