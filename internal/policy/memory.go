// internal/policy/memory.go
package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu            sync.RWMutex
	policies      map[string]CircPolicy
	organisations map[string]Organisation
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:      make(map[string]CircPolicy),
		organisations: make(map[string]Organisation),
	}
}

// AddOrganisation registers an organisation.
func (s *MemoryStore) AddOrganisation(org Organisation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organisations[org.PID] = org
}

func (s *MemoryStore) OrganisationExists(_ context.Context, pid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.organisations[pid]
	return ok, nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, pid string) (*CircPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[pid]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return &p, nil
}

// ListPolicies returns the organisation's policies ordered by pid.
func (s *MemoryStore) ListPolicies(_ context.Context, organisationPID string) ([]CircPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CircPolicy
	for _, p := range s.policies {
		if p.OrganisationPID == organisationPID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (s *MemoryStore) CreatePolicy(_ context.Context, p *CircPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.PID]; ok {
		return ErrPolicyConflict
	}
	p.Version = 1
	s.policies[p.PID] = *p
	return nil
}

func (s *MemoryStore) UpdatePolicy(_ context.Context, p *CircPolicy, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.policies[p.PID]
	if !ok {
		return ErrPolicyNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	s.policies[p.PID] = *p
	return nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[pid]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.policies, pid)
	return nil
}
