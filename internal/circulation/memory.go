// internal/circulation/memory.go
package circulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"libracirc/pkg/eventstore"
)

// MemoryStore is an in-process Store. Commits are atomic under one mutex.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*Item
	barcodes  map[string]string
	loans     map[string]*Loan
	locations map[string]*Location
	summaries map[string]Summary
	events    *eventstore.Memory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*Item),
		barcodes:  make(map[string]string),
		loans:     make(map[string]*Loan),
		locations: make(map[string]*Location),
		summaries: make(map[string]Summary),
		events:    eventstore.NewMemory(),
	}
}

// CreateItem registers a new item with version 1.
func (m *MemoryStore) CreateItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.PID]; ok {
		return fmt.Errorf("item %s: %w", item.PID, ErrItemExists)
	}
	if item.Barcode != "" {
		if _, ok := m.barcodes[item.Barcode]; ok {
			return fmt.Errorf("barcode %s: %w", item.Barcode, ErrItemExists)
		}
		m.barcodes[item.Barcode] = item.PID
	}
	item.Version = 1
	m.items[item.PID] = item.Clone()
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, pid string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[pid]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item.Clone(), nil
}

func (m *MemoryStore) GetItemByBarcode(ctx context.Context, barcode string) (*Item, error) {
	m.mu.RLock()
	pid, ok := m.barcodes[barcode]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrItemNotFound
	}
	return m.GetItem(ctx, pid)
}

func (m *MemoryStore) CreateLocation(_ context.Context, loc *Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[loc.PID]; ok {
		return fmt.Errorf("location %s: %w", loc.PID, ErrLocationExists)
	}
	c := *loc
	m.locations[loc.PID] = &c
	return nil
}

func (m *MemoryStore) GetLocation(_ context.Context, pid string) (*Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[pid]
	if !ok {
		return nil, ErrLocationNotFound
	}
	c := *loc
	return &c, nil
}

func (m *MemoryStore) GetLoan(_ context.Context, pid string) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[pid]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryStore) LoansForItem(_ context.Context, itemPID string) ([]*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemPID]
	if !ok {
		return nil, ErrItemNotFound
	}
	loans := make([]*Loan, 0, len(item.LoanPIDs))
	for _, pid := range item.LoanPIDs {
		if l, ok := m.loans[pid]; ok {
			loans = append(loans, l.Clone())
		}
	}
	return loans, nil
}

func (m *MemoryStore) Commit(ctx context.Context, cs Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[cs.Item.PID]
	if !ok {
		return ErrItemNotFound
	}
	if cur.Version != cs.ExpectedVersion {
		return ErrVersionConflict
	}
	if err := m.events.AppendEvents(ctx, cs.Item.PID, AggregateType, eventstore.AnyVersion, cs.Events); err != nil {
		return fmt.Errorf("failed to append audit events: %w", err)
	}
	cs.Item.Version = cs.ExpectedVersion + 1
	m.items[cs.Item.PID] = cs.Item.Clone()
	for _, l := range cs.Loans {
		m.loans[l.PID] = l.Clone()
	}
	return nil
}

func (m *MemoryStore) Reindex(_ context.Context, item *Item, loans []*Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[item.PID] = BuildSummary(item, loans)
	return nil
}

func (m *MemoryStore) GetSummary(_ context.Context, itemPID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[itemPID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &s, nil
}

func (m *MemoryStore) DueLoans(_ context.Context, asOf time.Time) ([]*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*Loan
	for _, l := range m.loans {
		if l.State == StateItemOnLoan && l.EndDate != nil && !l.EndDate.After(asOf) {
			due = append(due, l.Clone())
		}
	}
	sortLoansByEndDate(due)
	return due, nil
}

func (m *MemoryStore) HasActiveLoansForPolicy(_ context.Context, policyPID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.loans {
		if l.PolicyPID == policyPID && l.State == StateItemOnLoan {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) History(ctx context.Context, itemPID string) ([]eventstore.Event, error) {
	return m.events.LoadEvents(ctx, itemPID, 0, 0)
}
