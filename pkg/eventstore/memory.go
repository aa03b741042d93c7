// pkg/eventstore/memory.go
package eventstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process event store.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	byAgg  map[string][]Event
	all    []Event
}

func NewMemory() *Memory {
	return &Memory{byAgg: make(map[string][]Event)}
}

func (m *Memory) AppendEvents(_ context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < AnyVersion {
		return ErrInvalidVersion
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current := len(m.byAgg[aggregateID])
	if expectedVersion != AnyVersion && current != expectedVersion {
		return ErrConcurrencyConflict
	}
	now := time.Now().UTC()
	for i, e := range events {
		m.nextID++
		e.ID = m.nextID
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = current + i + 1
		e.CreatedAt = now
		m.byAgg[aggregateID] = append(m.byAgg[aggregateID], e)
		m.all = append(m.all, e)
	}
	return nil
}

func (m *Memory) LoadEvents(_ context.Context, aggregateID string, fromVersion, toVersion int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.byAgg[aggregateID] {
		if e.Version < fromVersion || (toVersion > 0 && e.Version > toVersion) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) GetCurrentVersion(_ context.Context, aggregateID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgg[aggregateID]), nil
}

func (m *Memory) StreamEvents(_ context.Context, fromID int64, batchSize int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.all {
		if e.ID <= fromID {
			continue
		}
		out = append(out, e)
		if batchSize > 0 && len(out) == batchSize {
			break
		}
	}
	return out, nil
}
