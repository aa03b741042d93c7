// internal/patron/memory.go
package patron

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	patrons map[string]Patron
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{patrons: make(map[string]Patron)}
}

func (d *MemoryDirectory) GetPatron(_ context.Context, pid string) (*Patron, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patrons[pid]
	if !ok {
		return nil, ErrPatronNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) CreatePatron(_ context.Context, p *Patron) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.patrons[p.PID]; ok {
		return ErrVersionConflict
	}
	p.Version = 1
	d.patrons[p.PID] = *p
	return nil
}

func (d *MemoryDirectory) UpdatePatron(_ context.Context, p *Patron, expectedVersion int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.patrons[p.PID]
	if !ok {
		return ErrPatronNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	d.patrons[p.PID] = *p
	return nil
}
