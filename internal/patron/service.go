// internal/patron/service.go
package patron

import (
	"context"
	"errors"
)

var (
	ErrPatronNotFound    = errors.New("patron not found")
	ErrInvalidPatron     = errors.New("invalid patron")
	ErrVersionConflict   = errors.New("patron version mismatch")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Provider is the read contract circulation consumes.
type Provider interface {
	GetPatron(ctx context.Context, pid string) (*Patron, error)
}

// Directory stores patrons.
type Directory interface {
	Provider
	CreatePatron(ctx context.Context, p *Patron) error
	UpdatePatron(ctx context.Context, p *Patron, expectedVersion int) error
}

// Service defines the interface for the patron service.
type Service interface {
	RegisterPatron(ctx context.Context, p Patron) (*Patron, error)
	GetPatron(ctx context.Context, pid string) (*Patron, error)
	SetBlocked(ctx context.Context, pid string, blocked bool, note string) (*Patron, error)
}
