// internal/patron/implementation.go
package patron

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// service implements the Service interface.
type service struct {
	directory   Directory
	validate    *validator.Validate
	rateLimiter *rate.Limiter
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewService creates a new patron service instance.
func NewService(directory Directory, logger *zap.SugaredLogger) Service {
	return &service{
		directory:   directory,
		validate:    validator.New(),
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 20), // 20 registrations burst, 1/s sustained
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterPatron validates and stores a new patron.
func (s *service) RegisterPatron(ctx context.Context, p Patron) (*Patron, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimitExceeded
	}
	if err := s.validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatron, err)
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.directory.CreatePatron(ctx, &p); err != nil {
		return nil, fmt.Errorf("failed to register patron: %w", err)
	}
	s.logger.Infow("patron registered", "patron_pid", p.PID, "patron_type_pid", p.PatronTypePID)
	return &p, nil
}

func (s *service) GetPatron(ctx context.Context, pid string) (*Patron, error) {
	return s.directory.GetPatron(ctx, pid)
}

// SetBlocked blocks or unblocks a patron.
func (s *service) SetBlocked(ctx context.Context, pid string, blocked bool, note string) (*Patron, error) {
	p, err := s.directory.GetPatron(ctx, pid)
	if err != nil {
		return nil, err
	}
	p.IsBlocked = blocked
	p.BlockedNote = note
	if !blocked {
		p.BlockedNote = ""
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.directory.UpdatePatron(ctx, p, p.Version); err != nil {
		return nil, fmt.Errorf("failed to update patron: %w", err)
	}
	event := PatronBlockChangedEvent{PID: p.PID, IsBlocked: p.IsBlocked, Note: p.BlockedNote}
	s.logger.Infow("patron block changed", "event", event)
	return p, nil
}
