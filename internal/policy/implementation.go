// internal/policy/implementation.go
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// service implements the Service interface.
type service struct {
	store    Store
	resolver *Resolver
	usage    UsageChecker
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

// NewService creates a new policy service. usage may be nil when no loan
// store is wired, in which case deletions skip the in-use check.
func NewService(store Store, resolver *Resolver, usage UsageChecker, logger *zap.SugaredLogger) Service {
	return &service{
		store:    store,
		resolver: resolver,
		usage:    usage,
		validate: validator.New(),
		logger:   logger,
	}
}

// CreatePolicy validates and stores a new policy.
func (s *service) CreatePolicy(ctx context.Context, p CircPolicy) (*CircPolicy, error) {
	if p.PID == "" {
		p.PID = uuid.NewString()
	}
	if err := s.check(ctx, &p); err != nil {
		return nil, err
	}
	if err := s.store.CreatePolicy(ctx, &p); err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}
	s.resolver.Invalidate()
	s.logger.Infow("circulation policy created", "policy_pid", p.PID, "organisation_pid", p.OrganisationPID, "is_default", p.IsDefault)
	return &p, nil
}

// UpdatePolicy replaces a policy, checking the caller's version.
func (s *service) UpdatePolicy(ctx context.Context, p CircPolicy) (*CircPolicy, error) {
	cur, err := s.store.GetPolicy(ctx, p.PID)
	if err != nil {
		return nil, err
	}
	if cur.IsDefault && !p.IsDefault {
		return nil, ErrDefaultPolicyRequired
	}
	if cur.OrganisationPID != p.OrganisationPID {
		return nil, fmt.Errorf("%w: organisation cannot change", ErrInvalidPolicy)
	}
	if err := s.check(ctx, &p); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePolicy(ctx, &p, p.Version); err != nil {
		return nil, fmt.Errorf("failed to update policy: %w", err)
	}
	s.resolver.Invalidate()
	s.logger.Infow("circulation policy updated", "policy_pid", p.PID, "version", p.Version)
	return &p, nil
}

// DeletePolicy removes a policy no active loan references. The default
// policy is never deleted.
func (s *service) DeletePolicy(ctx context.Context, pid string) error {
	p, err := s.store.GetPolicy(ctx, pid)
	if err != nil {
		return err
	}
	if p.IsDefault {
		return ErrDefaultPolicyRequired
	}
	if s.usage != nil {
		inUse, err := s.usage.HasActiveLoansForPolicy(ctx, pid)
		if err != nil {
			return fmt.Errorf("failed to check policy usage: %w", err)
		}
		if inUse {
			return ErrPolicyInUse
		}
	}
	if err := s.store.DeletePolicy(ctx, pid); err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	s.resolver.Invalidate()
	s.logger.Infow("circulation policy deleted", "policy_pid", pid)
	return nil
}

func (s *service) GetPolicy(ctx context.Context, pid string) (*CircPolicy, error) {
	return s.store.GetPolicy(ctx, pid)
}

func (s *service) ListPolicies(ctx context.Context, organisationPID string) ([]CircPolicy, error) {
	return s.store.ListPolicies(ctx, organisationPID)
}

func (s *service) Resolve(ctx context.Context, q Query) (CircPolicy, error) {
	return s.resolver.Resolve(ctx, q)
}

// check runs the create-time validation shared by create and update.
func (s *service) check(ctx context.Context, p *CircPolicy) error {
	if err := s.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidPolicy, verrs.Error())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	exists, err := s.store.OrganisationExists(ctx, p.OrganisationPID)
	if err != nil {
		return fmt.Errorf("failed to check organisation: %w", err)
	}
	if !exists {
		return ErrOrganisationDoesNotExist
	}

	policies, err := s.store.ListPolicies(ctx, p.OrganisationPID)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	hasDefault := false
	for i := range policies {
		other := &policies[i]
		if other.PID == p.PID {
			continue
		}
		if other.Name == p.Name {
			return ErrPolicyNameAlreadyExists
		}
		if other.IsDefault {
			hasDefault = true
			if p.IsDefault {
				return ErrDefaultPolicyExists
			}
		}
		if !p.IsDefault && !other.IsDefault && other.dimensions() == p.dimensions() {
			return ErrPolicyConflict
		}
	}
	if !p.IsDefault && !hasDefault {
		return ErrDefaultPolicyRequired
	}
	return nil
}
