// internal/policy/service.go
package policy

import (
	"context"
)

// Store persists circulation policies and the organisations that own them.
type Store interface {
	GetPolicy(ctx context.Context, pid string) (*CircPolicy, error)
	ListPolicies(ctx context.Context, organisationPID string) ([]CircPolicy, error)
	CreatePolicy(ctx context.Context, p *CircPolicy) error
	UpdatePolicy(ctx context.Context, p *CircPolicy, expectedVersion int) error
	DeletePolicy(ctx context.Context, pid string) error
	OrganisationExists(ctx context.Context, pid string) (bool, error)
}

// UsageChecker reports whether active loans still reference a policy.
type UsageChecker interface {
	HasActiveLoansForPolicy(ctx context.Context, policyPID string) (bool, error)
}

// Service defines the interface for the circulation policy service.
type Service interface {
	CreatePolicy(ctx context.Context, p CircPolicy) (*CircPolicy, error)
	UpdatePolicy(ctx context.Context, p CircPolicy) (*CircPolicy, error)
	DeletePolicy(ctx context.Context, pid string) error
	GetPolicy(ctx context.Context, pid string) (*CircPolicy, error)
	ListPolicies(ctx context.Context, organisationPID string) ([]CircPolicy, error)
	Resolve(ctx context.Context, q Query) (CircPolicy, error)
}
