// internal/storage/postgres/policies.go
package postgres

import (
	"context"
	"fmt"

	"libracirc/internal/policy"

	"github.com/doug-martin/goqu/v9"
)

var _ policy.Store = (*Store)(nil)

var policyColumns = []any{
	"pid", "name", "description", "organisation_pid", "library_pid", "patron_type_pid",
	"item_type_pid", "checkout_duration", "number_renewals", "renewal_duration",
	"allow_checkout", "allow_requests", "pickup_hold_duration", "is_default", "version",
}

func policyRecord(p *policy.CircPolicy) goqu.Record {
	return goqu.Record{
		"name":                 p.Name,
		"description":          p.Description,
		"organisation_pid":     p.OrganisationPID,
		"library_pid":          p.LibraryPID,
		"patron_type_pid":      p.PatronTypePID,
		"item_type_pid":        p.ItemTypePID,
		"checkout_duration":    p.CheckoutDuration,
		"number_renewals":      p.NumberRenewals,
		"renewal_duration":     p.RenewalDuration,
		"allow_checkout":       p.AllowCheckout,
		"allow_requests":       p.AllowRequests,
		"pickup_hold_duration": p.PickupHoldDuration,
		"is_default":           p.IsDefault,
	}
}

// AddOrganisation registers an organisation, leaving an existing one untouched.
func (s *Store) AddOrganisation(ctx context.Context, org policy.Organisation) error {
	_, err := s.exec(ctx, s.db, s.builder.Insert(tableOrganisations).
		Rows(goqu.Record{"pid": org.PID, "name": org.Name}).
		OnConflict(goqu.DoNothing()).
		Prepared(true))
	if err != nil {
		return fmt.Errorf("failed to insert organisation: %w", err)
	}
	return nil
}

func (s *Store) OrganisationExists(ctx context.Context, pid string) (bool, error) {
	var n int
	err := s.get(ctx, s.db, &n, s.builder.From(tableOrganisations).
		Select(goqu.COUNT("*")).
		Where(goqu.C("pid").Eq(pid)))
	if err != nil {
		return false, fmt.Errorf("failed to check organisation: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetPolicy(ctx context.Context, pid string) (*policy.CircPolicy, error) {
	var p policy.CircPolicy
	err := s.get(ctx, s.db, &p, s.builder.From(tablePolicies).Select(policyColumns...).Where(goqu.C("pid").Eq(pid)))
	if isNoRows(err) {
		return nil, policy.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return &p, nil
}

// ListPolicies returns the organisation's policies ordered by pid.
func (s *Store) ListPolicies(ctx context.Context, organisationPID string) ([]policy.CircPolicy, error) {
	var out []policy.CircPolicy
	err := s.selectAll(ctx, s.db, &out, s.builder.From(tablePolicies).
		Select(policyColumns...).
		Where(goqu.C("organisation_pid").Eq(organisationPID)).
		Order(goqu.C("pid").Asc()))
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return out, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p *policy.CircPolicy) error {
	rec := policyRecord(p)
	rec["pid"] = p.PID
	rec["version"] = 1
	_, err := s.exec(ctx, s.db, s.builder.Insert(tablePolicies).Rows(rec).Prepared(true))
	switch sqlState(err) {
	case codeUniqueViolation:
		return policyUniqueError(err)
	case codeForeignKeyViolation:
		return policy.ErrOrganisationDoesNotExist
	}
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *Store) UpdatePolicy(ctx context.Context, p *policy.CircPolicy, expectedVersion int) error {
	rec := policyRecord(p)
	rec["version"] = expectedVersion + 1
	n, err := s.exec(ctx, s.db, s.builder.Update(tablePolicies).
		Set(rec).
		Where(goqu.C("pid").Eq(p.PID), goqu.C("version").Eq(expectedVersion)).
		Prepared(true))
	if sqlState(err) == codeUniqueViolation {
		return policyUniqueError(err)
	}
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if n == 0 {
		if _, err := s.GetPolicy(ctx, p.PID); err != nil {
			return err
		}
		return policy.ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, pid string) error {
	n, err := s.exec(ctx, s.db, s.builder.Delete(tablePolicies).Where(goqu.C("pid").Eq(pid)).Prepared(true))
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

func policyUniqueError(err error) error {
	switch constraintName(err) {
	case constraintPolicyDefault:
		return policy.ErrDefaultPolicyExists
	case constraintPolicyName:
		return policy.ErrPolicyNameAlreadyExists
	}
	return policy.ErrPolicyConflict
}
