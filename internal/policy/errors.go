// internal/policy/errors.go
package policy

import "errors"

var (
	ErrPolicyNotFound           = errors.New("circulation policy not found")
	ErrPolicyNameAlreadyExists  = errors.New("policy name already exists in organisation")
	ErrOrganisationDoesNotExist = errors.New("organisation does not exist")
	ErrDefaultPolicyExists      = errors.New("organisation already has a default policy")
	ErrDefaultPolicyRequired    = errors.New("organisation must keep exactly one default policy")
	ErrPolicyConflict           = errors.New("a policy already exists for these dimensions")
	ErrPolicyInUse              = errors.New("policy is referenced by active loans")
	ErrVersionConflict          = errors.New("policy version mismatch")
	ErrInvalidPolicy            = errors.New("invalid circulation policy")
	ErrInvalidQuery             = errors.New("policy query requires an organisation")
	ErrNoDefaultPolicy          = errors.New("organisation has no default policy")
)
