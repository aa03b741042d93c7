// internal/circulation/errors.go
package circulation

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindPolicyDenied
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyDenied:
		return "policy_denied"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

var (
	// Validation
	ErrMissingRequiredParameter = errors.New("missing required parameter")
	ErrInvalidPickupLocation    = errors.New("pickup location is not a pickup location")

	// Policy denials
	ErrCheckoutNotAllowed   = errors.New("checkout not allowed by circulation policy")
	ErrRequestNotAllowed    = errors.New("request not allowed by circulation policy")
	ErrPatronBlocked        = errors.New("patron is blocked")
	ErrRenewalLimitReached  = errors.New("renewal limit reached")
	ErrRenewalNotAllowed    = errors.New("renewal duration allows no extension")
	ErrPendingRequestExists = errors.New("item has a pending request")
	ErrItemNotAvailable     = errors.New("item is not available for circulation")
	ErrInvalidTransition    = errors.New("transition not allowed from current state")

	// Conflicts
	ErrRecordCannotBeRequested = errors.New("record cannot be requested")
	ErrMultipleLoansOnItem     = errors.New("multiple loans on item")
	ErrNotFirstInQueue         = errors.New("another patron is first in the request queue")
	ErrItemOnLoan              = errors.New("item is already on loan")
	ErrVersionConflict         = errors.New("concurrency conflict: item version mismatch")
	ErrItemExists              = errors.New("item already exists")
	ErrLocationExists          = errors.New("location already exists")

	// Not found
	ErrItemNotFound     = errors.New("item not found")
	ErrLoanNotFound     = errors.New("loan not found")
	ErrPatronNotFound   = errors.New("patron not found")
	ErrLocationNotFound = errors.New("location not found")
)

var sentinelKinds = map[error]Kind{
	ErrMissingRequiredParameter: KindValidation,
	ErrInvalidPickupLocation:    KindValidation,
	ErrCheckoutNotAllowed:       KindPolicyDenied,
	ErrRequestNotAllowed:        KindPolicyDenied,
	ErrPatronBlocked:            KindPolicyDenied,
	ErrRenewalLimitReached:      KindPolicyDenied,
	ErrRenewalNotAllowed:        KindPolicyDenied,
	ErrPendingRequestExists:     KindPolicyDenied,
	ErrItemNotAvailable:         KindPolicyDenied,
	ErrInvalidTransition:        KindPolicyDenied,
	ErrRecordCannotBeRequested:  KindConflict,
	ErrMultipleLoansOnItem:      KindConflict,
	ErrNotFirstInQueue:          KindConflict,
	ErrItemOnLoan:               KindConflict,
	ErrVersionConflict:          KindConflict,
	ErrItemExists:               KindConflict,
	ErrLocationExists:           KindConflict,
	ErrItemNotFound:             KindNotFound,
	ErrLoanNotFound:             KindNotFound,
	ErrPatronNotFound:           KindNotFound,
	ErrLocationNotFound:         KindNotFound,
}

// Error is the error returned by circulation actions.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps sentinel with op and an optional detail, taking its kind from the sentinel.
func newError(op string, sentinel error, detail string) *Error {
	err := sentinel
	if detail != "" {
		err = fmt.Errorf("%s: %w", detail, sentinel)
	}
	return &Error{Kind: sentinelKinds[sentinel], Op: op, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the REST layer reports.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindPolicyDenied, KindConflict:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// IsDenial reports whether err is a business-rule refusal rather than a failure.
func IsDenial(err error) bool {
	k := KindOf(err)
	return k == KindPolicyDenied || k == KindConflict
}
