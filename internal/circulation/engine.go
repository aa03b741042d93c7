// internal/circulation/engine.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libracirc/internal/patron"
	"libracirc/internal/policy"

	"github.com/google/uuid"
)

// PolicyResolver returns the circulation policy for a transaction.
type PolicyResolver interface {
	Resolve(ctx context.Context, q policy.Query) (policy.CircPolicy, error)
}

// Locations looks up locations by pid.
type Locations interface {
	GetLocation(ctx context.Context, pid string) (*Location, error)
}

// Engine is the circulation state machine. It applies one action to a Txn
// and never touches storage; callers hold the item lock and commit the Txn.
type Engine struct {
	policies  PolicyResolver
	patrons   patron.Provider
	locations Locations
	newPID    func() string
}

// NewEngine builds an engine that resolves policies, patrons and locations
// through the given dependencies. Loan pids are random UUIDs.
func NewEngine(policies PolicyResolver, patrons patron.Provider, locations Locations) *Engine {
	return &Engine{
		policies:  policies,
		patrons:   patrons,
		locations: locations,
		newPID:    uuid.NewString,
	}
}

// Apply dispatches action to its transition.
func (e *Engine) Apply(ctx context.Context, t *Txn, action Action, p ActionParams) error {
	switch action {
	case ActionRequest:
		return e.Request(ctx, t, p)
	case ActionValidate:
		return e.ValidateRequest(ctx, t, p)
	case ActionCheckout:
		return e.Checkout(ctx, t, p)
	case ActionCheckin:
		return e.Checkin(ctx, t, p)
	case ActionReceive:
		return e.Receive(ctx, t, p)
	case ActionExtend:
		return e.ExtendLoan(ctx, t, p)
	case ActionCancel:
		return e.CancelLoan(ctx, t, p)
	case ActionLose:
		return e.Lose(ctx, t, p)
	case ActionReturnMissing:
		return e.ReturnMissing(ctx, t, p)
	case ActionAutomaticCheckin:
		return e.AutomaticCheckin(ctx, t, p)
	}
	return newError(string(action), ErrMissingRequiredParameter, "unknown action")
}

// Request places a PENDING loan for the patron on the item.
func (e *Engine) Request(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "request"
	if p.PatronPID == "" {
		return newError(op, ErrMissingRequiredParameter, "patron_pid")
	}
	if p.PickupLocationPID == "" {
		return newError(op, ErrMissingRequiredParameter, "pickup_location_pid")
	}
	if t.Item.Status.overrides() {
		return newError(op, ErrItemNotAvailable, fmt.Sprintf("item is %s", t.Item.Status))
	}
	pat, err := e.patron(ctx, op, p.PatronPID)
	if err != nil {
		return err
	}
	if pat.IsBlocked {
		return newError(op, ErrPatronBlocked, pat.PID)
	}
	pickup, err := e.location(ctx, op, p.PickupLocationPID)
	if err != nil {
		return err
	}
	if !pickup.IsPickup {
		return newError(op, ErrInvalidPickupLocation, pickup.PID)
	}
	for _, l := range t.Loans {
		if l.PatronPID != pat.PID {
			continue
		}
		switch l.State {
		case StateItemOnLoan:
			return newError(op, ErrRecordCannotBeRequested, "patron already has the item on loan")
		case StatePending, StateItemAtDesk, StateItemInTransitForPickup:
			return newError(op, ErrRecordCannotBeRequested, "patron already requested the item")
		}
	}
	pol, err := e.policy(ctx, op, t.Item, pat)
	if err != nil {
		return err
	}
	if !pol.AllowRequests {
		return newError(op, ErrRequestNotAllowed, pol.PID)
	}

	loan := &Loan{
		PID:               e.newPID(),
		State:             StatePending,
		ItemPID:           t.Item.PID,
		PatronPID:         pat.PID,
		PickupLocationPID: pickup.PID,
	}
	t.stamp(loan, t.transactionLocation())
	t.addLoan(loan)
	t.record(ActionRequest, loan)
	t.Notify(NotifyRequest, loan)
	if onLoan := loanInState(t.Loans, StateItemOnLoan); onLoan != nil {
		t.Notify(NotifyRecall, onLoan)
	}
	t.refresh()
	return nil
}

// ValidateRequest advances the rank-1 request to the desk or into transit.
func (e *Engine) ValidateRequest(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "validate_request"
	if t.Item.Status.overrides() {
		return newError(op, ErrItemNotAvailable, fmt.Sprintf("item is %s", t.Item.Status))
	}
	if h := holder(t.Loans); h != nil {
		return newError(op, ErrItemNotAvailable, fmt.Sprintf("item is held by loan %s (%s)", h.PID, h.State))
	}
	first := firstPending(t.Loans)
	if p.LoanPID != "" {
		l := t.loan(p.LoanPID)
		if l == nil {
			return newError(op, ErrLoanNotFound, p.LoanPID)
		}
		if l.State != StatePending {
			return newError(op, ErrInvalidTransition, fmt.Sprintf("loan %s is %s", l.PID, l.State))
		}
		if l != first {
			return newError(op, ErrNotFirstInQueue, l.PID)
		}
	}
	if first == nil {
		return newError(op, ErrInvalidTransition, "item has no pending request")
	}
	return e.validate(ctx, op, t, first)
}

// validate moves a pending loan to ITEM_AT_DESK when the transaction happens
// at the pickup library, else to ITEM_IN_TRANSIT_FOR_PICKUP.
func (e *Engine) validate(ctx context.Context, op string, t *Txn, loan *Loan) error {
	txLoc := t.transactionLocation()
	same, err := e.sameLibrary(ctx, op, txLoc, loan.PickupLocationPID)
	if err != nil {
		return err
	}
	t.stamp(loan, txLoc)
	if same {
		if err := e.toDesk(ctx, op, t, loan); err != nil {
			return err
		}
	} else {
		if err := loan.transition(StateItemInTransitForPickup); err != nil {
			return newError(op, ErrInvalidTransition, err.Error())
		}
		t.Notify(NotifyTransitNotice, loan)
	}
	t.record(ActionValidate, loan)
	t.refresh()
	return nil
}

// toDesk puts the loan at the desk and starts its pickup hold.
func (e *Engine) toDesk(ctx context.Context, op string, t *Txn, loan *Loan) error {
	pat, err := e.patron(ctx, op, loan.PatronPID)
	if err != nil {
		return err
	}
	pol, err := e.policy(ctx, op, t.Item, pat)
	if err != nil {
		return err
	}
	if err := loan.transition(StateItemAtDesk); err != nil {
		return newError(op, ErrInvalidTransition, err.Error())
	}
	loan.RequestExpireDate = nil
	if pol.PickupHoldDuration > 0 {
		loan.RequestExpireDate = timePtr(addDays(t.tc.Now, pol.PickupHoldDuration))
	}
	t.Notify(NotifyAvailability, loan)
	return nil
}

// Checkout lends the item to the patron.
func (e *Engine) Checkout(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "checkout"
	if p.PatronPID == "" {
		return newError(op, ErrMissingRequiredParameter, "patron_pid")
	}
	if t.Item.Status.overrides() {
		return newError(op, ErrItemNotAvailable, fmt.Sprintf("item is %s", t.Item.Status))
	}
	pat, err := e.patron(ctx, op, p.PatronPID)
	if err != nil {
		return err
	}
	if pat.IsBlocked {
		return newError(op, ErrPatronBlocked, pat.PID)
	}
	if onLoan := loanInState(t.Loans, StateItemOnLoan); onLoan != nil {
		return newError(op, ErrItemOnLoan, fmt.Sprintf("loan %s", onLoan.PID))
	}
	pol, err := e.policy(ctx, op, t.Item, pat)
	if err != nil {
		return err
	}
	if !pol.AllowCheckout {
		return newError(op, ErrCheckoutNotAllowed, pol.PID)
	}

	loan, err := e.checkoutLoan(op, t, pat.PID, p.LoanPID)
	if err != nil {
		return err
	}
	if loan == nil {
		loan = &Loan{
			PID:       e.newPID(),
			State:     StateItemOnLoan,
			ItemPID:   t.Item.PID,
			PatronPID: pat.PID,
		}
		t.addLoan(loan)
	} else if err := loan.transition(StateItemOnLoan); err != nil {
		return newError(op, ErrInvalidTransition, err.Error())
	}

	now := t.tc.Now
	t.stamp(loan, t.transactionLocation())
	loan.StartDate = timePtr(now)
	loan.CheckoutDate = timePtr(now)
	loan.EndDate = timePtr(addDays(now, pol.CheckoutDuration))
	loan.RequestExpireDate = nil
	loan.ExtensionCount = 0
	loan.PolicyPID = pol.PID
	t.record(ActionCheckout, loan)
	t.refresh()
	return nil
}

// checkoutLoan picks the existing loan a checkout converts, or nil when a new
// loan has to be created. It enforces the first-in-queue rule and closes a
// loan travelling back to its owning library.
func (e *Engine) checkoutLoan(op string, t *Txn, patronPID, loanPID string) (*Loan, error) {
	if h := loanInState(t.Loans, StateItemInTransitToHouse); h != nil {
		if err := h.transition(StateItemReturned); err != nil {
			return nil, newError(op, ErrInvalidTransition, err.Error())
		}
		t.stamp(h, t.transactionLocation())
		t.record(ActionReceive, h)
	}

	if loanPID != "" {
		l := t.loan(loanPID)
		if l == nil {
			return nil, newError(op, ErrLoanNotFound, loanPID)
		}
		if l.PatronPID != patronPID {
			return nil, newError(op, ErrInvalidTransition, fmt.Sprintf("loan %s belongs to another patron", l.PID))
		}
		switch l.State {
		case StateItemAtDesk, StateItemInTransitForPickup:
			return l, nil
		case StatePending:
			if holder(t.Loans) != nil || firstPending(t.Loans) != l {
				return nil, newError(op, ErrNotFirstInQueue, l.PID)
			}
			return l, nil
		}
		return nil, newError(op, ErrInvalidTransition, fmt.Sprintf("loan %s is %s", l.PID, l.State))
	}

	if h := holder(t.Loans); h != nil {
		switch h.State {
		case StateItemAtDesk, StateItemInTransitForPickup:
			if h.PatronPID != patronPID {
				return nil, newError(op, ErrNotFirstInQueue, fmt.Sprintf("item is reserved by loan %s", h.PID))
			}
			return h, nil
		}
	}
	if first := firstPending(t.Loans); first != nil {
		if first.PatronPID != patronPID {
			return nil, newError(op, ErrNotFirstInQueue, fmt.Sprintf("loan %s is first in queue", first.PID))
		}
		return first, nil
	}
	return nil, nil
}

// Checkin closes the loan the item is on.
func (e *Engine) Checkin(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "checkin"
	if t.Item.Status == StatusMissing {
		return e.ReturnMissing(ctx, t, p)
	}
	loan := loanInState(t.Loans, StateItemOnLoan)
	if loan == nil {
		return newError(op, ErrInvalidTransition, "item is not on loan")
	}
	if err := e.closeLoan(ctx, op, t, loan, p.PatronPID); err != nil {
		return err
	}
	t.refresh()
	return nil
}

// closeLoan ends an ITEM_ON_LOAN loan. With requests waiting the outgoing
// loan closes and the rank-1 request is validated in the same transaction;
// otherwise the item goes home, in transit when checked in elsewhere.
func (e *Engine) closeLoan(ctx context.Context, op string, t *Txn, loan *Loan, patronPID string) error {
	txLoc := t.transactionLocation()
	t.stamp(loan, txLoc)
	loan.CheckinDate = timePtr(t.tc.Now)

	if next := firstPending(t.Loans); next != nil {
		closed := StateItemReturned
		if t.tc.Config.CancelOnPatronMismatch && patronPID != "" && patronPID != loan.PatronPID {
			closed = StateCancelled
		}
		if err := loan.transition(closed); err != nil {
			return newError(op, ErrInvalidTransition, err.Error())
		}
		t.record(ActionCheckin, loan)
		if closed == StateCancelled {
			t.record(ActionCancel, loan)
		}
		return e.validate(ctx, op, t, next)
	}

	txLib, err := e.libraryOf(ctx, op, txLoc)
	if err != nil {
		return err
	}
	next := StateItemReturned
	if txLib != t.Item.LibraryPID {
		next = StateItemInTransitToHouse
	}
	if err := loan.transition(next); err != nil {
		return newError(op, ErrInvalidTransition, err.Error())
	}
	t.record(ActionCheckin, loan)
	return nil
}

// Receive ends a transit: home-bound loans close, pickup-bound loans reach the desk.
func (e *Engine) Receive(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "receive"
	var loan *Loan
	if p.LoanPID != "" {
		if loan = t.loan(p.LoanPID); loan == nil {
			return newError(op, ErrLoanNotFound, p.LoanPID)
		}
	} else {
		loan = loanInState(t.Loans, StateItemInTransitToHouse, StateItemInTransitForPickup)
	}
	if loan == nil {
		return newError(op, ErrInvalidTransition, "item is not in transit")
	}

	t.stamp(loan, t.transactionLocation())
	switch loan.State {
	case StateItemInTransitToHouse:
		if err := loan.transition(StateItemReturned); err != nil {
			return newError(op, ErrInvalidTransition, err.Error())
		}
	case StateItemInTransitForPickup:
		if err := e.toDesk(ctx, op, t, loan); err != nil {
			return err
		}
	default:
		return newError(op, ErrInvalidTransition, fmt.Sprintf("loan %s is %s", loan.PID, loan.State))
	}
	t.record(ActionReceive, loan)
	t.refresh()
	return nil
}

// ExtendLoan renews an ITEM_ON_LOAN loan by the policy's renewal duration.
func (e *Engine) ExtendLoan(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "extend_loan"
	var loan *Loan
	if p.LoanPID != "" {
		if loan = t.loan(p.LoanPID); loan == nil {
			return newError(op, ErrLoanNotFound, p.LoanPID)
		}
	} else if loan = loanInState(t.Loans, StateItemOnLoan); loan == nil {
		return newError(op, ErrInvalidTransition, "item is not on loan")
	}
	if loan.State != StateItemOnLoan {
		return newError(op, ErrInvalidTransition, fmt.Sprintf("loan %s is %s", loan.PID, loan.State))
	}
	pat, err := e.patron(ctx, op, loan.PatronPID)
	if err != nil {
		return err
	}
	pol, err := e.policy(ctx, op, t.Item, pat)
	if err != nil {
		return err
	}
	switch {
	case loan.ExtensionCount >= pol.NumberRenewals:
		return newError(op, ErrRenewalLimitReached, fmt.Sprintf("%d of %d", loan.ExtensionCount, pol.NumberRenewals))
	case pat.IsBlocked:
		return newError(op, ErrPatronBlocked, pat.PID)
	case NumberOfRequests(t.Loans) > 0:
		return newError(op, ErrPendingRequestExists, t.Item.PID)
	case pol.RenewalDuration <= 0:
		return newError(op, ErrRenewalNotAllowed, pol.PID)
	}

	t.stamp(loan, t.transactionLocation())
	loan.EndDate = timePtr(addDays(t.tc.Now, pol.RenewalDuration))
	loan.ExtensionCount++
	loan.PolicyPID = pol.PID
	t.record(ActionExtend, loan)
	return nil
}

// CancelLoan cancels a request that has not been checked out.
func (e *Engine) CancelLoan(_ context.Context, t *Txn, p ActionParams) error {
	const op = "cancel_loan"
	if p.LoanPID == "" {
		return newError(op, ErrMissingRequiredParameter, "loan_pid")
	}
	loan := t.loan(p.LoanPID)
	if loan == nil {
		return newError(op, ErrLoanNotFound, p.LoanPID)
	}
	switch loan.State {
	case StatePending, StateItemAtDesk, StateItemInTransitForPickup:
	default:
		return newError(op, ErrInvalidTransition, fmt.Sprintf("loan %s is %s", loan.PID, loan.State))
	}
	if err := loan.transition(StateCancelled); err != nil {
		return newError(op, ErrInvalidTransition, err.Error())
	}
	t.stamp(loan, t.transactionLocation())
	t.record(ActionCancel, loan)
	t.refresh()
	return nil
}

// Lose marks the item missing. Loans stay attached. Excluded items cannot be
// lost.
func (e *Engine) Lose(_ context.Context, t *Txn, _ ActionParams) error {
	switch t.Item.Status {
	case StatusMissing:
		return newError("lose", ErrInvalidTransition, "item is already missing")
	case StatusExcluded:
		return newError("lose", ErrInvalidTransition, "item is excluded")
	}
	t.Item.Status = StatusMissing
	t.record(ActionLose, holder(t.Loans))
	return nil
}

// ReturnMissing brings a missing item back into circulation, following the
// checkin precedence when a loan or a request is waiting.
func (e *Engine) ReturnMissing(ctx context.Context, t *Txn, p ActionParams) error {
	const op = "return_missing"
	if t.Item.Status != StatusMissing {
		return newError(op, ErrInvalidTransition, fmt.Sprintf("item is %s", t.Item.Status))
	}
	t.Item.Status = StatusOnShelf

	var affected *Loan
	if onLoan := loanInState(t.Loans, StateItemOnLoan); onLoan != nil {
		if err := e.closeLoan(ctx, op, t, onLoan, p.PatronPID); err != nil {
			return err
		}
		affected = onLoan
	} else if holder(t.Loans) == nil {
		if next := firstPending(t.Loans); next != nil {
			if err := e.validate(ctx, op, t, next); err != nil {
				return err
			}
		}
	}
	t.record(ActionReturnMissing, affected)
	t.refresh()
	return nil
}

// AutomaticCheckin dispatches on the item status; when nothing applies it
// reports the no-op action.
func (e *Engine) AutomaticCheckin(ctx context.Context, t *Txn, p ActionParams) error {
	switch t.Item.Status {
	case StatusMissing:
		return e.ReturnMissing(ctx, t, p)
	case StatusOnLoan:
		return e.Checkin(ctx, t, p)
	case StatusInTransit:
		p.LoanPID = ""
		return e.Receive(ctx, t, p)
	}
	t.record(ActionNo, nil)
	return nil
}

func (e *Engine) patron(ctx context.Context, op, pid string) (*patron.Patron, error) {
	p, err := e.patrons.GetPatron(ctx, pid)
	if err != nil {
		if errors.Is(err, patron.ErrPatronNotFound) {
			return nil, newError(op, ErrPatronNotFound, pid)
		}
		return nil, &Error{Kind: KindInternal, Op: op, Err: fmt.Errorf("failed to get patron: %w", err)}
	}
	return p, nil
}

func (e *Engine) policy(ctx context.Context, op string, item *Item, pat *patron.Patron) (policy.CircPolicy, error) {
	pol, err := e.policies.Resolve(ctx, policy.Query{
		OrganisationPID: item.OrganisationPID,
		LibraryPID:      item.LibraryPID,
		PatronTypePID:   pat.PatronTypePID,
		ItemTypePID:     item.EffectiveItemTypePID(),
	})
	if err != nil {
		return policy.CircPolicy{}, &Error{Kind: KindInternal, Op: op, Err: fmt.Errorf("failed to resolve policy: %w", err)}
	}
	return pol, nil
}

func (e *Engine) location(ctx context.Context, op, pid string) (*Location, error) {
	loc, err := e.locations.GetLocation(ctx, pid)
	if err != nil {
		if errors.Is(err, ErrLocationNotFound) {
			return nil, newError(op, ErrLocationNotFound, pid)
		}
		return nil, &Error{Kind: KindInternal, Op: op, Err: fmt.Errorf("failed to get location: %w", err)}
	}
	return loc, nil
}

func (e *Engine) libraryOf(ctx context.Context, op, locationPID string) (string, error) {
	loc, err := e.location(ctx, op, locationPID)
	if err != nil {
		return "", err
	}
	return loc.LibraryPID, nil
}

func (e *Engine) sameLibrary(ctx context.Context, op, a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	la, err := e.libraryOf(ctx, op, a)
	if err != nil {
		return false, err
	}
	lb, err := e.libraryOf(ctx, op, b)
	if err != nil {
		return false, err
	}
	return la == lb, nil
}

func addDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}
