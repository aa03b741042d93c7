// internal/circulation/invariants.go
package circulation

import "fmt"

// DeriveStatus computes the item status from the states of its loans.
// MISSING and EXCLUDED are explicit and are kept as they are.
func DeriveStatus(current ItemStatus, loans []*Loan) ItemStatus {
	if current.overrides() {
		return current
	}
	status := StatusOnShelf
	for _, l := range loans {
		switch l.State {
		case StateItemOnLoan:
			return StatusOnLoan
		case StateItemInTransitForPickup, StateItemInTransitToHouse:
			status = StatusInTransit
		case StateItemAtDesk:
			if status == StatusOnShelf {
				status = StatusAtDesk
			}
		}
	}
	return status
}

// CheckInvariants verifies the queue of one item: loans belong to the item,
// at most one loan holds the item, and the status matches the loans.
func CheckInvariants(item *Item, loans []*Loan) error {
	if !item.Status.Valid() {
		return fmt.Errorf("item %s has unknown status %q", item.PID, item.Status)
	}
	holders := 0
	for _, l := range loans {
		if !l.State.Valid() {
			return fmt.Errorf("loan %s has unknown state %q", l.PID, l.State)
		}
		if l.ItemPID != item.PID {
			return fmt.Errorf("loan %s belongs to item %s, not %s", l.PID, l.ItemPID, item.PID)
		}
		if l.State.holdsItem() {
			holders++
		}
	}
	if holders > 1 {
		return newError("invariant", ErrMultipleLoansOnItem, fmt.Sprintf("item %s has %d loans holding it", item.PID, holders))
	}
	if want := DeriveStatus(item.Status, loans); want != item.Status {
		return fmt.Errorf("item %s status %s does not match loans (want %s)", item.PID, item.Status, want)
	}
	return nil
}

// holder returns the loan that currently has custody of the item, or nil.
func holder(loans []*Loan) *Loan {
	for _, l := range loans {
		if l.State.holdsItem() {
			return l
		}
	}
	return nil
}

func loanInState(loans []*Loan, states ...LoanState) *Loan {
	for _, l := range loans {
		for _, s := range states {
			if l.State == s {
				return l
			}
		}
	}
	return nil
}
