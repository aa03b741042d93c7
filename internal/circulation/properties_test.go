package circulation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var (
	propActions = []Action{
		ActionRequest, ActionValidate, ActionCheckout, ActionCheckin, ActionReceive,
		ActionExtend, ActionCancel, ActionLose, ActionReturnMissing, ActionAutomaticCheckin,
	}
	propPatrons   = []string{"p1", "p2", "p3", "blocked"}
	propLocations = []string{locA, locA2, locB, locStack}
)

// TestProperty_RandomActionSequences drives the engine with arbitrary action
// sequences and checks the queue invariants after every step.
func TestProperty_RandomActionSequences(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt)
		f.cfg.CancelOnPatronMismatch = rapid.Bool().Draw(rt, "cancel_on_mismatch")

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom(propActions).Draw(rt, fmt.Sprintf("action_%d", i))
			p := ActionParams{
				PatronPID:         rapid.SampledFrom(propPatrons).Draw(rt, fmt.Sprintf("patron_%d", i)),
				PickupLocationPID: rapid.SampledFrom(propLocations).Draw(rt, fmt.Sprintf("pickup_%d", i)),
			}
			if len(f.loans) > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("with_loan_%d", i)) {
				p.LoanPID = rapid.SampledFrom(f.item.LoanPIDs).Draw(rt, fmt.Sprintf("loan_%d", i))
			}
			at := rapid.SampledFrom(propLocations[:3]).Draw(rt, fmt.Sprintf("at_%d", i))

			terminal := make(map[string]LoanState)
			for _, l := range f.loans {
				if l.State.IsTerminal() {
					terminal[l.PID] = l.State
				}
			}

			txn := NewTxn(f.item, f.loans, TransactionContext{Now: f.now, TransactionLocation: at, Config: f.cfg})
			err := f.engine.Apply(context.Background(), txn, action, p)
			f.tick()
			if err != nil {
				var e *Error
				if !errors.As(err, &e) {
					rt.Fatalf("%s returned an unclassified error: %v", action, err)
				}
				if e.Kind == KindInternal {
					rt.Fatalf("%s failed internally: %v", action, err)
				}
				continue
			}
			if err := CheckInvariants(txn.Item, txn.Loans); err != nil {
				rt.Fatalf("%s broke the queue: %v", action, err)
			}
			f.item, f.loans = txn.Item, txn.Loans

			onLoan := 0
			for _, l := range f.loans {
				if l.State == StateItemOnLoan {
					onLoan++
				}
				if l.ExtensionCount > 2 {
					rt.Fatalf("loan %s extended %d times", l.PID, l.ExtensionCount)
				}
				if was, ok := terminal[l.PID]; ok && l.State != was {
					rt.Fatalf("terminal loan %s moved from %s to %s", l.PID, was, l.State)
				}
			}
			if onLoan > 1 {
				rt.Fatalf("%d loans on loan at once", onLoan)
			}
			if len(f.item.LoanPIDs) != len(f.loans) {
				rt.Fatalf("item lists %d loans, queue has %d", len(f.item.LoanPIDs), len(f.loans))
			}
		}
	})
}

// TestProperty_RankingIsATotalOrder checks that the pending queue is sorted
// by (transaction_date, pid) whatever the input order.
func TestProperty_RankingIsATotalOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		loans := make([]*Loan, 0, n)
		for i := 0; i < n; i++ {
			loans = append(loans, &Loan{
				PID:             fmt.Sprintf("loan-%02d", i),
				State:           rapid.SampledFrom([]LoanState{StatePending, StatePending, StateCancelled, StateItemOnLoan}).Draw(rt, fmt.Sprintf("state_%d", i)),
				PatronPID:       fmt.Sprintf("p%d", i),
				TransactionDate: baseTime.Add(time.Duration(rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("minute_%d", i))) * time.Minute),
			})
		}
		queue := PendingQueue(loans)

		for i := 1; i < len(queue); i++ {
			if compareRequests(queue[i-1], queue[i]) >= 0 {
				rt.Fatalf("queue out of order at %d: %s before %s", i, queue[i-1].PID, queue[i].PID)
			}
		}
		if len(queue) != NumberOfRequests(loans) {
			rt.Fatalf("queue has %d loans, %d pending", len(queue), NumberOfRequests(loans))
		}

		shuffled := slices.Clone(loans)
		perm := rapid.Permutation(shuffled).Draw(rt, "perm")
		again := PendingQueue(perm)
		for i := range queue {
			if queue[i].PID != again[i].PID {
				rt.Fatalf("rank %d depends on input order: %s vs %s", i+1, queue[i].PID, again[i].PID)
			}
		}

		for i, l := range queue {
			if got := PatronRequestRank(loans, l.PatronPID); got != i+1 {
				rt.Fatalf("patron %s rank %d, want %d", l.PatronPID, got, i+1)
			}
		}
	})
}

func TestProperty_DeriveStatusKeepsOverrides(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.SampledFrom([]ItemStatus{StatusMissing, StatusExcluded}).Draw(rt, "status")
		states := rapid.SliceOf(rapid.SampledFrom([]LoanState{
			StatePending, StateItemAtDesk, StateItemOnLoan, StateItemInTransitToHouse, StateItemReturned,
		})).Draw(rt, "states")
		loans := make([]*Loan, 0, len(states))
		for i, s := range states {
			loans = append(loans, &Loan{PID: fmt.Sprintf("loan-%d", i), State: s})
		}
		if got := DeriveStatus(status, loans); got != status {
			rt.Fatalf("DeriveStatus(%s) = %s", status, got)
		}
	})
}
