// internal/circulation/store.go
package circulation

import (
	"context"
	"slices"
	"strings"
	"time"

	"libracirc/pkg/eventstore"
)

// AggregateType names the audit stream of an item.
const AggregateType = "item"

// Store is the record store behind the circulation service.
type Store interface {
	Locations
	GetItem(ctx context.Context, pid string) (*Item, error)
	GetItemByBarcode(ctx context.Context, barcode string) (*Item, error)
	GetLoan(ctx context.Context, pid string) (*Loan, error)
	// LoansForItem returns every loan of the item, closed ones included.
	LoansForItem(ctx context.Context, itemPID string) ([]*Loan, error)
	// Commit writes a changeset atomically. It fails with ErrVersionConflict
	// when the stored item version is not cs.ExpectedVersion.
	Commit(ctx context.Context, cs Changeset) error
	Reindex(ctx context.Context, item *Item, loans []*Loan) error
	GetSummary(ctx context.Context, itemPID string) (*Summary, error)
	// DueLoans returns the ITEM_ON_LOAN loans whose end date is at or before asOf.
	DueLoans(ctx context.Context, asOf time.Time) ([]*Loan, error)
	HasActiveLoansForPolicy(ctx context.Context, policyPID string) (bool, error)
	History(ctx context.Context, itemPID string) ([]eventstore.Event, error)
}

// Changeset is everything one action writes.
type Changeset struct {
	Item            *Item
	ExpectedVersion int
	Loans           []*Loan
	Events          []eventstore.Event
}

// BuildSummary computes the reindexed view of an item.
func BuildSummary(item *Item, loans []*Loan) Summary {
	s := Summary{
		ItemPID:          item.PID,
		Status:           item.Status,
		NumberOfRequests: NumberOfRequests(loans),
		Version:          item.Version,
	}
	if l := loanInState(loans, StateItemOnLoan); l != nil {
		s.CurrentPatronPID = l.PatronPID
		s.DueDate = cloneTime(l.EndDate)
	}
	return s
}

// ActionEvent is the payload of an audit event.
type ActionEvent struct {
	Action     Action     `json:"action"`
	ItemStatus ItemStatus `json:"item_status"`
	Loan       *Loan      `json:"loan,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// sortLoansByEndDate orders due loans oldest first, by pid on ties.
func sortLoansByEndDate(loans []*Loan) {
	slices.SortFunc(loans, func(a, b *Loan) int {
		if c := a.EndDate.Compare(*b.EndDate); c != 0 {
			return c
		}
		return strings.Compare(a.PID, b.PID)
	})
}
