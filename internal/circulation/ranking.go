// internal/circulation/ranking.go
package circulation

import (
	"slices"
	"strings"
)

// PendingQueue returns the PENDING loans ordered by (transaction_date, pid).
// The position in the returned slice plus one is the loan's request rank.
func PendingQueue(loans []*Loan) []*Loan {
	pending := make([]*Loan, 0, len(loans))
	for _, l := range loans {
		if l.State == StatePending {
			pending = append(pending, l)
		}
	}
	slices.SortStableFunc(pending, compareRequests)
	return pending
}

func compareRequests(a, b *Loan) int {
	if c := a.TransactionDate.Compare(b.TransactionDate); c != 0 {
		return c
	}
	return strings.Compare(a.PID, b.PID)
}

// NumberOfRequests counts the pending requests in the queue.
func NumberOfRequests(loans []*Loan) int {
	n := 0
	for _, l := range loans {
		if l.State == StatePending {
			n++
		}
	}
	return n
}

// PatronRequestRank returns the 1-based rank of the patron's pending request,
// or 0 when the patron has none.
func PatronRequestRank(loans []*Loan, patronPID string) int {
	for i, l := range PendingQueue(loans) {
		if l.PatronPID == patronPID {
			return i + 1
		}
	}
	return 0
}

// IsRequestedByPatron reports whether the patron has a pending request.
func IsRequestedByPatron(loans []*Loan, patronPID string) bool {
	return PatronRequestRank(loans, patronPID) > 0
}

// firstPending returns the rank-1 request, or nil.
func firstPending(loans []*Loan) *Loan {
	q := PendingQueue(loans)
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// RequestInfoFor builds the request-queue answer for one patron.
func RequestInfoFor(itemPID string, loans []*Loan, patronPID string) RequestInfo {
	rank := 0
	if patronPID != "" {
		rank = PatronRequestRank(loans, patronPID)
	}
	return RequestInfo{
		ItemPID:             itemPID,
		NumberOfRequests:    NumberOfRequests(loans),
		IsRequestedByPatron: rank > 0,
		PatronRequestRank:   rank,
	}
}
