// internal/circulation/txn.go
package circulation

// Txn is the working set of one action: an item with its full loan queue.
// The engine mutates it in place; nothing reaches the store unless the
// action succeeds and the service commits it.
type Txn struct {
	Item  *Item
	Loans []*Loan

	tc            TransactionContext
	applied       ActionsApplied
	changed       map[string]bool
	notifications []Notification
}

// NewTxn wraps copies of item and its loans for one action.
func NewTxn(item *Item, loans []*Loan, tc TransactionContext) *Txn {
	t := &Txn{
		Item:    item.Clone(),
		Loans:   make([]*Loan, 0, len(loans)),
		tc:      tc,
		applied: make(ActionsApplied),
		changed: make(map[string]bool),
	}
	for _, l := range loans {
		t.Loans = append(t.Loans, l.Clone())
	}
	return t
}

func (t *Txn) loan(pid string) *Loan {
	for _, l := range t.Loans {
		if l.PID == pid {
			return l
		}
	}
	return nil
}

func (t *Txn) addLoan(l *Loan) {
	t.Loans = append(t.Loans, l)
	t.Item.LoanPIDs = append(t.Item.LoanPIDs, l.PID)
	t.changed[l.PID] = true
}

// record reports l under action a in the action_applied map.
func (t *Txn) record(a Action, l *Loan) {
	t.applied[a] = l
	if l != nil {
		t.changed[l.PID] = true
	}
}

// stamp sets the transaction fields of l from the context.
func (t *Txn) stamp(l *Loan, location string) {
	l.TransactionDate = t.tc.Now
	l.TransactionUserPID = t.tc.Actor
	if location != "" {
		l.TransactionLocationPID = location
	}
}

// Notify queues a notification to send once the transaction commits.
func (t *Txn) Notify(kind string, l *Loan) {
	t.notifications = append(t.notifications, Notification{Type: kind, Loan: l})
}

// transactionLocation is where the action happens; the item's home location by default.
func (t *Txn) transactionLocation() string {
	if t.tc.TransactionLocation != "" {
		return t.tc.TransactionLocation
	}
	return t.Item.LocationPID
}

// refresh recomputes the item status from its loans.
func (t *Txn) refresh() {
	t.Item.Status = DeriveStatus(t.Item.Status, t.Loans)
}

// Applied returns the action_applied map built so far.
func (t *Txn) Applied() ActionsApplied {
	return t.applied
}

// ChangedLoans returns the loans created or mutated, in queue order.
func (t *Txn) ChangedLoans() []*Loan {
	var out []*Loan
	for _, l := range t.Loans {
		if t.changed[l.PID] {
			out = append(out, l)
		}
	}
	return out
}

// Result builds the caller-visible snapshot: copies of the item and of every
// reported loan, with request ranks filled in.
func (t *Txn) Result() *Result {
	ranks := make(map[string]int)
	for i, l := range PendingQueue(t.Loans) {
		ranks[l.PID] = i + 1
	}
	applied := make(ActionsApplied, len(t.applied))
	for a, l := range t.applied {
		if l == nil {
			applied[a] = nil
			continue
		}
		c := l.Clone()
		c.Rank = ranks[l.PID]
		applied[a] = c
	}
	return &Result{Item: t.Item.Clone(), ActionApplied: applied}
}

// Notifications returns the queued notifications bound to the final item snapshot.
func (t *Txn) Notifications() []Notification {
	item := t.Item.Clone()
	out := make([]Notification, 0, len(t.notifications))
	for _, n := range t.notifications {
		out = append(out, Notification{Type: n.Type, Loan: n.Loan.Clone(), Item: item})
	}
	return out
}
