// internal/circulation/domain.go
package circulation

import (
	"fmt"
	"slices"
	"time"
)

// ItemStatus is the circulation status of a physical item.
type ItemStatus string

const (
	StatusOnShelf   ItemStatus = "on_shelf"
	StatusAtDesk    ItemStatus = "at_desk"
	StatusOnLoan    ItemStatus = "on_loan"
	StatusInTransit ItemStatus = "in_transit"
	StatusMissing   ItemStatus = "missing"
	StatusExcluded  ItemStatus = "excluded"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusOnShelf, StatusAtDesk, StatusOnLoan, StatusInTransit, StatusMissing, StatusExcluded:
		return true
	}
	return false
}

// overrides reports whether the status is set explicitly and not derived from loans.
func (s ItemStatus) overrides() bool {
	return s == StatusMissing || s == StatusExcluded
}

// LoanState is the state of one circulation transaction.
type LoanState string

const (
	StatePending                LoanState = "PENDING"
	StateItemAtDesk             LoanState = "ITEM_AT_DESK"
	StateItemInTransitForPickup LoanState = "ITEM_IN_TRANSIT_FOR_PICKUP"
	StateItemOnLoan             LoanState = "ITEM_ON_LOAN"
	StateItemInTransitToHouse   LoanState = "ITEM_IN_TRANSIT_TO_HOUSE"
	StateCancelled              LoanState = "CANCELLED"
	StateItemReturned           LoanState = "ITEM_RETURNED"
)

// Valid reports whether s is a known loan state.
func (s LoanState) Valid() bool {
	switch s {
	case StatePending, StateItemAtDesk, StateItemInTransitForPickup, StateItemOnLoan,
		StateItemInTransitToHouse, StateCancelled, StateItemReturned:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s LoanState) IsTerminal() bool {
	return s == StateCancelled || s == StateItemReturned
}

// holdsItem reports whether a loan in state s has physical custody of the item
// (on loan, waiting at the desk or travelling). At most one loan per item may.
func (s LoanState) holdsItem() bool {
	switch s {
	case StateItemOnLoan, StateItemAtDesk, StateItemInTransitForPickup, StateItemInTransitToHouse:
		return true
	}
	return false
}

// Item represents one physical holding and its loan queue.
type Item struct {
	PID                  string     `json:"pid" db:"pid" validate:"required"`
	Barcode              string     `json:"barcode,omitempty" db:"barcode"`
	OrganisationPID      string     `json:"organisation_pid" db:"organisation_pid" validate:"required"`
	LibraryPID           string     `json:"library_pid" db:"library_pid" validate:"required"`
	LocationPID          string     `json:"location_pid" db:"location_pid" validate:"required"`
	ItemTypePID          string     `json:"item_type_pid" db:"item_type_pid" validate:"required"`
	TemporaryItemTypePID string     `json:"temporary_item_type_pid,omitempty" db:"temporary_item_type_pid"`
	DocumentPID          string     `json:"document_pid,omitempty" db:"document_pid"`
	HoldingPID           string     `json:"holding_pid,omitempty" db:"holding_pid"`
	Status               ItemStatus `json:"status" db:"status"`
	LoanPIDs             []string   `json:"loans,omitempty" db:"-"`
	Version              int        `json:"version" db:"version"`
}

// EffectiveItemTypePID returns the item type used for policy resolution.
func (i *Item) EffectiveItemTypePID() string {
	if i.TemporaryItemTypePID != "" {
		return i.TemporaryItemTypePID
	}
	return i.ItemTypePID
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	c := *i
	c.LoanPIDs = slices.Clone(i.LoanPIDs)
	return &c
}

// Loan represents one request or loan transaction against one item.
type Loan struct {
	PID                    string     `json:"pid" db:"pid"`
	State                  LoanState  `json:"state" db:"state"`
	ItemPID                string     `json:"item_pid" db:"item_pid"`
	PatronPID              string     `json:"patron_pid" db:"patron_pid"`
	PickupLocationPID      string     `json:"pickup_location_pid,omitempty" db:"pickup_location_pid"`
	TransactionLocationPID string     `json:"transaction_location_pid,omitempty" db:"transaction_location_pid"`
	TransactionUserPID     string     `json:"transaction_user_pid,omitempty" db:"transaction_user_pid"`
	TransactionDate        time.Time  `json:"transaction_date" db:"transaction_date"`
	StartDate              *time.Time `json:"start_date,omitempty" db:"start_date"`
	EndDate                *time.Time `json:"end_date,omitempty" db:"end_date"`
	CheckoutDate           *time.Time `json:"checkout_date,omitempty" db:"checkout_date"`
	CheckinDate            *time.Time `json:"checkin_date,omitempty" db:"checkin_date"`
	RequestExpireDate      *time.Time `json:"request_expire_date,omitempty" db:"request_expire_date"`
	ExtensionCount         int        `json:"extension_count" db:"extension_count"`
	PolicyPID              string     `json:"policy_pid,omitempty" db:"policy_pid"`

	// Rank is derived from the pending queue when a snapshot is built; never stored.
	Rank int `json:"request_rank,omitempty" db:"-"`
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	c := *l
	c.StartDate = cloneTime(l.StartDate)
	c.EndDate = cloneTime(l.EndDate)
	c.CheckoutDate = cloneTime(l.CheckoutDate)
	c.CheckinDate = cloneTime(l.CheckinDate)
	c.RequestExpireDate = cloneTime(l.RequestExpireDate)
	return &c
}

// transition moves the loan to next, refusing to leave a terminal state.
func (l *Loan) transition(next LoanState) error {
	if !next.Valid() {
		return fmt.Errorf("unknown loan state %q", next)
	}
	if l.State.IsTerminal() {
		return fmt.Errorf("loan %s is %s: %w", l.PID, l.State, ErrInvalidTransition)
	}
	l.State = next
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Location is a place where items are shelved or handed over.
type Location struct {
	PID        string `json:"pid" db:"pid" validate:"required"`
	LibraryPID string `json:"library_pid" db:"library_pid" validate:"required"`
	Name       string `json:"name" db:"name"`
	IsPickup   bool   `json:"is_pickup" db:"is_pickup"`
}

// Action names one circulation transition; it keys the action_applied report.
type Action string

const (
	ActionRequest          Action = "request"
	ActionValidate         Action = "validate"
	ActionCheckout         Action = "checkout"
	ActionCheckin          Action = "checkin"
	ActionReceive          Action = "receive"
	ActionExtend           Action = "extend_loan"
	ActionCancel           Action = "cancel"
	ActionLose             Action = "lose"
	ActionReturnMissing    Action = "return_missing"
	ActionAutomaticCheckin Action = "automatic_checkin"
	ActionNo               Action = "no"
)

// engineAction reports whether a is an action callers may ask the engine to apply.
func (a Action) engineAction() bool {
	switch a {
	case ActionRequest, ActionValidate, ActionCheckout, ActionCheckin, ActionReceive,
		ActionExtend, ActionCancel, ActionLose, ActionReturnMissing, ActionAutomaticCheckin:
		return true
	}
	return false
}

// ActionsApplied maps each applied action to the loan it mutated.
// Item-only actions (lose, no-op) map to a nil loan.
type ActionsApplied map[Action]*Loan

// Result is returned by every circulation action.
type Result struct {
	Item          *Item          `json:"item"`
	ActionApplied ActionsApplied `json:"action_applied"`
}

// TransactionContext carries who acts, when, and where, for one action.
type TransactionContext struct {
	Actor               string
	Now                 time.Time
	TransactionLocation string
	Config              Config
}

// Config tunes engine branches that are decided per deployment.
type Config struct {
	// CancelOnPatronMismatch closes the outgoing loan as CANCELLED when a checkin
	// with pending requests names a patron other than the borrower.
	CancelOnPatronMismatch bool
}

// DefaultConfig returns the engine configuration used when none is given.
func DefaultConfig() Config {
	return Config{CancelOnPatronMismatch: true}
}

// ActionParams is the input accepted by every action entry point.
type ActionParams struct {
	ItemPID                string     `json:"item_pid,omitempty"`
	ItemBarcode            string     `json:"item_barcode,omitempty"`
	PatronPID              string     `json:"patron_pid,omitempty"`
	PickupLocationPID      string     `json:"pickup_location_pid,omitempty"`
	TransactionLocationPID string     `json:"transaction_location_pid,omitempty"`
	TransactionUserPID     string     `json:"transaction_user_pid,omitempty"`
	TransactionDate        *time.Time `json:"transaction_date,omitempty"`
	LoanPID                string     `json:"loan_pid,omitempty"`
}

// Summary is the reindexed circulation view of an item.
type Summary struct {
	ItemPID          string     `json:"item_pid" db:"item_pid"`
	Status           ItemStatus `json:"status" db:"status"`
	NumberOfRequests int        `json:"number_of_requests" db:"number_of_requests"`
	CurrentPatronPID string     `json:"current_patron_pid,omitempty" db:"current_patron_pid"`
	DueDate          *time.Time `json:"due_date,omitempty" db:"due_date"`
	Version          int        `json:"version" db:"version"`
}

// RequestInfo answers the request-queue queries for one item and patron.
type RequestInfo struct {
	ItemPID             string `json:"item_pid"`
	NumberOfRequests    int    `json:"number_of_requests"`
	IsRequestedByPatron bool   `json:"is_requested_by_patron"`
	PatronRequestRank   int    `json:"patron_request_rank"`
}

// Notification is a side effect emitted after a transaction commits.
type Notification struct {
	Type string
	Loan *Loan
	Item *Item
}

const (
	NotifyRequest       = "request"
	NotifyRecall        = "recall"
	NotifyAvailability  = "availability"
	NotifyTransitNotice = "transit_notice"
	NotifyAutoExtended  = "auto_extended"
)
