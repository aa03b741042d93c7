// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"libracirc/pkg/eventstore"
)

// Locker grants exclusive access to one item for the duration of an action.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func() error, err error)
}

// Notifier receives side effects after a transaction commits. Delivery is
// fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// ItemView is an item with its circulation summary.
type ItemView struct {
	Item    *Item    `json:"item"`
	Summary *Summary `json:"circulation"`
}

// Service defines the interface for the circulation service.
type Service interface {
	Request(ctx context.Context, p ActionParams) (*Result, error)
	ValidateRequest(ctx context.Context, p ActionParams) (*Result, error)
	Checkout(ctx context.Context, p ActionParams) (*Result, error)
	Checkin(ctx context.Context, p ActionParams) (*Result, error)
	Receive(ctx context.Context, p ActionParams) (*Result, error)
	ExtendLoan(ctx context.Context, p ActionParams) (*Result, error)
	CancelLoan(ctx context.Context, p ActionParams) (*Result, error)
	Lose(ctx context.Context, p ActionParams) (*Result, error)
	ReturnMissing(ctx context.Context, p ActionParams) (*Result, error)
	AutomaticCheckin(ctx context.Context, p ActionParams) (*Result, error)
	Apply(ctx context.Context, action Action, p ActionParams) (*Result, error)

	// AutoRenew extends a due loan on behalf of the renewal task.
	AutoRenew(ctx context.Context, loanPID string, now time.Time) (*Result, error)

	SetTemporaryItemType(ctx context.Context, itemPID, itemTypePID string) (*Item, error)
	ClearTemporaryItemType(ctx context.Context, itemPID string) (*Item, error)

	GetItem(ctx context.Context, pid string) (*ItemView, error)
	GetLoan(ctx context.Context, pid string) (*Loan, error)
	RequestInfo(ctx context.Context, itemPID, patronPID string) (RequestInfo, error)
	History(ctx context.Context, itemPID string) ([]eventstore.Event, error)
}
