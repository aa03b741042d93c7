// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libracirc/pkg/eventstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SystemActor is the transaction user of actions taken by scheduled tasks.
const SystemActor = "system"

// actionOrder fixes the order in which applied actions are written to the audit log.
var actionOrder = []Action{
	ActionReceive, ActionCheckin, ActionCancel, ActionRequest, ActionValidate,
	ActionCheckout, ActionExtend, ActionLose, ActionReturnMissing, ActionNo,
}

// service implements the Service interface.
type service struct {
	store    Store
	engine   *Engine
	locker   Locker
	notifier Notifier
	config   Config
	retry    []RetryOption
	logger   *zap.SugaredLogger
	tracer   trace.Tracer
	actions  metric.Int64Counter
	now      func() time.Time
}

// Option configures the circulation service.
type Option func(*service)

// WithConfig sets the engine configuration.
func WithConfig(c Config) Option {
	return func(s *service) { s.config = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithRetry tunes the version-conflict retry loop.
func WithRetry(options ...RetryOption) Option {
	return func(s *service) { s.retry = options }
}

// NewService creates a new circulation service instance.
func NewService(store Store, engine *Engine, locker Locker, notifier Notifier, logger *zap.SugaredLogger, opts ...Option) (Service, error) {
	counter, err := otel.Meter("libracirc/circulation").Int64Counter(
		"circulation.actions",
		metric.WithDescription("Circulation actions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create action counter: %w", err)
	}
	s := &service{
		store:    store,
		engine:   engine,
		locker:   locker,
		notifier: notifier,
		config:   DefaultConfig(),
		logger:   logger,
		tracer:   otel.Tracer("libracirc/circulation"),
		actions:  counter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type step func(ctx context.Context, t *Txn, p ActionParams) error

func (s *service) Request(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionRequest, p, s.engine.Request)
}

func (s *service) ValidateRequest(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionValidate, p, s.engine.ValidateRequest)
}

func (s *service) Checkout(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionCheckout, p, s.engine.Checkout)
}

func (s *service) Checkin(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionCheckin, p, s.engine.Checkin)
}

func (s *service) Receive(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionReceive, p, s.engine.Receive)
}

func (s *service) ExtendLoan(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionExtend, p, s.engine.ExtendLoan)
}

func (s *service) CancelLoan(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionCancel, p, s.engine.CancelLoan)
}

func (s *service) Lose(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionLose, p, s.engine.Lose)
}

func (s *service) ReturnMissing(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionReturnMissing, p, s.engine.ReturnMissing)
}

func (s *service) AutomaticCheckin(ctx context.Context, p ActionParams) (*Result, error) {
	return s.run(ctx, ActionAutomaticCheckin, p, s.engine.AutomaticCheckin)
}

// Apply runs any engine action by name.
func (s *service) Apply(ctx context.Context, action Action, p ActionParams) (*Result, error) {
	if !action.engineAction() {
		return nil, newError(string(action), ErrMissingRequiredParameter, "unknown action")
	}
	return s.run(ctx, action, p, func(ctx context.Context, t *Txn, p ActionParams) error {
		return s.engine.Apply(ctx, t, action, p)
	})
}

// AutoRenew extends a due loan and notifies the borrower.
func (s *service) AutoRenew(ctx context.Context, loanPID string, now time.Time) (*Result, error) {
	p := ActionParams{LoanPID: loanPID, TransactionUserPID: SystemActor, TransactionDate: &now}
	return s.run(ctx, ActionExtend, p, func(ctx context.Context, t *Txn, p ActionParams) error {
		if err := s.engine.ExtendLoan(ctx, t, p); err != nil {
			return err
		}
		t.Notify(NotifyAutoExtended, t.Applied()[ActionExtend])
		return nil
	})
}

// run executes one action: item lock, load, engine, invariant check, commit,
// reindex. Version conflicts restart from the load. Notifications go out
// only after a successful commit.
func (s *service) run(ctx context.Context, action Action, p ActionParams, apply step) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "circulation."+string(action),
		trace.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("item.pid", p.ItemPID),
			attribute.String("loan.pid", p.LoanPID),
		),
	)
	defer span.End()
	start := time.Now()

	var (
		result *Result
		notes  []Notification
	)
	itemPID, err := s.itemPID(ctx, string(action), p)
	if err == nil {
		span.SetAttributes(attribute.String("item.pid", itemPID))
		err = s.withItem(ctx, action, itemPID, func(ctx context.Context, item *Item, loans []*Loan) error {
			t := NewTxn(item, loans, s.txContext(p))
			if err := apply(ctx, t, p); err != nil {
				return err
			}
			if err := CheckInvariants(t.Item, t.Loans); err != nil {
				var e *Error
				if errors.As(err, &e) {
					return err
				}
				return &Error{Kind: KindInternal, Op: string(action), Err: err}
			}
			if err := s.commit(ctx, action, t, item.Version); err != nil {
				return err
			}
			result = t.Result()
			notes = t.Notifications()
			return nil
		})
	}
	s.observe(ctx, span, action, itemPID, start, err)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		for _, n := range notes {
			s.notifier.Notify(ctx, n)
		}
	}
	return result, nil
}

// withItem holds the item lock and runs fn on a fresh load of the item,
// retrying on version conflicts.
func (s *service) withItem(ctx context.Context, action Action, itemPID string, fn func(ctx context.Context, item *Item, loans []*Loan) error) error {
	release, err := s.locker.Acquire(ctx, "item:"+itemPID)
	if err != nil {
		return &Error{Kind: KindInternal, Op: string(action), Err: fmt.Errorf("failed to lock item %s: %w", itemPID, err)}
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Warnw("failed to release item lock", "item_pid", itemPID, "error", err)
		}
	}()

	return retryOnConflict(ctx, func(ctx context.Context) error {
		item, loans, err := s.load(ctx, string(action), itemPID)
		if err != nil {
			return err
		}
		return fn(ctx, item, loans)
	}, append([]RetryOption{withAction(string(action))}, s.retry...)...)
}

func (s *service) load(ctx context.Context, op, itemPID string) (*Item, []*Loan, error) {
	item, err := s.store.GetItem(ctx, itemPID)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, nil, newError(op, ErrItemNotFound, itemPID)
		}
		return nil, nil, fmt.Errorf("failed to get item: %w", err)
	}
	loans, err := s.store.LoansForItem(ctx, itemPID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get loans: %w", err)
	}
	return item, loans, nil
}

// itemPID resolves the item an action targets: by pid, by barcode, or through the loan.
func (s *service) itemPID(ctx context.Context, op string, p ActionParams) (string, error) {
	switch {
	case p.ItemPID != "":
		return p.ItemPID, nil
	case p.ItemBarcode != "":
		item, err := s.store.GetItemByBarcode(ctx, p.ItemBarcode)
		if err != nil {
			if errors.Is(err, ErrItemNotFound) {
				return "", newError(op, ErrItemNotFound, "barcode "+p.ItemBarcode)
			}
			return "", fmt.Errorf("failed to get item by barcode: %w", err)
		}
		return item.PID, nil
	case p.LoanPID != "":
		loan, err := s.store.GetLoan(ctx, p.LoanPID)
		if err != nil {
			if errors.Is(err, ErrLoanNotFound) {
				return "", newError(op, ErrLoanNotFound, p.LoanPID)
			}
			return "", fmt.Errorf("failed to get loan: %w", err)
		}
		return loan.ItemPID, nil
	}
	return "", newError(op, ErrMissingRequiredParameter, "item_pid or item_barcode")
}

func (s *service) txContext(p ActionParams) TransactionContext {
	now := s.now().UTC()
	if p.TransactionDate != nil {
		now = p.TransactionDate.UTC()
	}
	return TransactionContext{
		Actor:               p.TransactionUserPID,
		Now:                 now,
		TransactionLocation: p.TransactionLocationPID,
		Config:              s.config,
	}
}

// commit writes the transaction and its audit events, then awaits the reindex.
func (s *service) commit(ctx context.Context, action Action, t *Txn, expectedVersion int) error {
	applied := t.Applied()
	events := make([]eventstore.Event, 0, len(applied))
	for _, a := range actionOrder {
		l, ok := applied[a]
		if !ok {
			continue
		}
		var loan *Loan
		if l != nil {
			loan = l.Clone()
		}
		event, err := eventstore.NewEvent(string(a), ActionEvent{
			Action:     a,
			ItemStatus: t.Item.Status,
			Loan:       loan,
			Actor:      t.tc.Actor,
			OccurredAt: t.tc.Now,
		}, map[string]any{"requested_action": string(action)})
		if err != nil {
			return fmt.Errorf("failed to build audit event: %w", err)
		}
		events = append(events, event)
	}

	if err := s.store.Commit(ctx, Changeset{
		Item:            t.Item,
		ExpectedVersion: expectedVersion,
		Loans:           t.ChangedLoans(),
		Events:          events,
	}); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("failed to commit %s: %w", action, err)
	}
	if err := s.store.Reindex(ctx, t.Item, t.Loans); err != nil {
		return fmt.Errorf("failed to reindex item %s: %w", t.Item.PID, err)
	}
	return nil
}

func (s *service) observe(ctx context.Context, span trace.Span, action Action, itemPID string, start time.Time, err error) {
	o := outcome(err)
	actionsTotal.WithLabelValues(string(action), o).Inc()
	actionDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	s.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", o),
	))

	switch {
	case err == nil:
		s.logger.Infow("circulation action applied", "action", action, "item_pid", itemPID)
	case IsDenial(err) || KindOf(err) == KindNotFound:
		span.RecordError(err)
		s.logger.Infow("circulation action refused", "action", action, "item_pid", itemPID, "reason", err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Errorw("circulation action failed", "action", action, "item_pid", itemPID, "error", err)
	}
}

// SetTemporaryItemType overrides the item type used for policy resolution.
func (s *service) SetTemporaryItemType(ctx context.Context, itemPID, itemTypePID string) (*Item, error) {
	if itemTypePID == "" {
		return nil, newError("set_temporary_item_type", ErrMissingRequiredParameter, "item_type_pid")
	}
	return s.updateItem(ctx, itemPID, "temporary_item_type_set", func(item *Item) {
		item.TemporaryItemTypePID = itemTypePID
	})
}

// ClearTemporaryItemType reverts policy resolution to the item's own type.
func (s *service) ClearTemporaryItemType(ctx context.Context, itemPID string) (*Item, error) {
	return s.updateItem(ctx, itemPID, "temporary_item_type_cleared", func(item *Item) {
		item.TemporaryItemTypePID = ""
	})
}

func (s *service) updateItem(ctx context.Context, itemPID, eventType string, mutate func(*Item)) (*Item, error) {
	var out *Item
	err := s.withItem(ctx, Action(eventType), itemPID, func(ctx context.Context, item *Item, loans []*Loan) error {
		next := item.Clone()
		mutate(next)
		event, err := eventstore.NewEvent(eventType, map[string]string{
			"item_type_pid":           next.ItemTypePID,
			"temporary_item_type_pid": next.TemporaryItemTypePID,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to build audit event: %w", err)
		}
		if err := s.store.Commit(ctx, Changeset{Item: next, ExpectedVersion: item.Version, Events: []eventstore.Event{event}}); err != nil {
			return err
		}
		if err := s.store.Reindex(ctx, next, loans); err != nil {
			return fmt.Errorf("failed to reindex item %s: %w", next.PID, err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("item updated", "item_pid", itemPID, "event", eventType, "temporary_item_type_pid", out.TemporaryItemTypePID)
	return out, nil
}

func (s *service) GetItem(ctx context.Context, pid string) (*ItemView, error) {
	item, loans, err := s.load(ctx, "get_item", pid)
	if err != nil {
		return nil, err
	}
	summary, err := s.store.GetSummary(ctx, pid)
	if err != nil {
		if !errors.Is(err, ErrItemNotFound) {
			return nil, fmt.Errorf("failed to get summary: %w", err)
		}
		built := BuildSummary(item, loans)
		summary = &built
	}
	return &ItemView{Item: item, Summary: summary}, nil
}

func (s *service) GetLoan(ctx context.Context, pid string) (*Loan, error) {
	loan, err := s.store.GetLoan(ctx, pid)
	if err != nil {
		if errors.Is(err, ErrLoanNotFound) {
			return nil, newError("get_loan", ErrLoanNotFound, pid)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if loan.State == StatePending {
		loans, err := s.store.LoansForItem(ctx, loan.ItemPID)
		if err != nil {
			return nil, fmt.Errorf("failed to get loans: %w", err)
		}
		for i, l := range PendingQueue(loans) {
			if l.PID == loan.PID {
				loan.Rank = i + 1
			}
		}
	}
	return loan, nil
}

func (s *service) RequestInfo(ctx context.Context, itemPID, patronPID string) (RequestInfo, error) {
	_, loans, err := s.load(ctx, "request_info", itemPID)
	if err != nil {
		return RequestInfo{}, err
	}
	return RequestInfoFor(itemPID, loans, patronPID), nil
}

func (s *service) History(ctx context.Context, itemPID string) ([]eventstore.Event, error) {
	if _, err := s.store.GetItem(ctx, itemPID); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, newError("history", ErrItemNotFound, itemPID)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return s.store.History(ctx, itemPID)
}
