package circulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"libracirc/internal/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// steppingClock returns a clock that advances one minute per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := baseTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func newTestService(t *testing.T, f *fixture, store Store, opts ...Option) (Service, *recorder) {
	t.Helper()
	if store == nil {
		store = f.store
	}
	rec := &recorder{}
	opts = append([]Option{WithClock(steppingClock()), WithRetry(WithBaseDelay(0))}, opts...)
	svc, err := NewService(store, f.engine, lock.NewLocal(), rec, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	return svc, rec
}

func TestService_RoundTripNotificationsAndHistory(t *testing.T) {
	f := newFixture(t)
	svc, rec := newTestService(t, f, nil)
	ctx := context.Background()

	res, err := svc.Request(ctx, ActionParams{ItemPID: itemPID, PatronPID: "p1", PickupLocationPID: locA, TransactionLocationPID: locA})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActionApplied[ActionRequest].Rank)
	assert.Equal(t, []string{NotifyRequest}, rec.types())

	rec.reset()
	_, err = svc.ValidateRequest(ctx, ActionParams{ItemPID: itemPID, TransactionLocationPID: locA})
	require.NoError(t, err)
	assert.Equal(t, []string{NotifyAvailability}, rec.types())

	rec.reset()
	res, err = svc.Checkout(ctx, ActionParams{ItemBarcode: barcode, PatronPID: "p1", TransactionLocationPID: locA})
	require.NoError(t, err)
	assert.Equal(t, StatusOnLoan, res.Item.Status)
	assert.Empty(t, rec.types())

	_, err = svc.Request(ctx, ActionParams{ItemPID: itemPID, PatronPID: "p2", PickupLocationPID: locA})
	require.NoError(t, err)
	require.Equal(t, []string{NotifyRequest, NotifyRecall}, rec.types())
	recall := rec.notes[1]
	assert.Equal(t, "p1", recall.Loan.PatronPID)
	assert.Equal(t, itemPID, recall.Item.PID)

	rec.reset()
	res, err = svc.Checkin(ctx, ActionParams{LoanPID: "loan-1", PatronPID: "p1", TransactionLocationPID: locA})
	require.NoError(t, err)
	assert.Equal(t, StatusAtDesk, res.Item.Status)
	assert.Equal(t, []string{NotifyAvailability}, rec.types())

	view, err := svc.GetItem(ctx, itemPID)
	require.NoError(t, err)
	assert.Equal(t, 6, view.Item.Version)
	assert.Equal(t, StatusAtDesk, view.Summary.Status)
	assert.Equal(t, 0, view.Summary.NumberOfRequests)
	assert.Empty(t, view.Summary.CurrentPatronPID)

	history, err := svc.History(ctx, itemPID)
	require.NoError(t, err)
	var types []string
	for _, e := range history {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{"request", "validate", "checkout", "request", "checkin", "validate"}, types)
	assert.Equal(t, "checkin", history[5].Metadata["requested_action"])

	var payload ActionEvent
	require.NoError(t, history[2].Decode(&payload))
	assert.Equal(t, ActionCheckout, payload.Action)
	assert.Equal(t, StatusOnLoan, payload.ItemStatus)
	assert.Equal(t, "loan-1", payload.Loan.PID)
}

func TestService_DenialCommitsNothing(t *testing.T) {
	f := newFixture(t)
	svc, rec := newTestService(t, f, nil)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, ActionParams{ItemPID: itemPID, PatronPID: "blocked"})
	assert.ErrorIs(t, err, ErrPatronBlocked)
	assert.True(t, IsDenial(err))

	view, err := svc.GetItem(ctx, itemPID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Item.Version)
	assert.Equal(t, StatusOnShelf, view.Summary.Status)

	history, err := svc.History(ctx, itemPID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, rec.types())
}

// conflictStore fails the first n commits with a version conflict.
type conflictStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
	commits   int
}

func (c *conflictStore) Commit(ctx context.Context, cs Changeset) error {
	c.mu.Lock()
	c.commits++
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return ErrVersionConflict
	}
	c.mu.Unlock()
	return c.MemoryStore.Commit(ctx, cs)
}

func TestService_RetriesVersionConflicts(t *testing.T) {
	t.Run("succeeds after transient conflicts", func(t *testing.T) {
		f := newFixture(t)
		store := &conflictStore{MemoryStore: f.store, conflicts: 3}
		svc, _ := newTestService(t, f, store)

		res, err := svc.Checkout(context.Background(), ActionParams{ItemPID: itemPID, PatronPID: "p1"})
		require.NoError(t, err)
		assert.Equal(t, StatusOnLoan, res.Item.Status)
		assert.Equal(t, 4, store.commits)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		f := newFixture(t)
		store := &conflictStore{MemoryStore: f.store, conflicts: 100}
		svc, _ := newTestService(t, f, store)

		_, err := svc.Checkout(context.Background(), ActionParams{ItemPID: itemPID, PatronPID: "p1"})
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Equal(t, defaultMaxAttempts, store.commits)
	})

	t.Run("denials are not retried", func(t *testing.T) {
		f := newFixture(t)
		store := &conflictStore{MemoryStore: f.store}
		svc, _ := newTestService(t, f, store)

		_, err := svc.Checkout(context.Background(), ActionParams{ItemPID: itemPID, PatronPID: "blocked"})
		assert.ErrorIs(t, err, ErrPatronBlocked)
		assert.Zero(t, store.commits)
	})
}

func TestService_ConcurrentCheckoutsOneWins(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, nil)

	patrons := []string{"p1", "p2", "p3"}
	errs := make([]error, len(patrons))
	var wg sync.WaitGroup
	for i, pid := range patrons {
		wg.Add(1)
		go func(i int, pid string) {
			defer wg.Done()
			_, errs[i] = svc.Checkout(context.Background(), ActionParams{ItemPID: itemPID, PatronPID: pid})
		}(i, pid)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrItemOnLoan)
	}
	assert.Equal(t, 1, wins)

	loans, err := f.store.LoansForItem(context.Background(), itemPID)
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestService_TemporaryItemType(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()

	item, err := svc.SetTemporaryItemType(ctx, itemPID, "reference")
	require.NoError(t, err)
	assert.Equal(t, "reference", item.TemporaryItemTypePID)
	assert.Equal(t, 2, item.Version)

	_, err = svc.Checkout(ctx, ActionParams{ItemPID: itemPID, PatronPID: "p1"})
	assert.ErrorIs(t, err, ErrCheckoutNotAllowed)

	item, err = svc.ClearTemporaryItemType(ctx, itemPID)
	require.NoError(t, err)
	assert.Empty(t, item.TemporaryItemTypePID)
	assert.Equal(t, 3, item.Version)

	_, err = svc.Checkout(ctx, ActionParams{ItemPID: itemPID, PatronPID: "p1"})
	require.NoError(t, err)

	_, err = svc.SetTemporaryItemType(ctx, itemPID, "")
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)

	_, err = svc.SetTemporaryItemType(ctx, "nope", "reference")
	assert.ErrorIs(t, err, ErrItemNotFound)

	history, err := svc.History(ctx, itemPID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "temporary_item_type_set", history[0].EventType)
	assert.Equal(t, "temporary_item_type_cleared", history[1].EventType)
}

func TestService_RequestQueries(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()

	for _, pid := range []string{"p1", "p2"} {
		_, err := svc.Request(ctx, ActionParams{ItemPID: itemPID, PatronPID: pid, PickupLocationPID: locA})
		require.NoError(t, err)
	}

	loan, err := svc.GetLoan(ctx, "loan-2")
	require.NoError(t, err)
	assert.Equal(t, 2, loan.Rank)

	info, err := svc.RequestInfo(ctx, itemPID, "p2")
	require.NoError(t, err)
	assert.Equal(t, RequestInfo{ItemPID: itemPID, NumberOfRequests: 2, IsRequestedByPatron: true, PatronRequestRank: 2}, info)

	info, err = svc.RequestInfo(ctx, itemPID, "p3")
	require.NoError(t, err)
	assert.False(t, info.IsRequestedByPatron)
	assert.Zero(t, info.PatronRequestRank)

	_, err = svc.RequestInfo(ctx, "nope", "p1")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = svc.GetLoan(ctx, "nope")
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestService_ItemResolution(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()

	_, err := svc.Checkout(ctx, ActionParams{PatronPID: "p1"})
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = svc.Checkout(ctx, ActionParams{ItemBarcode: "unknown", PatronPID: "p1"})
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Equal(t, 404, HTTPStatus(err))

	_, err = svc.ExtendLoan(ctx, ActionParams{LoanPID: "unknown"})
	assert.ErrorIs(t, err, ErrLoanNotFound)

	_, err = svc.Apply(ctx, Action("fly"), ActionParams{ItemPID: itemPID})
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)

	_, err = svc.Apply(ctx, ActionNo, ActionParams{ItemPID: itemPID})
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)
}

func TestService_TransactionDateOverridesClock(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, nil)
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	res, err := svc.Checkout(context.Background(), ActionParams{ItemPID: itemPID, PatronPID: "p1", TransactionDate: &at})
	require.NoError(t, err)
	l := res.ActionApplied[ActionCheckout]
	assert.Equal(t, at, l.TransactionDate)
	assert.Equal(t, at.AddDate(0, 0, 14), *l.EndDate)
}

func TestService_ApplyDispatchesByName(t *testing.T) {
	f := newFixture(t)
	svc, _ := newTestService(t, f, nil)
	ctx := context.Background()

	_, err := svc.Apply(ctx, ActionCheckout, ActionParams{ItemPID: itemPID, PatronPID: "p1"})
	require.NoError(t, err)
	res, err := svc.Apply(ctx, ActionAutomaticCheckin, ActionParams{ItemPID: itemPID})
	require.NoError(t, err)
	assert.Equal(t, StatusOnShelf, res.Item.Status)
	assert.Contains(t, res.ActionApplied, ActionCheckin)
}
