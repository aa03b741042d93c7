// internal/storage/postgres/circulation.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/pkg/eventstore"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	_ circulation.Store  = (*Store)(nil)
	_ catalog.Repository = (*Store)(nil)
)

var itemColumns = []any{
	"pid", "barcode", "organisation_pid", "library_pid", "location_pid", "item_type_pid",
	"temporary_item_type_pid", "document_pid", "holding_pid", "status", "version",
}

var loanColumns = []any{
	"pid", "state", "item_pid", "patron_pid", "pickup_location_pid", "transaction_location_pid",
	"transaction_user_pid", "transaction_date", "start_date", "end_date", "checkout_date",
	"checkin_date", "request_expire_date", "extension_count", "policy_pid",
}

func itemRecord(item *circulation.Item) goqu.Record {
	return goqu.Record{
		"barcode":                 item.Barcode,
		"organisation_pid":        item.OrganisationPID,
		"library_pid":             item.LibraryPID,
		"location_pid":            item.LocationPID,
		"item_type_pid":           item.ItemTypePID,
		"temporary_item_type_pid": item.TemporaryItemTypePID,
		"document_pid":            item.DocumentPID,
		"holding_pid":             item.HoldingPID,
		"status":                  string(item.Status),
	}
}

func loanRecord(l *circulation.Loan) goqu.Record {
	return goqu.Record{
		"state":                    string(l.State),
		"item_pid":                 l.ItemPID,
		"patron_pid":               l.PatronPID,
		"pickup_location_pid":      l.PickupLocationPID,
		"transaction_location_pid": l.TransactionLocationPID,
		"transaction_user_pid":     l.TransactionUserPID,
		"transaction_date":         l.TransactionDate,
		"start_date":               l.StartDate,
		"end_date":                 l.EndDate,
		"checkout_date":            l.CheckoutDate,
		"checkin_date":             l.CheckinDate,
		"request_expire_date":      l.RequestExpireDate,
		"extension_count":          l.ExtensionCount,
		"policy_pid":               l.PolicyPID,
	}
}

// CreateItem inserts a new item with version 1.
func (s *Store) CreateItem(ctx context.Context, item *circulation.Item) error {
	ctx, span := s.span(ctx, "create_item", attribute.String("item.pid", item.PID))
	defer span.End()

	rec := itemRecord(item)
	rec["pid"] = item.PID
	rec["version"] = 1
	_, err := s.exec(ctx, s.db, s.builder.Insert(tableItems).Rows(rec).Prepared(true))
	switch sqlState(err) {
	case "":
	case codeUniqueViolation:
		return fmt.Errorf("item %s: %w", item.PID, circulation.ErrItemExists)
	case codeForeignKeyViolation:
		return fmt.Errorf("location %s: %w", item.LocationPID, circulation.ErrLocationNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert item: %w", err)
	}
	item.Version = 1
	return nil
}

func (s *Store) GetItem(ctx context.Context, pid string) (*circulation.Item, error) {
	ctx, span := s.span(ctx, "get_item", attribute.String("item.pid", pid))
	defer span.End()
	return s.item(ctx, s.db, goqu.C("pid").Eq(pid))
}

func (s *Store) GetItemByBarcode(ctx context.Context, barcode string) (*circulation.Item, error) {
	if barcode == "" {
		return nil, circulation.ErrItemNotFound
	}
	ctx, span := s.span(ctx, "get_item_by_barcode")
	defer span.End()
	return s.item(ctx, s.db, goqu.C("barcode").Eq(barcode))
}

// item loads one item and its queue of loan pids in creation order.
func (s *Store) item(ctx context.Context, q sqlx.QueryerContext, where goqu.Expression) (*circulation.Item, error) {
	var item circulation.Item
	err := s.get(ctx, q, &item, s.builder.From(tableItems).Select(itemColumns...).Where(where))
	if isNoRows(err) {
		return nil, circulation.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	err = s.selectAll(ctx, q, &item.LoanPIDs, s.builder.From(tableLoans).
		Select("pid").
		Where(goqu.C("item_pid").Eq(item.PID)).
		Order(goqu.C("seq").Asc()))
	if err != nil {
		return nil, fmt.Errorf("failed to load loan pids: %w", err)
	}
	return &item, nil
}

func (s *Store) CreateLocation(ctx context.Context, loc *circulation.Location) error {
	ctx, span := s.span(ctx, "create_location", attribute.String("location.pid", loc.PID))
	defer span.End()

	_, err := s.exec(ctx, s.db, s.builder.Insert(tableLocations).Rows(goqu.Record{
		"pid":         loc.PID,
		"library_pid": loc.LibraryPID,
		"name":        loc.Name,
		"is_pickup":   loc.IsPickup,
	}).Prepared(true))
	if sqlState(err) == codeUniqueViolation {
		return fmt.Errorf("location %s: %w", loc.PID, circulation.ErrLocationExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert location: %w", err)
	}
	return nil
}

func (s *Store) GetLocation(ctx context.Context, pid string) (*circulation.Location, error) {
	var loc circulation.Location
	err := s.get(ctx, s.db, &loc, s.builder.From(tableLocations).
		Select("pid", "library_pid", "name", "is_pickup").
		Where(goqu.C("pid").Eq(pid)))
	if isNoRows(err) {
		return nil, circulation.ErrLocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load location: %w", err)
	}
	return &loc, nil
}

func (s *Store) GetLoan(ctx context.Context, pid string) (*circulation.Loan, error) {
	ctx, span := s.span(ctx, "get_loan", attribute.String("loan.pid", pid))
	defer span.End()

	var l circulation.Loan
	err := s.get(ctx, s.db, &l, s.builder.From(tableLoans).Select(loanColumns...).Where(goqu.C("pid").Eq(pid)))
	if isNoRows(err) {
		return nil, circulation.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	return &l, nil
}

func (s *Store) LoansForItem(ctx context.Context, itemPID string) ([]*circulation.Loan, error) {
	ctx, span := s.span(ctx, "loans_for_item", attribute.String("item.pid", itemPID))
	defer span.End()

	var loans []*circulation.Loan
	err := s.selectAll(ctx, s.db, &loans, s.builder.From(tableLoans).
		Select(loanColumns...).
		Where(goqu.C("item_pid").Eq(itemPID)).
		Order(goqu.C("seq").Asc()))
	if err != nil {
		return nil, fmt.Errorf("failed to load loans: %w", err)
	}
	if len(loans) == 0 {
		var n int
		if err := s.get(ctx, s.db, &n, s.builder.From(tableItems).
			Select(goqu.COUNT("*")).
			Where(goqu.C("pid").Eq(itemPID))); err != nil {
			return nil, fmt.Errorf("failed to check item: %w", err)
		}
		if n == 0 {
			return nil, circulation.ErrItemNotFound
		}
	}
	return loans, nil
}

// Commit writes the item, its changed loans and the audit events in one
// serializable transaction, guarded by the item version.
func (s *Store) Commit(ctx context.Context, cs circulation.Changeset) error {
	ctx, span := s.span(ctx, "commit",
		attribute.String("item.pid", cs.Item.PID),
		attribute.Int("expected.version", cs.ExpectedVersion),
		attribute.Int("loan.count", len(cs.Loans)),
	)
	defer span.End()

	err := s.commit(ctx, cs)
	switch {
	case err == nil:
		cs.Item.Version = cs.ExpectedVersion + 1
		return nil
	case errors.Is(err, eventstore.ErrConcurrencyConflict), sqlState(err) == codeSerializationFailure:
		err = circulation.ErrVersionConflict
	}
	if errors.Is(err, circulation.ErrVersionConflict) {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) commit(ctx context.Context, cs circulation.Changeset) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec := itemRecord(cs.Item)
	rec["version"] = cs.ExpectedVersion + 1
	n, err := s.exec(ctx, tx, s.builder.Update(tableItems).
		Set(rec).
		Where(goqu.C("pid").Eq(cs.Item.PID), goqu.C("version").Eq(cs.ExpectedVersion)).
		Prepared(true))
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 0 {
		if _, err := s.item(ctx, tx, goqu.C("pid").Eq(cs.Item.PID)); err != nil {
			return err
		}
		return circulation.ErrVersionConflict
	}

	// Loans are inserted in queue order so that seq preserves it.
	for _, l := range cs.Loans {
		rec := loanRecord(l)
		update := loanRecord(l)
		rec["pid"] = l.PID
		if _, err := s.exec(ctx, tx, s.builder.Insert(tableLoans).
			Rows(rec).
			OnConflict(goqu.DoUpdate("pid", update)).
			Prepared(true)); err != nil {
			return fmt.Errorf("failed to write loan %s: %w", l.PID, err)
		}
	}

	if len(cs.Events) > 0 {
		if err := s.events.AppendEventsTx(ctx, tx.Tx, cs.Item.PID, circulation.AggregateType, eventstore.AnyVersion, cs.Events); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Reindex upserts the circulation summary of the item.
func (s *Store) Reindex(ctx context.Context, item *circulation.Item, loans []*circulation.Loan) error {
	ctx, span := s.span(ctx, "reindex", attribute.String("item.pid", item.PID))
	defer span.End()

	sum := circulation.BuildSummary(item, loans)
	rec := goqu.Record{
		"status":             string(sum.Status),
		"number_of_requests": sum.NumberOfRequests,
		"current_patron_pid": sum.CurrentPatronPID,
		"due_date":           sum.DueDate,
		"version":            sum.Version,
	}
	insert := goqu.Record{"item_pid": sum.ItemPID}
	for k, v := range rec {
		insert[k] = v
	}
	_, err := s.exec(ctx, s.db, s.builder.Insert(tableSummaries).
		Rows(insert).
		OnConflict(goqu.DoUpdate("item_pid", rec)).
		Prepared(true))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to reindex item %s: %w", item.PID, err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, itemPID string) (*circulation.Summary, error) {
	var sum circulation.Summary
	err := s.get(ctx, s.db, &sum, s.builder.From(tableSummaries).
		Select("item_pid", "status", "number_of_requests", "current_patron_pid", "due_date", "version").
		Where(goqu.C("item_pid").Eq(itemPID)))
	if isNoRows(err) {
		return nil, circulation.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	return &sum, nil
}

func (s *Store) DueLoans(ctx context.Context, asOf time.Time) ([]*circulation.Loan, error) {
	ctx, span := s.span(ctx, "due_loans")
	defer span.End()

	var loans []*circulation.Loan
	err := s.selectAll(ctx, s.db, &loans, s.builder.From(tableLoans).
		Select(loanColumns...).
		Where(
			goqu.C("state").Eq(string(circulation.StateItemOnLoan)),
			goqu.C("end_date").Lte(asOf),
		).
		Order(goqu.C("end_date").Asc(), goqu.C("pid").Asc()))
	if err != nil {
		return nil, fmt.Errorf("failed to load due loans: %w", err)
	}
	span.SetAttributes(attribute.Int("loan.count", len(loans)))
	return loans, nil
}

func (s *Store) HasActiveLoansForPolicy(ctx context.Context, policyPID string) (bool, error) {
	var n int
	err := s.get(ctx, s.db, &n, s.builder.From(tableLoans).
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("policy_pid").Eq(policyPID),
			goqu.C("state").Eq(string(circulation.StateItemOnLoan)),
		))
	if err != nil {
		return false, fmt.Errorf("failed to count loans for policy: %w", err)
	}
	return n > 0, nil
}

func (s *Store) History(ctx context.Context, itemPID string) ([]eventstore.Event, error) {
	return s.events.LoadEvents(ctx, itemPID, 0, 0)
}
