// internal/storage/postgres/patrons.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"libracirc/internal/patron"

	"github.com/doug-martin/goqu/v9"
)

var _ patron.Directory = (*Store)(nil)

var patronColumns = []any{
	"pid", "name", "email", "organisation_pid", "library_pid", "patron_type_pid",
	"is_blocked", "blocked_note", "version", "updated_at",
}

func patronRecord(p *patron.Patron) goqu.Record {
	return goqu.Record{
		"name":             p.Name,
		"email":            p.Email,
		"organisation_pid": p.OrganisationPID,
		"library_pid":      p.LibraryPID,
		"patron_type_pid":  p.PatronTypePID,
		"is_blocked":       p.IsBlocked,
		"blocked_note":     p.BlockedNote,
		"updated_at":       p.UpdatedAt,
	}
}

func (s *Store) GetPatron(ctx context.Context, pid string) (*patron.Patron, error) {
	var p patron.Patron
	err := s.get(ctx, s.db, &p, s.builder.From(tablePatrons).Select(patronColumns...).Where(goqu.C("pid").Eq(pid)))
	if isNoRows(err) {
		return nil, patron.ErrPatronNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patron: %w", err)
	}
	return &p, nil
}

func (s *Store) CreatePatron(ctx context.Context, p *patron.Patron) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	rec := patronRecord(p)
	rec["pid"] = p.PID
	rec["version"] = 1
	_, err := s.exec(ctx, s.db, s.builder.Insert(tablePatrons).Rows(rec).Prepared(true))
	if sqlState(err) == codeUniqueViolation {
		return patron.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert patron: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *Store) UpdatePatron(ctx context.Context, p *patron.Patron, expectedVersion int) error {
	rec := patronRecord(p)
	rec["version"] = expectedVersion + 1
	n, err := s.exec(ctx, s.db, s.builder.Update(tablePatrons).
		Set(rec).
		Where(goqu.C("pid").Eq(p.PID), goqu.C("version").Eq(expectedVersion)).
		Prepared(true))
	if err != nil {
		return fmt.Errorf("failed to update patron: %w", err)
	}
	if n == 0 {
		if _, err := s.GetPatron(ctx, p.PID); err != nil {
			return err
		}
		return patron.ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	return nil
}
