// internal/patron/domain.go
package patron

import "time"

// Patron represents a library patron as seen by circulation.
type Patron struct {
	PID             string    `json:"pid" db:"pid" validate:"required"`
	Name            string    `json:"name" db:"name" validate:"required"`
	Email           string    `json:"email,omitempty" db:"email" validate:"omitempty,email"`
	OrganisationPID string    `json:"organisation_pid" db:"organisation_pid" validate:"required"`
	LibraryPID      string    `json:"library_pid" db:"library_pid" validate:"required"`
	PatronTypePID   string    `json:"patron_type_pid" db:"patron_type_pid" validate:"required"`
	IsBlocked       bool      `json:"is_blocked" db:"is_blocked"`
	BlockedNote     string    `json:"blocked_note,omitempty" db:"blocked_note"`
	Version         int       `json:"version" db:"version"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// PatronBlockChangedEvent is logged when a patron is blocked or unblocked.
type PatronBlockChangedEvent struct {
	PID       string `json:"pid"`
	IsBlocked bool   `json:"is_blocked"`
	Note      string `json:"note,omitempty"`
}
