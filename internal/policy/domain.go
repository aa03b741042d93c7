// internal/policy/domain.go
package policy

// CircPolicy parameterizes loans and requests for one combination of
// library, patron type and item type within an organisation.
// Empty LibraryPID, PatronTypePID or ItemTypePID match any value.
type CircPolicy struct {
	PID                string `json:"pid" db:"pid"`
	Name               string `json:"name" db:"name" validate:"required,max=255"`
	Description        string `json:"description,omitempty" db:"description"`
	OrganisationPID    string `json:"organisation_pid" db:"organisation_pid" validate:"required"`
	LibraryPID         string `json:"library_pid,omitempty" db:"library_pid" validate:"excluded_if=IsDefault true"`
	PatronTypePID      string `json:"patron_type_pid,omitempty" db:"patron_type_pid" validate:"excluded_if=IsDefault true"`
	ItemTypePID        string `json:"item_type_pid,omitempty" db:"item_type_pid" validate:"excluded_if=IsDefault true"`
	CheckoutDuration   int    `json:"checkout_duration" db:"checkout_duration" validate:"min=0,required_if=AllowCheckout true"`
	NumberRenewals     int    `json:"number_renewals" db:"number_renewals" validate:"min=0"`
	RenewalDuration    int    `json:"renewal_duration" db:"renewal_duration" validate:"min=0"`
	AllowCheckout      bool   `json:"allow_checkout" db:"allow_checkout"`
	AllowRequests      bool   `json:"allow_requests" db:"allow_requests"`
	PickupHoldDuration int    `json:"pickup_hold_duration" db:"pickup_hold_duration" validate:"min=0"`
	IsDefault          bool   `json:"is_default" db:"is_default"`
	Version            int    `json:"version" db:"version"`
}

// Query is the transaction context a policy is resolved for.
// ItemTypePID is the item's effective item type.
type Query struct {
	OrganisationPID string `json:"organisation_pid"`
	LibraryPID      string `json:"library_pid"`
	PatronTypePID   string `json:"patron_type_pid"`
	ItemTypePID     string `json:"item_type_pid"`
}

// matches reports whether p was written for exactly the dimensions of q.
func (p *CircPolicy) matches(q Query) bool {
	return !p.IsDefault &&
		p.OrganisationPID == q.OrganisationPID &&
		p.LibraryPID == q.LibraryPID &&
		p.PatronTypePID == q.PatronTypePID &&
		p.ItemTypePID == q.ItemTypePID
}

func (p *CircPolicy) dimensions() Query {
	return Query{
		OrganisationPID: p.OrganisationPID,
		LibraryPID:      p.LibraryPID,
		PatronTypePID:   p.PatronTypePID,
		ItemTypePID:     p.ItemTypePID,
	}
}

// Organisation owns policies; it must exist before policies are created for it.
type Organisation struct {
	PID  string `json:"pid" db:"pid"`
	Name string `json:"name" db:"name"`
}
