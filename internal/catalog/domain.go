// internal/catalog/domain.go
package catalog

import "libracirc/internal/circulation"

// ItemAddedEvent is logged when a new item is registered.
type ItemAddedEvent struct {
	PID         string                 `json:"pid"`
	Barcode     string                 `json:"barcode,omitempty"`
	LibraryPID  string                 `json:"library_pid"`
	LocationPID string                 `json:"location_pid"`
	ItemTypePID string                 `json:"item_type_pid"`
	Status      circulation.ItemStatus `json:"status"`
}

// LocationAddedEvent is logged when a new location is registered.
type LocationAddedEvent struct {
	PID        string `json:"pid"`
	LibraryPID string `json:"library_pid"`
	IsPickup   bool   `json:"is_pickup"`
}
