// internal/catalog/service.go
package catalog

import (
	"context"
	"errors"

	"libracirc/internal/circulation"
)

var (
	ErrInvalidItem     = errors.New("invalid item")
	ErrInvalidLocation = errors.New("invalid location")
)

// Repository stores the items and locations circulation works on.
type Repository interface {
	CreateItem(ctx context.Context, item *circulation.Item) error
	GetItem(ctx context.Context, pid string) (*circulation.Item, error)
	GetItemByBarcode(ctx context.Context, barcode string) (*circulation.Item, error)
	CreateLocation(ctx context.Context, loc *circulation.Location) error
	GetLocation(ctx context.Context, pid string) (*circulation.Location, error)
	Reindex(ctx context.Context, item *circulation.Item, loans []*circulation.Loan) error
}

// Service defines the interface for the catalog service.
type Service interface {
	AddItem(ctx context.Context, item circulation.Item) (*circulation.Item, error)
	GetItemByBarcode(ctx context.Context, barcode string) (*circulation.Item, error)
	AddLocation(ctx context.Context, loc circulation.Location) (*circulation.Location, error)
	GetLocation(ctx context.Context, pid string) (*circulation.Location, error)
}
