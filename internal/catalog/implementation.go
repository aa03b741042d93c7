// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"

	"libracirc/internal/circulation"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// service implements the Service interface.
type service struct {
	repo     Repository
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, logger *zap.SugaredLogger) Service {
	return &service{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
	}
}

// AddItem registers an item on the shelf with an empty loan queue.
// Only on_shelf and excluded are accepted as initial status.
func (s *service) AddItem(ctx context.Context, item circulation.Item) (*circulation.Item, error) {
	if item.PID == "" {
		item.PID = uuid.NewString()
	}
	switch item.Status {
	case "":
		item.Status = circulation.StatusOnShelf
	case circulation.StatusOnShelf, circulation.StatusExcluded:
	default:
		return nil, fmt.Errorf("%w: initial status %q", ErrInvalidItem, item.Status)
	}
	item.LoanPIDs = nil
	if err := s.validate.Struct(&item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}

	loc, err := s.repo.GetLocation(ctx, item.LocationPID)
	if err != nil {
		if errors.Is(err, circulation.ErrLocationNotFound) {
			return nil, fmt.Errorf("%w: location %s does not exist", ErrInvalidItem, item.LocationPID)
		}
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	if loc.LibraryPID != item.LibraryPID {
		return nil, fmt.Errorf("%w: location %s belongs to library %s", ErrInvalidItem, loc.PID, loc.LibraryPID)
	}

	if err := s.repo.CreateItem(ctx, &item); err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}
	if err := s.repo.Reindex(ctx, &item, nil); err != nil {
		return nil, fmt.Errorf("failed to reindex item: %w", err)
	}

	event := ItemAddedEvent{
		PID:         item.PID,
		Barcode:     item.Barcode,
		LibraryPID:  item.LibraryPID,
		LocationPID: item.LocationPID,
		ItemTypePID: item.ItemTypePID,
		Status:      item.Status,
	}
	s.logger.Infow("item added", "event", event)
	return &item, nil
}

func (s *service) GetItemByBarcode(ctx context.Context, barcode string) (*circulation.Item, error) {
	return s.repo.GetItemByBarcode(ctx, barcode)
}

// AddLocation registers a location.
func (s *service) AddLocation(ctx context.Context, loc circulation.Location) (*circulation.Location, error) {
	if loc.PID == "" {
		loc.PID = uuid.NewString()
	}
	if err := s.validate.Struct(&loc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if err := s.repo.CreateLocation(ctx, &loc); err != nil {
		return nil, fmt.Errorf("failed to create location: %w", err)
	}
	s.logger.Infow("location added", "event", LocationAddedEvent{PID: loc.PID, LibraryPID: loc.LibraryPID, IsPickup: loc.IsPickup})
	return &loc, nil
}

func (s *service) GetLocation(ctx context.Context, pid string) (*circulation.Location, error) {
	return s.repo.GetLocation(ctx, pid)
}
