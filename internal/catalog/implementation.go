// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface.
type service struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(store Store, logger *slog.Logger) Service {
	return &service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("libracirc/catalog"),
	}
}

func validateCopies(total int) error {
	if total < 1 {
		return fmt.Errorf("%w: an item needs at least one copy", ErrInvalidItem)
	}
	return nil
}

// AddItem registers a new item in the catalog.
func (s *service) AddItem(ctx context.Context, title, author string, totalCopies int) (Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.AddItem")
	defer span.End()

	title = strings.TrimSpace(title)
	if title == "" {
		return Item{}, fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	if err := validateCopies(totalCopies); err != nil {
		return Item{}, err
	}

	item := Item{
		ID:          uuid.New(),
		Title:       title,
		Author:      strings.TrimSpace(author),
		TotalCopies: totalCopies,
	}
	span.SetAttributes(attribute.String("item.id", item.ID.String()))

	if err := s.store.PutItem(ctx, item); err != nil {
		span.RecordError(err)
		return Item{}, fmt.Errorf("failed to add item: %w", err)
	}
	s.logger.InfoContext(ctx, "item added",
		slog.String("item_id", item.ID.String()),
		slog.Int("total_copies", item.TotalCopies),
	)
	return item, nil
}

// GetItem retrieves an item from the catalog by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	return s.store.GetItem(ctx, id)
}

// UpdateItemCopies changes the number of physical copies. Copies already on
// loan stay on loan; availability is clamped at zero until they come back.
func (s *service) UpdateItemCopies(ctx context.Context, id uuid.UUID, newTotal int) (Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.UpdateItemCopies",
		trace.WithAttributes(attribute.String("item.id", id.String())),
	)
	defer span.End()

	if err := validateCopies(newTotal); err != nil {
		return Item{}, err
	}
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return Item{}, err
	}

	previous := item.TotalCopies
	item.TotalCopies = newTotal
	if err := s.store.PutItem(ctx, item); err != nil {
		span.RecordError(err)
		return Item{}, fmt.Errorf("failed to update item copies: %w", err)
	}
	s.logger.InfoContext(ctx, "item copies updated",
		slog.String("item_id", id.String()),
		slog.Int("previous", previous),
		slog.Int("total_copies", newTotal),
	)
	return item, nil
}
