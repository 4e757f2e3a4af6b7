// internal/catalog/service.go
package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrItemNotFound is returned when no item exists for an ID.
	ErrItemNotFound = errors.New("item not found")
	ErrInvalidItem  = errors.New("invalid item")
)

// Reader is the read-only view of the catalog the circulation core consumes.
type Reader interface {
	GetItem(ctx context.Context, id uuid.UUID) (Item, error)
}

// Store persists catalog items.
type Store interface {
	Reader
	PutItem(ctx context.Context, item Item) error
}

// Service defines the interface for registering lendable items.
type Service interface {
	AddItem(ctx context.Context, title, author string, totalCopies int) (Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (Item, error)
	UpdateItemCopies(ctx context.Context, id uuid.UUID, newTotal int) (Item, error)
}
