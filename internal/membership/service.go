// internal/membership/service.go
package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrMemberNotFound is returned when no member exists for an ID.
	ErrMemberNotFound = errors.New("member not found")
	ErrInvalidMember  = errors.New("invalid member")
)

// Reader is the read-only view of membership records the circulation core consumes.
type Reader interface {
	GetMember(ctx context.Context, id uuid.UUID) (Member, error)
}

// Store persists member records.
type Store interface {
	Reader
	PutMember(ctx context.Context, member Member) error
}

// Service defines the interface for the membership registry.
type Service interface {
	RegisterMember(ctx context.Context, name string) (Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (Member, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status) (Member, error)
}
