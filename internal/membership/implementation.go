// internal/membership/implementation.go
package membership

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

// NewService creates a new membership service instance.
func NewService(store Store, logger *slog.Logger) Service {
	return &service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("libracirc/membership"),
	}
}

// RegisterMember creates a new member in good standing.
func (s *service) RegisterMember(ctx context.Context, name string) (Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.RegisterMember")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return Member{}, fmt.Errorf("%w: name is required", ErrInvalidMember)
	}

	member := Member{ID: uuid.New(), Name: name, Status: StatusActive}
	span.SetAttributes(attribute.String("member.id", member.ID.String()))
	if err := s.store.PutMember(ctx, member); err != nil {
		span.RecordError(err)
		return Member{}, fmt.Errorf("failed to register member: %w", err)
	}
	s.logger.InfoContext(ctx, "member registered", slog.String("member_id", member.ID.String()))
	return member, nil
}

// GetMember retrieves a member by ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (Member, error) {
	return s.store.GetMember(ctx, id)
}

// SetStatus suspends, expires or reinstates a member. Existing loans are
// unaffected; the status only gates new ones.
func (s *service) SetStatus(ctx context.Context, id uuid.UUID, status Status) (Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.SetStatus",
		trace.WithAttributes(
			attribute.String("member.id", id.String()),
			attribute.String("member.status", string(status)),
		),
	)
	defer span.End()

	if !status.Valid() {
		return Member{}, fmt.Errorf("%w: unknown status %q", ErrInvalidMember, status)
	}
	member, err := s.store.GetMember(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if member.Status == status {
		return member, nil
	}

	previous := member.Status
	member.Status = status
	if err := s.store.PutMember(ctx, member); err != nil {
		span.RecordError(err)
		return Member{}, fmt.Errorf("failed to update member status: %w", err)
	}
	s.logger.InfoContext(ctx, "member status changed",
		slog.String("member_id", id.String()),
		slog.String("from", string(previous)),
		slog.String("to", string(status)),
	)
	return member, nil
}
