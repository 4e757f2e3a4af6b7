// internal/eventlog/eventlog.go
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrNoEvents            = errors.New("no events to append")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one entry in an aggregate's stream.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// NewEvent encodes payload as the event body.
func NewEvent(aggregateID uuid.UUID, aggregateType, eventType string, payload any) (Event, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
	}, nil
}

// Decode unmarshals the event body into v.
func (e Event) Decode(v any) error {
	return codec.Unmarshal(e.EventData, v)
}

// Stamp checks expectedVersion against the stream's current version and numbers
// events consecutively after it.
func Stamp(currentVersion, expectedVersion int, events []Event, now time.Time) ([]Event, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if currentVersion != expectedVersion {
		return nil, ErrConcurrencyConflict
	}
	stamped := make([]Event, len(events))
	for i, event := range events {
		event.Version = expectedVersion + i + 1
		event.CreatedAt = now
		stamped[i] = event
	}
	return stamped, nil
}

// Journal appends and reads loan_events inside caller-owned transactions.
type Journal struct {
	tracer trace.Tracer
}

// NewJournal creates a journal.
func NewJournal() *Journal {
	return &Journal{tracer: otel.Tracer("libracirc/eventlog")}
}

// Append writes events for one aggregate with optimistic version control.
// It runs inside tx so the events commit or roll back with the state change they describe.
func (j *Journal) Append(ctx context.Context, tx *sqlx.Tx, aggregateID uuid.UUID, expectedVersion int, events []Event) error {
	ctx, span := j.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	var currentVersion int
	err := tx.QueryRowxContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM loan_events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}

	stamped, err := Stamp(currentVersion, expectedVersion, events, time.Now().UTC())
	if err != nil {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return err
	}

	for i, event := range stamped {
		var eventID int64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO loan_events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, aggregateID, event.AggregateType, event.EventType, []byte(event.EventData), event.Version, event.CreatedAt).Scan(&eventID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgerrcode.UniqueViolation {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", event.Version),
			attribute.String("event.type", event.EventType),
		))
	}

	return nil
}

// Load returns the aggregate's events in version order.
func (j *Journal) Load(ctx context.Context, db sqlx.QueryerContext, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := j.tracer.Start(ctx, "eventlog.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var events []Event
	err := sqlx.SelectContext(ctx, db, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM loan_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}
