package eventlog

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Message string `json:"message"`
}

func TestNewEventAndDecode(t *testing.T) {
	id := uuid.New()
	event, err := NewEvent(id, "loan", "TestEvent", testEvent{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, id, event.AggregateID)
	assert.JSONEq(t, `{"message":"hello"}`, string(event.EventData))

	var decoded testEvent
	require.NoError(t, event.Decode(&decoded))
	assert.Equal(t, "hello", decoded.Message)
}

func TestStamp(t *testing.T) {
	now := time.Now().UTC()
	events := []Event{{EventType: "A"}, {EventType: "B"}}

	stamped, err := Stamp(2, 2, events, now)
	require.NoError(t, err)
	assert.Equal(t, 3, stamped[0].Version)
	assert.Equal(t, 4, stamped[1].Version)
	assert.Equal(t, now, stamped[1].CreatedAt)
	assert.Zero(t, events[0].Version, "input must not be mutated")

	_, err = Stamp(3, 2, events, now)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = Stamp(0, 0, nil, now)
	assert.ErrorIs(t, err, ErrNoEvents)
}
