package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaysBetween(t *testing.T) {
	due := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 6, DaysBetween(due, time.Date(2025, 3, 7, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, -1, DaysBetween(due, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, DaysBetween(due, due))
}

func TestDaysBetweenAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	from := time.Date(2025, 3, 8, 12, 0, 0, 0, loc)
	to := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	assert.Equal(t, 2, DaysBetween(from, to))
}

func TestParseAndFormat(t *testing.T) {
	d, err := Parse("2025-01-31")
	require.NoError(t, err)
	assert.Equal(t, "2025-02-14", Format(AddDays(d, 14)))

	_, err = Parse("31/01/2025")
	assert.Error(t, err)
}
