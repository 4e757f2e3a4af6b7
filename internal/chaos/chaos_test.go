package chaos

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/circulation"
	"libracirc/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTarget(t *testing.T) (Target, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	svc, err := circulation.NewService(store, circulation.DefaultPolicy(),
		circulation.WithLogger(discardLogger()),
		circulation.WithRetryBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	require.NoError(t, err)
	return Target{
		Service:     svc,
		Invariants:  store,
		Seeder:      store,
		Policy:      circulation.DefaultPolicy(),
		Concurrency: 8,
	}, store
}

func TestRunAbortsWhenBaselineFails(t *testing.T) {
	engine := NewEngine(discardLogger(), 5*time.Millisecond)
	var attempted atomic.Int32

	result, err := engine.Run(context.Background(), Experiment{
		Name: "broken",
		Probes: []Probe{{
			Name:  "always_bad",
			Check: func(context.Context) error { return errors.New("bad from the start") },
		}},
		Attempts: 3,
		Attempt: func(context.Context, int) error {
			attempted.Add(1)
			return nil
		},
	})
	require.ErrorIs(t, err, ErrBaselineViolated)
	require.Len(t, result.ProbeFailures, 1)
	assert.Equal(t, "baseline", result.ProbeFailures[0].Phase)
	assert.Zero(t, attempted.Load())
	assert.Empty(t, engine.Results())
}

func TestRunTalliesOutcomesAndRestoresFault(t *testing.T) {
	engine := NewEngine(discardLogger(), time.Millisecond)
	var (
		broken   atomic.Bool
		restored bool
	)

	result, err := engine.Run(context.Background(), Experiment{
		Name: "flaky",
		Fault: func(context.Context) (func(), error) {
			return func() { restored = true }, nil
		},
		Attempts: 4,
		Attempt: func(_ context.Context, i int) error {
			switch i {
			case 0:
				broken.Store(true)
				return nil
			case 1:
				return circulation.ErrItemUnavailable
			case 2:
				return errors.New("disk on fire")
			}
			return nil
		},
		Tolerate: []string{"item_unavailable"},
		Probes: []Probe{{
			Name: "not_broken",
			Check: func(context.Context) error {
				if broken.Load() {
					return errors.New("broken")
				}
				return nil
			},
		}},
		Expect: []Expectation{{
			Description: "three succeed",
			Check:       succeeded(3),
		}},
	})
	require.NoError(t, err)
	assert.True(t, restored)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, Tally{OutcomeOK: 2, "item_unavailable": 1, "internal": 1}, result.Tally)
	assert.Equal(t, []string{"disk on fire"}, result.UnexpectedErrors)
	assert.Equal(t, []string{"three succeed: 2 attempts succeeded, want 3"}, result.FailedExpectations)
	require.NotEmpty(t, result.ProbeFailures)
	assert.Equal(t, "after", result.ProbeFailures[len(result.ProbeFailures)-1].Phase)
	assert.Len(t, engine.Results(), 1)
}

func TestConcurrentIssueExperimentHolds(t *testing.T) {
	target, _ := newTarget(t)
	engine := NewEngine(discardLogger(), time.Millisecond)

	result, err := engine.Run(context.Background(), target.ConcurrentIssueExperiment())
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "%+v", result)
	assert.Equal(t, Tally{OutcomeOK: 1, "item_unavailable": 7}, result.Tally)
}

func TestConcurrentPaymentExperimentHolds(t *testing.T) {
	target, store := newTarget(t)
	engine := NewEngine(discardLogger(), time.Millisecond)

	result, err := engine.Run(context.Background(), target.ConcurrentPaymentExperiment())
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "%+v", result)
	assert.Equal(t, 3, result.Tally.Succeeded())
	assert.Equal(t, 5, result.Tally["amount_exceeds_balance"])

	report, err := store.CheckInvariants(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestConflictRetryExperimentHolds(t *testing.T) {
	target, store := newTarget(t)
	engine := NewEngine(discardLogger(), time.Millisecond)

	result, err := engine.Run(context.Background(), target.ConflictRetryExperiment(store))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "%+v", result)
}

func TestGameDayRunsEveryExperiment(t *testing.T) {
	target, _ := newTarget(t)
	engine := NewEngine(discardLogger(), 5*time.Millisecond)
	target.RegisterExperiments(engine)
	require.Len(t, engine.Experiments(), 3)

	held, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "test game day",
		Scenarios: engine.Experiments(),
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.Len(t, engine.Results(), 3)
}
