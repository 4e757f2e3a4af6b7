// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/circulation"
)

var ErrBaselineViolated = errors.New("probe failed before the workload started")

// OutcomeOK is the tally key for attempts that succeeded.
const OutcomeOK = "ok"

// Experiment races a batch of circulation calls against each other while
// its probes watch the store.
type Experiment struct {
	Name       string
	Hypothesis string
	// Prepare seeds the items, members and loans the attempts work on.
	Prepare func(ctx context.Context) error
	// Fault is optional. The returned restore func runs once the attempts finish.
	Fault    func(ctx context.Context) (restore func(), err error)
	Attempts int
	Attempt  func(ctx context.Context, i int) error
	// Tolerate lists rejection kinds an attempt may end with.
	Tolerate []string
	Probes   []Probe
	Expect   []Expectation
}

// Probe checks a property that must hold before, during and after the workload.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Expectation checks the end state and the tally of attempt outcomes.
type Expectation struct {
	Description string
	Check       func(ctx context.Context, tally Tally) error
}

// Tally counts attempt outcomes by error kind.
type Tally map[string]int

func (t Tally) Succeeded() int { return t[OutcomeOK] }

// Result captures one experiment run.
type Result struct {
	ExperimentName     string         `json:"experiment_name"`
	StartTime          time.Time      `json:"start_time"`
	Duration           time.Duration  `json:"duration"`
	HypothesisHeld     bool           `json:"hypothesis_held"`
	Tally              Tally          `json:"tally"`
	Samples            int            `json:"samples"`
	ProbeFailures      []ProbeFailure `json:"probe_failures,omitempty"`
	FailedExpectations []string       `json:"failed_expectations,omitempty"`
	UnexpectedErrors   []string       `json:"unexpected_errors,omitempty"`
}

// ProbeFailure records a probe that did not hold and when.
type ProbeFailure struct {
	Probe string    `json:"probe"`
	Phase string    `json:"phase"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer      trace.Tracer
	logger      *slog.Logger
	tick        time.Duration
	experiments []Experiment
	results     []Result
	mu          sync.Mutex
}

// NewEngine creates an engine that reruns probes every tick while attempts are in flight.
func NewEngine(logger *slog.Logger, tick time.Duration) *Engine {
	if tick <= 0 {
		tick = time.Second
	}
	return &Engine{
		tracer: otel.Tracer("libracirc/chaos"),
		logger: logger,
		tick:   tick,
	}
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.experiments)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.results)
}

// Run prepares the experiment, checks the probes, injects the fault, fires
// every attempt at once while sampling probes, then checks the expectations.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.Run", trace.WithAttributes(
		attribute.String("experiment.name", exp.Name),
		attribute.Int("experiment.attempts", exp.Attempts),
	))
	defer span.End()

	result := &Result{ExperimentName: exp.Name, StartTime: time.Now(), Tally: Tally{}}

	if exp.Prepare != nil {
		if err := exp.Prepare(ctx); err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("failed to prepare %s: %w", exp.Name, err)
		}
	}

	var mu sync.Mutex
	probe := func(phase string) bool {
		held := true
		for _, p := range exp.Probes {
			if err := p.Check(ctx); err != nil {
				held = false
				mu.Lock()
				result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
					Probe: p.Name, Phase: phase, Error: err.Error(), At: time.Now(),
				})
				mu.Unlock()
			}
		}
		mu.Lock()
		result.Samples++
		mu.Unlock()
		return held
	}

	span.AddEvent("baseline")
	if !probe("baseline") {
		return result, ErrBaselineViolated
	}

	restore := func() {}
	if exp.Fault != nil {
		span.AddEvent("fault")
		r, err := exp.Fault(ctx)
		if err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("failed to inject fault for %s: %w", exp.Name, err)
		}
		if r != nil {
			restore = r
		}
	}

	span.AddEvent("workload")
	done := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				probe("workload")
			}
		}
	}()

	outcomes := make([]error, exp.Attempts)
	var wg sync.WaitGroup
	for i := range exp.Attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = exp.Attempt(ctx, i)
		}()
	}
	wg.Wait()
	close(done)
	<-sampled
	restore()

	for _, err := range outcomes {
		if err == nil {
			result.Tally[OutcomeOK]++
			continue
		}
		kind := circulation.KindOf(err)
		result.Tally[kind]++
		if !slices.Contains(exp.Tolerate, kind) {
			result.UnexpectedErrors = append(result.UnexpectedErrors, err.Error())
		}
	}

	span.AddEvent("verify")
	probe("after")
	for _, expectation := range exp.Expect {
		if err := expectation.Check(ctx, result.Tally); err != nil {
			result.FailedExpectations = append(result.FailedExpectations,
				fmt.Sprintf("%s: %v", expectation.Description, err))
		}
	}

	result.HypothesisHeld = len(result.ProbeFailures) == 0 &&
		len(result.FailedExpectations) == 0 &&
		len(result.UnexpectedErrors) == 0
	result.Duration = time.Since(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("probe_failures", len(result.ProbeFailures)),
	)
	return result, nil
}

// GameDay runs a series of experiments back to back.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario and reports whether all hypotheses held.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.GameDay",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "starting game day",
		slog.String("name", gameDay.Name),
		slog.Int("scenarios", len(gameDay.Scenarios)),
	)

	allHeld := true
	for i, scenario := range gameDay.Scenarios {
		e.logger.InfoContext(ctx, "running experiment",
			slog.Int("index", i+1),
			slog.String("name", scenario.Name),
			slog.String("hypothesis", scenario.Hypothesis),
		)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			allHeld = false
			e.logger.ErrorContext(ctx, "experiment aborted",
				slog.String("name", scenario.Name),
				slog.Any("error", err),
			)
			continue
		}
		e.logResult(ctx, result)
		if !result.HypothesisHeld {
			allHeld = false
		}

		if gameDay.Pause > 0 && i < len(gameDay.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}
	return allHeld, nil
}

func (e *Engine) logResult(ctx context.Context, result *Result) {
	attrs := []any{
		slog.String("name", result.ExperimentName),
		slog.Bool("hypothesis_held", result.HypothesisHeld),
		slog.Any("tally", result.Tally),
		slog.Int("samples", result.Samples),
		slog.Duration("duration", result.Duration),
	}
	if !result.HypothesisHeld {
		attrs = append(attrs,
			slog.Any("probe_failures", result.ProbeFailures),
			slog.Any("failed_expectations", result.FailedExpectations),
			slog.Any("unexpected_errors", result.UnexpectedErrors),
		)
		e.logger.WarnContext(ctx, "hypothesis violated", attrs...)
		return
	}
	e.logger.InfoContext(ctx, "hypothesis held", attrs...)
}
