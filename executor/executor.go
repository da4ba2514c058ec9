// Package executor runs batches of units on a bounded worker pool.
//
// Batches execute strictly in order: batch n+1 never starts before batch n
// has fully completed (a barrier). Within a parallel batch, unit execution
// order is unspecified. Force-sequential batches hold a single unit that runs
// alone, still consuming one worker slot.
//
// Failure of a mandatory unit sets a run-level cancellation flag: units that
// have not started yet are marked skipped and no further batches begin, but
// units already in flight are allowed to finish. A per-unit timeout marks the
// unit failed without killing the underlying goroutine; its eventual result
// is discarded.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/altbridge/convoke/graph"
	"github.com/altbridge/convoke/unit"
)

// Status is the final outcome of one unit within a run.
type Status int

const (
	// StatusSucceeded indicates all lifecycle stages completed.
	StatusSucceeded Status = iota
	// StatusFailed indicates a stage returned an error or timed out.
	StatusFailed
	// StatusSkipped indicates the unit never started.
	StatusSkipped
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// TimeoutError is recorded for a unit whose execution exceeded the per-unit
// timeout. The underlying work is not forcibly terminated; only its result is
// discarded.
type TimeoutError struct {
	Unit    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("unit %q timed out after %s", e.Unit, e.Timeout)
}

// UnitResult is the recorded outcome of one unit.
type UnitResult struct {
	ID       string
	Status   Status
	Err      error
	Duration time.Duration
}

// RunFunc executes one unit by id and returns its error, if any.
type RunFunc func(ctx context.Context, id string) error

// Config holds executor settings.
type Config struct {
	// Workers bounds concurrent unit executions. Defaults to 4.
	Workers int `yaml:"workers"`
	// UnitTimeout bounds each unit execution. Zero disables the timeout.
	UnitTimeout time.Duration `yaml:"unit_timeout"`
}

func (cfg *Config) setDefaults() {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger for execution progress.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger.With("component", "executor") }
}

// Executor runs unit batches with bounded parallelism.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Executor with the given configuration.
func New(cfg Config, opts ...Option) *Executor {
	cfg.setDefaults()
	e := &Executor{
		cfg:    cfg,
		logger: slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the batches in order, invoking run for each unit. The returned
// results follow the declaration order of descriptors regardless of
// completion order; every descriptor gets exactly one result.
func (e *Executor) Execute(ctx context.Context, descriptors []unit.Descriptor, batches []graph.Batch, run RunFunc) []UnitResult {
	mandatory := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		mandatory[d.ID] = d.Mandatory
	}

	state := &runState{
		results: make(map[string]*UnitResult, len(descriptors)),
		sem:     make(chan struct{}, e.cfg.Workers),
	}

	for i, batch := range batches {
		if state.cancelled.Load() {
			e.logger.Warn("run cancelled, skipping remaining batches", "from_batch", i)
			break
		}

		e.logger.Debug("starting batch",
			"batch", i, "units", batch.Units, "sequential", batch.Sequential)

		if batch.Sequential {
			e.runOne(ctx, state, batch.Units[0], mandatory[batch.Units[0]], run)
			continue
		}

		// Barrier: all units of the batch complete before the next batch.
		var wg sync.WaitGroup
		for _, id := range batch.Units {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				e.runOne(ctx, state, id, mandatory[id], run)
			}(id)
		}
		wg.Wait()
	}

	// Report in declaration order; anything never reached is skipped.
	results := make([]UnitResult, 0, len(descriptors))
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, d := range descriptors {
		if res, ok := state.results[d.ID]; ok {
			results = append(results, *res)
		} else {
			results = append(results, UnitResult{ID: d.ID, Status: StatusSkipped})
		}
	}
	return results
}

// runState is the shared mutable state of one Execute call.
type runState struct {
	mu        sync.Mutex
	results   map[string]*UnitResult
	sem       chan struct{}
	cancelled atomic.Bool
}

func (s *runState) record(res UnitResult) {
	s.mu.Lock()
	s.results[res.ID] = &res
	s.mu.Unlock()
}

// runOne executes a single unit: acquires a worker slot, re-checks the
// cancellation flag, races the unit against the per-unit timeout, and records
// the outcome.
func (e *Executor) runOne(ctx context.Context, state *runState, id string, mandatory bool, run RunFunc) {
	select {
	case state.sem <- struct{}{}:
		defer func() { <-state.sem }()
	case <-ctx.Done():
		e.logger.Warn("unit skipped, context cancelled", "unit", id)
		state.record(UnitResult{ID: id, Status: StatusSkipped, Err: ctx.Err()})
		return
	}

	// Cancellation is cooperative: it prevents new work from starting but
	// never interrupts work already in flight.
	if state.cancelled.Load() || ctx.Err() != nil {
		e.logger.Info("unit skipped", "unit", id)
		state.record(UnitResult{ID: id, Status: StatusSkipped})
		return
	}

	e.logger.Info("unit started", "unit", id, "mandatory", mandatory)
	start := time.Now()
	err := e.invoke(ctx, id, run)
	duration := time.Since(start)

	res := UnitResult{ID: id, Duration: duration}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		e.logger.Error("unit failed", "unit", id, "duration", duration, "error", err)
		if mandatory {
			e.logger.Error("mandatory unit failed, cancelling run", "unit", id)
			state.cancelled.Store(true)
		}
	} else {
		res.Status = StatusSucceeded
		e.logger.Info("unit succeeded", "unit", id, "duration", duration)
	}
	state.record(res)
}

// invoke races run against the per-unit timeout. On timeout the unit's
// goroutine keeps running but its result is ignored; the buffered channel
// lets it exit without leaking.
func (e *Executor) invoke(ctx context.Context, id string, run RunFunc) error {
	if e.cfg.UnitTimeout <= 0 {
		return run(ctx, id)
	}

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, id)
	}()

	timer := time.NewTimer(e.cfg.UnitTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &TimeoutError{Unit: id, Timeout: e.cfg.UnitTimeout}
	}
}
