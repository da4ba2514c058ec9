// Package engine wires the dependency graph, executor, resilience policies,
// and rollback ledger into a single converge run.
//
// A run proceeds in phases: unit declarations are validated and batched,
// units are constructed with an injected toolkit, the executor drives each
// unit's Validate/Configure/Verify lifecycle, and a mandatory failure rolls
// back every side effect registered so far. The resulting Report enumerates
// every unit's outcome; only pre-execution errors (bad declarations, cycles,
// construction failures) are returned as errors from Run itself.
//
// Only one run may be in flight per Engine. Concurrent calls fail with
// ErrRunInProgress rather than queueing, so a scheduled trigger firing while
// a long run is still converging cannot pile up work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/altbridge/convoke/breaker"
	"github.com/altbridge/convoke/config"
	"github.com/altbridge/convoke/container"
	"github.com/altbridge/convoke/executor"
	"github.com/altbridge/convoke/graph"
	"github.com/altbridge/convoke/ledger"
	"github.com/altbridge/convoke/metrics"
	"github.com/altbridge/convoke/retry"
	"github.com/altbridge/convoke/unit"
)

// ResourceLockService is the container name of the shared exclusive-resource
// mutex. Units that touch a single external exclusive resource (a package
// manager lock, for example) resolve this mutex and hold it for the duration
// of the exclusive section. It is an explicitly constructed instance, never a
// package-level singleton, so tests can substitute an uncontended stub.
const ResourceLockService = "resource.lock"

// ErrRunInProgress is returned when a converge run is started while another
// is still running.
var ErrRunInProgress = errors.New("converge run already in progress")

// Lifecycle stage names used in UnitExecutionError.
const (
	StageValidate  = "validate"
	StageConfigure = "configure"
	StageVerify    = "verify"
)

// UnitExecutionError wraps a unit-reported failure with the context needed to
// act on it: which unit, which lifecycle stage, and the underlying cause.
type UnitExecutionError struct {
	Unit  string
	Stage string
	Err   error
}

func (e *UnitExecutionError) Error() string {
	return fmt.Sprintf("unit %q: %s failed: %v", e.Unit, e.Stage, e.Err)
}

func (e *UnitExecutionError) Unwrap() error { return e.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for run progress.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("component", "engine") }
}

// WithRecorder sets the metrics recorder updated during runs.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = rec }
}

// WithPusher sets the remote write client used to push metrics after each
// run. Requires WithRecorder to have any effect.
func WithPusher(c *metrics.Client) Option {
	return func(e *Engine) { e.pusher = c }
}

// WithStore overrides the durable ledger store. Without this option each run
// opens the disk store at the configured ledger path.
func WithStore(store ledger.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithDryRun limits runs to the Validate stage: no Configure, no Verify, no
// side effects, no rollback, no metrics push.
func WithDryRun() Option {
	return func(e *Engine) { e.dryRun = true }
}

// Engine executes converge runs over the configured units.
type Engine struct {
	cfg      *config.Config
	registry *unit.Registry
	logger   *slog.Logger
	recorder *metrics.Recorder
	pusher   *metrics.Client
	store    ledger.Store
	dryRun   bool

	mu      sync.Mutex
	running bool
}

// New creates an Engine for the given configuration and unit registry.
func New(cfg *config.Config, registry *unit.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one converge run and reduces its report to an error, which
// makes the Engine usable as a scheduled runnable. A mandatory failure is an
// error; non-mandatory failures are not.
func (e *Engine) Run(ctx context.Context) error {
	report, err := e.Converge(ctx)
	if err != nil {
		return err
	}
	if !report.OverallSuccess {
		return errors.New("converge run failed")
	}
	return nil
}

// Converge executes one converge run. The returned error covers only
// pre-execution failures (invalid declarations, dependency cycles, unit
// construction); unit outcomes, including failures, live in the Report.
func (e *Engine) Converge(ctx context.Context) (*Report, error) {
	if !e.tryStart() {
		return nil, ErrRunInProgress
	}
	defer e.finish()

	g := graph.New()
	for _, uc := range e.cfg.Units {
		if err := g.AddUnit(uc.Descriptor()); err != nil {
			return nil, fmt.Errorf("invalid unit declaration: %w", err)
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	batches, err := g.ComputeBatches()
	if err != nil {
		return nil, err
	}

	store := e.store
	if store == nil {
		diskStore, err := ledger.OpenDiskStore(e.cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open rollback ledger: %w", err)
		}
		defer diskStore.Close()
		store = diskStore
	}
	if leftover := store.Records(); len(leftover) > 0 {
		e.logger.Warn("ledger holds records from a previous run; inspect or replay with the recovery tool before relying on rollback",
			"record_count", len(leftover))
	}

	units, ld, err := e.buildUnits(store)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting converge run",
		"units", len(units), "batches", len(batches), "dry_run", e.dryRun)

	exec := executor.New(e.cfg.Engine, executor.WithLogger(e.logger))
	descriptors := make([]unit.Descriptor, 0, len(e.cfg.Units))
	for _, uc := range e.cfg.Units {
		descriptors = append(descriptors, uc.Descriptor())
	}

	startedAt := time.Now()
	results := exec.Execute(ctx, descriptors, batches, e.runner(units))

	report := &Report{
		StartedAt:      startedAt,
		Results:        results,
		OverallSuccess: true,
	}
	mandatory := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		mandatory[d.ID] = d.Mandatory
	}
	for _, res := range results {
		if res.Status == executor.StatusFailed && mandatory[res.ID] {
			report.OverallSuccess = false
		}
	}

	if e.dryRun {
		report.EndedAt = time.Now()
		e.logger.Info("dry run finished", "success", report.OverallSuccess)
		return report, nil
	}

	if !report.OverallSuccess {
		registered := ld.Len()
		report.RolledBack = true
		report.RollbackErrors = ld.ExecuteRollback(ctx)
		if e.recorder != nil {
			e.recorder.RollbackExecuted(registered-len(report.RollbackErrors), len(report.RollbackErrors))
		}
	} else if err := ld.Clear(); err != nil {
		e.logger.Error("failed to clear rollback ledger after successful run", "error", err)
	}
	report.EndedAt = time.Now()

	e.recordAndPush(ctx, report)
	e.logger.Info("converge run finished",
		"success", report.OverallSuccess, "duration", report.Duration())
	return report, nil
}

// tryStart claims the single run slot.
func (e *Engine) tryStart() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// buildUnits constructs every declared unit with its injected toolkit. Any
// construction failure is fatal before execution starts.
func (e *Engine) buildUnits(store ledger.Store) (map[string]unit.Interface, *ledger.Ledger, error) {
	ld := ledger.New(store, ledger.WithLogger(e.logger))

	brkOpts := []breaker.Option{breaker.WithLogger(e.logger)}
	if e.recorder != nil {
		brkOpts = append(brkOpts, breaker.WithTransitionHook(func(key string, from, to breaker.State) {
			e.recorder.BreakerTransition(key, to.String())
		}))
	}
	brk := breaker.New(e.cfg.Breaker, brkOpts...)
	pol := retry.New(e.cfg.Retry, retry.WithLogger(e.logger))

	services := container.New()
	services.RegisterInstance(ResourceLockService, &sync.Mutex{})

	units := make(map[string]unit.Interface, len(e.cfg.Units))
	for _, uc := range e.cfg.Units {
		tk := &unit.Toolkit{
			Logger:   e.logger.With("unit", uc.ID),
			Ledger:   ld,
			Breaker:  brk,
			Retry:    pol,
			Services: services,
		}
		u, err := e.registry.New(uc.Type, uc.ID, uc.Params, tk)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to construct unit %q: %w", uc.ID, err)
		}
		units[uc.ID] = u
	}
	return units, ld, nil
}

// runner returns the per-unit execution function driving the lifecycle.
func (e *Engine) runner(units map[string]unit.Interface) executor.RunFunc {
	return func(ctx context.Context, id string) error {
		u := units[id]

		if err := u.Validate(); err != nil {
			return &UnitExecutionError{Unit: id, Stage: StageValidate, Err: err}
		}
		if e.dryRun {
			return nil
		}
		if err := u.Configure(ctx); err != nil {
			return &UnitExecutionError{Unit: id, Stage: StageConfigure, Err: err}
		}
		if err := u.Verify(); err != nil {
			return &UnitExecutionError{Unit: id, Stage: StageVerify, Err: err}
		}
		return nil
	}
}

// recordAndPush updates the metrics recorder from the report and pushes the
// gathered metrics to the remote write endpoint, if configured. Push failures
// are logged, never fatal.
func (e *Engine) recordAndPush(ctx context.Context, report *Report) {
	if e.recorder == nil {
		return
	}

	e.recorder.RunCompleted(report.OverallSuccess, report.Duration())
	for _, res := range report.Results {
		e.recorder.UnitCompleted(res.ID, res.Status.String(), res.Duration)
	}

	if e.pusher == nil {
		return
	}
	points, err := e.recorder.Gather(report.EndedAt)
	if err != nil {
		e.logger.Error("failed to gather metrics", "error", err)
		return
	}
	if err := e.pusher.PushMetrics(ctx, points...); err != nil {
		e.logger.Error("failed to push metrics", "error", err)
	}
}
