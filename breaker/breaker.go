// Package breaker provides per-key circuit breaking for flaky external calls.
//
// Each operation key gets its own state machine so unrelated operations never
// share failure counters. A breaker trips open after a configured number of
// consecutive failures, fails fast while open, and probes for recovery once
// the open timeout has elapsed.
//
// Example usage:
//
//	b := breaker.New(breaker.Config{FailureThreshold: 3, OpenTimeout: time.Minute})
//	err := b.Call("pkg-mirror", func() error {
//	    return client.Fetch(ctx, url)
//	})
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state for a single key.
type State int

const (
	// Closed indicates calls flow through normally.
	Closed State = iota
	// Open indicates calls fail fast without invoking the wrapped function.
	Open
	// HalfOpen indicates the breaker is probing for recovery.
	HalfOpen
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// CircuitOpenError is returned by Call when the breaker for a key is open
// and the wrapped function was not invoked.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Key, e.RetryAfter)
}

// Config holds circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold is the number of consecutive half-open successes that closes it.
	SuccessThreshold int `yaml:"success_threshold"`
	// OpenTimeout is how long the breaker stays open before allowing a probe.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

func (cfg *Config) setDefaults() {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
}

// record tracks the breaker state for one operation key.
// Records are created on first use and never deleted during a run.
type record struct {
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	probing      bool
}

// TransitionHook is invoked after a state transition. Used for metrics.
type TransitionHook func(key string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(clock Clock) Option {
	return func(b *Breaker) { b.clock = clock }
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger.With("component", "breaker") }
}

// WithTransitionHook sets a hook invoked on every state transition.
func WithTransitionHook(hook TransitionHook) Option {
	return func(b *Breaker) { b.hook = hook }
}

// Breaker isolates faults per operation key.
type Breaker struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger
	hook   TransitionHook

	mu      sync.Mutex
	records map[string]*record
}

// New creates a Breaker with the given configuration.
func New(cfg Config, opts ...Option) *Breaker {
	cfg.setDefaults()
	b := &Breaker{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  slog.Default().With("component", "breaker"),
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call invokes fn guarded by the breaker for key.
//
// While the breaker is open and the open timeout has not elapsed, Call fails
// fast with *CircuitOpenError without invoking fn. Once the timeout elapses a
// single probe call is let through; further calls fail fast until the probe's
// outcome is known.
func (b *Breaker) Call(key string, fn func() error) error {
	rec, err := b.admit(key)
	if err != nil {
		return err
	}

	callErr := fn()

	b.settle(key, rec, callErr)
	return callErr
}

// State returns the current state for key. A key that has never been used
// reports Closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return Closed
	}
	return rec.state
}

// admit decides whether a call for key may proceed.
func (b *Breaker) admit(key string) (*record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		rec = &record{state: Closed}
		b.records[key] = rec
	}

	switch rec.state {
	case Open:
		elapsed := b.clock.Now().Sub(rec.openedAt)
		if elapsed < b.cfg.OpenTimeout {
			return nil, &CircuitOpenError{Key: key, RetryAfter: b.cfg.OpenTimeout - elapsed}
		}
		// Timeout elapsed: transition to half-open and let this call probe.
		b.transition(key, rec, HalfOpen)
		rec.successCount = 0
		rec.probing = true
	case HalfOpen:
		if rec.probing {
			return nil, &CircuitOpenError{Key: key, RetryAfter: 0}
		}
	}

	return rec, nil
}

// settle applies a call outcome to the key's record.
func (b *Breaker) settle(key string, rec *record, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec.probing = false

	if callErr == nil {
		rec.failureCount = 0
		if rec.state == HalfOpen {
			rec.successCount++
			if rec.successCount >= b.cfg.SuccessThreshold {
				b.transition(key, rec, Closed)
				rec.successCount = 0
			}
		}
		return
	}

	if rec.state == HalfOpen {
		// Any half-open failure reopens immediately.
		b.transition(key, rec, Open)
		rec.openedAt = b.clock.Now()
		rec.failureCount = 0
		rec.successCount = 0
		return
	}

	rec.failureCount++
	if rec.state == Closed && rec.failureCount >= b.cfg.FailureThreshold {
		b.transition(key, rec, Open)
		rec.openedAt = b.clock.Now()
		rec.failureCount = 0
	}
}

// transition moves a record to a new state, logging and notifying the hook.
// Caller must hold b.mu.
func (b *Breaker) transition(key string, rec *record, to State) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to

	b.logger.Info("circuit state changed", "key", key, "from", from.String(), "to", to.String())
	if b.hook != nil {
		b.hook(key, from, to)
	}
}
