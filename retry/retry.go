// Package retry provides bounded retry with exponential backoff and jitter.
//
// The time source and randomness are injected so tests run deterministically
// without real delays.
//
// Example usage:
//
//	policy := retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Second})
//	err := policy.Do(ctx, func() error {
//	    return client.Fetch(ctx, url)
//	}, retry.Always)
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Clock abstracts sleeping for deterministic tests. Sleep returns early with
// the context error if ctx is cancelled during the wait.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rand abstracts the jitter randomness source.
type Rand interface {
	Float64() float64
}

type systemRand struct{}

func (systemRand) Float64() float64 { return rand.Float64() }

// ExhaustedError is returned when a retryable operation keeps failing after
// the configured number of retries.
type ExhaustedError struct {
	// Attempts is the total number of invocations, including the first.
	Attempts int
	// Err is the error from the final attempt.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Always treats every error as retryable.
func Always(error) bool { return true }

// Config holds retry behavior settings.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `yaml:"max_delay"`
	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64 `yaml:"backoff_factor"`
	// Jitter randomizes each delay into [0.5*delay, delay).
	Jitter bool `yaml:"jitter"`
}

func (cfg *Config) setDefaults() {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the sleep implementation. Defaults to real timers.
func WithClock(clock Clock) Option {
	return func(p *Policy) { p.clock = clock }
}

// WithRand sets the jitter randomness source.
func WithRand(r Rand) Option {
	return func(p *Policy) { p.rand = r }
}

// WithLogger sets the logger for retry attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Policy) { p.logger = logger.With("component", "retry") }
}

// Policy wraps fallible operations with bounded exponential backoff.
type Policy struct {
	cfg    Config
	clock  Clock
	rand   Rand
	logger *slog.Logger
}

// New creates a Policy with the given configuration.
func New(cfg Config, opts ...Option) *Policy {
	cfg.setDefaults()
	p := &Policy{
		cfg:    cfg,
		clock:  systemClock{},
		rand:   systemRand{},
		logger: slog.Default().With("component", "retry"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent.
//
// A non-retryable error is returned as-is after a single invocation. Once the
// budget is spent the last error is wrapped in *ExhaustedError. Cancelling
// ctx during a backoff wait aborts with the context error.
func (p *Policy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	if retryable == nil {
		retryable = Always
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			p.logger.Debug("error not retryable", "attempt", attempt+1, "error", lastErr)
			return lastErr
		}

		if attempt >= p.cfg.MaxRetries {
			p.logger.Warn("retries exhausted", "attempts", attempt+1, "error", lastErr)
			return &ExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}

		delay := p.delay(attempt)
		p.logger.Debug("retrying after backoff",
			"attempt", attempt+1, "delay", delay, "error", lastErr)
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// delay computes the backoff delay for a zero-based attempt number.
func (p *Policy) delay(attempt int) time.Duration {
	backoff := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt))
	if capped := float64(p.cfg.MaxDelay); backoff > capped {
		backoff = capped
	}
	if p.cfg.Jitter {
		backoff *= 0.5 + p.rand.Float64()*0.5
	}
	return time.Duration(backoff)
}
