// Package unit defines the contract implemented by configuration units and
// the scheduling metadata the engine consumes.
//
// A unit is an independently configurable component with a three-stage
// lifecycle: Validate checks preconditions without side effects, Configure
// applies the change (registering rollback actions as it goes), and Verify
// confirms the system reached the desired state.
//
// Units receive their collaborators through a Toolkit rather than inheriting
// them: the retry policy and circuit breaker for wrapping external calls, the
// rollback ledger for reversible side effects, and the service container for
// anything else (such as the shared exclusive-resource lock).
package unit

import (
	"context"
	"log/slog"

	"github.com/altbridge/convoke/breaker"
	"github.com/altbridge/convoke/container"
	"github.com/altbridge/convoke/ledger"
	"github.com/altbridge/convoke/retry"
)

// Interface is the lifecycle contract implemented by units.
//
// IMPLEMENTATION CONTRACT:
//   - Validate() must not mutate system state; it checks that the unit's
//     parameters and environment allow Configure() to proceed.
//   - Configure() performs the work. Every reversible side effect must be
//     registered with the rollback ledger before or immediately after it is
//     made, so a later failure can be undone.
//   - Verify() confirms the desired state after Configure(); it must not
//     mutate state either.
//   - All three return nil on success and an error describing the failure.
type Interface interface {
	Validate() error
	Configure(ctx context.Context) error
	Verify() error
}

// Descriptor carries a unit's scheduling metadata.
type Descriptor struct {
	// ID uniquely identifies the unit within a run.
	ID string `yaml:"id"`
	// DependsOn lists the ids of units that must complete first.
	DependsOn []string `yaml:"depends_on"`
	// Priority orders force-sequential units within a round, ascending.
	Priority int `yaml:"priority"`
	// ForceSequential makes the unit run alone, never alongside batch-mates.
	ForceSequential bool `yaml:"force_sequential"`
	// Mandatory makes the unit's failure abort the run and trigger rollback.
	Mandatory bool `yaml:"mandatory"`
}

// Toolkit bundles the collaborators injected into every unit.
type Toolkit struct {
	// Logger is scoped to the unit (component and unit id attributes).
	Logger *slog.Logger
	// Ledger records the unit's reversible side effects.
	Ledger *ledger.Ledger
	// Breaker guards the unit's flaky external calls, keyed per operation.
	Breaker *breaker.Breaker
	// Retry wraps the unit's fallible external calls with bounded backoff.
	Retry *retry.Policy
	// Services resolves shared services such as the exclusive-resource lock.
	Services *container.Container
}
