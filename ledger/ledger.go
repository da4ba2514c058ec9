// Package ledger provides an append-only, crash-resumable log of reversible
// actions, undone in reverse order when a run must be rolled back.
//
// Units register an Action for every reversible side effect as they make it.
// Appends go to an in-memory list and, synchronously, to a durable store so
// the ledger can be reconstructed after a crash. Rollback walks the in-memory
// list last-to-first and keeps going past individual undo failures: a partial
// rollback is preferable to none.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Action is a reversible step recorded during a run.
type Action struct {
	// Unit is the id of the unit registering the action.
	Unit string
	// Kind names the undo handler for payload-based replay after a crash.
	Kind string
	// Description is a human-readable summary of what will be undone.
	Description string
	// Params carries the serializable payload needed to undo after a crash.
	Params map[string]any
	// Undo reverses the action. It is invoked at most once.
	Undo func(ctx context.Context) error
	// Timestamp is when the action was registered. Set by Append if zero.
	Timestamp time.Time
}

// RollbackError records a single failed undo. Rollback failures are collected
// rather than raised so the remaining undos still run.
type RollbackError struct {
	Unit        string
	Description string
	Err         error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of %q (unit %s) failed: %v", e.Description, e.Unit, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for rollback progress.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger.With("component", "ledger") }
}

// Ledger is the rollback ledger for a single run.
type Ledger struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	actions []Action
}

// New creates a Ledger backed by the given durable store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append registers a reversible action. Safe for concurrent callers; the
// append order is whatever order the mutex grants, and rollback undoes in
// that order reversed.
func (l *Ledger) Append(action Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now()
	}

	rec := Record{
		Version:     recordVersion,
		Unit:        action.Unit,
		Kind:        action.Kind,
		Description: action.Description,
		Params:      action.Params,
		Timestamp:   action.Timestamp,
	}
	if err := l.store.Append(rec); err != nil {
		return fmt.Errorf("failed to persist rollback action: %w", err)
	}

	l.actions = append(l.actions, action)
	l.logger.Debug("rollback action registered",
		"unit", action.Unit, "description", action.Description, "total", len(l.actions))
	return nil
}

// Len returns the number of registered actions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}

// ExecuteRollback undoes all registered actions in strict reverse of append
// order. A failing undo is logged and collected but does not stop subsequent
// undos. Afterwards both the in-memory list and the durable store are
// cleared, even if some undos failed.
func (l *Ledger) ExecuteRollback(ctx context.Context) []error {
	l.mu.Lock()
	actions := l.actions
	l.actions = nil
	l.mu.Unlock()

	if len(actions) == 0 {
		l.logger.Info("no rollback actions registered")
		return nil
	}

	l.logger.Warn("executing rollback", "action_count", len(actions))

	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		l.logger.Info("undoing action",
			"unit", action.Unit, "description", action.Description, "position", i)

		if action.Undo == nil {
			continue
		}
		if err := action.Undo(ctx); err != nil {
			rbErr := &RollbackError{
				Unit:        action.Unit,
				Description: action.Description,
				Err:         err,
			}
			l.logger.Error("undo failed",
				"unit", action.Unit, "description", action.Description, "error", err)
			errs = append(errs, rbErr)
		}
	}

	if err := l.store.Clear(); err != nil {
		l.logger.Error("failed to clear ledger store", "error", err)
		errs = append(errs, fmt.Errorf("failed to clear ledger store: %w", err))
	}

	l.logger.Info("rollback finished", "undone", len(actions)-len(errs), "failed", len(errs))
	return errs
}

// Clear drops all registered actions and clears the durable store. Called
// after a fully successful run, when nothing needs undoing.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.actions = nil
	return l.store.Clear()
}
