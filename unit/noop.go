package unit

import (
	"context"
	"errors"
	"fmt"

	"github.com/altbridge/convoke/ledger"
)

// TypeNoop is the type name of the built-in no-op unit.
const TypeNoop = "noop"

// UndoKindNoop is the ledger record kind written by the no-op unit.
const UndoKindNoop = "noop.undo"

// RegisterBuiltins adds the built-in unit types to a registry.
func RegisterBuiltins(r *Registry) error {
	return r.Register(TypeNoop, newNoop)
}

// BuiltinUndoHandlers returns the payload-based undo handlers for the
// built-in unit types, used by the recovery tool to replay a crashed run's
// ledger.
func BuiltinUndoHandlers() map[string]ledger.UndoFunc {
	return map[string]ledger.UndoFunc{
		UndoKindNoop: func(ctx context.Context, rec ledger.Record) error {
			// Nothing to reverse; the record exists so recovery and
			// wiring can be exercised end to end.
			return nil
		},
	}
}

// noop is a unit that makes no system changes. It exists for dry runs,
// wiring tests, and as a minimal reference implementation of the contract:
// it still drives its "external call" through the breaker and retry policy
// and registers a rollback action, exactly as a real unit would.
//
// Parameters:
//
//	fail_stage: "validate", "configure", or "verify" forces a failure
//	            in that stage (testing and demo runs).
type noop struct {
	id        string
	failStage string
	tk        *Toolkit

	configured bool
}

func newNoop(id string, params map[string]any, tk *Toolkit) (Interface, error) {
	u := &noop{id: id, tk: tk}
	if v, ok := params["fail_stage"]; ok {
		stage, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unit %s: fail_stage must be a string", id)
		}
		switch stage {
		case "validate", "configure", "verify":
			u.failStage = stage
		default:
			return nil, fmt.Errorf("unit %s: unknown fail_stage %q", id, stage)
		}
	}
	return u, nil
}

func (u *noop) Validate() error {
	if u.failStage == "validate" {
		return errors.New("forced validate failure")
	}
	return nil
}

func (u *noop) Configure(ctx context.Context) error {
	op := func() error {
		return u.tk.Breaker.Call("noop."+u.id, func() error {
			if u.failStage == "configure" {
				return errors.New("forced configure failure")
			}
			u.configured = true
			return nil
		})
	}
	if err := u.tk.Retry.Do(ctx, op, noopRetryable); err != nil {
		return err
	}

	return u.tk.Ledger.Append(ledger.Action{
		Unit:        u.id,
		Kind:        UndoKindNoop,
		Description: fmt.Sprintf("revert no-op unit %s", u.id),
		Undo: func(ctx context.Context) error {
			u.configured = false
			return nil
		},
	})
}

func (u *noop) Verify() error {
	if u.failStage == "verify" {
		return errors.New("forced verify failure")
	}
	if !u.configured {
		return fmt.Errorf("unit %s: configure did not run", u.id)
	}
	return nil
}

// noopRetryable never retries: a forced failure stays failed.
func noopRetryable(error) bool { return false }
