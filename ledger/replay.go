package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// UndoFunc reverses a recovered record from its serialized payload.
type UndoFunc func(ctx context.Context, rec Record) error

// Replay undoes recovered records in strict reverse of their append order,
// dispatching each record to the handler registered for its kind. It is used
// by the recovery tool after a crash, when the in-memory closures are gone
// and only the durable payloads remain.
//
// A record whose kind has no handler, or whose handler fails, is collected as
// an error; replay continues with the remaining records. Replay handlers must
// be idempotent since a crashed replay may be run again.
func Replay(ctx context.Context, records []Record, handlers map[string]UndoFunc, logger *slog.Logger) []error {
	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		logger.Info("replaying undo",
			"unit", rec.Unit, "kind", rec.Kind, "description", rec.Description)

		handler, ok := handlers[rec.Kind]
		if !ok {
			err := fmt.Errorf("no undo handler registered for kind %q (unit %s)", rec.Kind, rec.Unit)
			logger.Error("replay skipped record", "error", err)
			errs = append(errs, err)
			continue
		}

		if err := handler(ctx, rec); err != nil {
			rbErr := &RollbackError{
				Unit:        rec.Unit,
				Description: rec.Description,
				Err:         err,
			}
			logger.Error("replay undo failed",
				"unit", rec.Unit, "description", rec.Description, "error", err)
			errs = append(errs, rbErr)
		}
	}
	return errs
}
