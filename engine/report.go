package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/altbridge/convoke/executor"
)

// Report is the outcome of one converge run. It enumerates every unit's
// result in declaration order and is immutable once returned.
type Report struct {
	// StartedAt and EndedAt bound the run, including any rollback.
	StartedAt time.Time
	EndedAt   time.Time
	// Results holds one entry per declared unit, in declaration order.
	Results []executor.UnitResult
	// OverallSuccess is false when any mandatory unit failed.
	OverallSuccess bool
	// RolledBack indicates a mandatory failure triggered rollback.
	RolledBack bool
	// RollbackErrors collects undo failures from the rollback pass.
	RollbackErrors []error
}

// Duration returns the total run duration.
func (r *Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// String renders a human-readable run summary.
func (r *Report) String() string {
	var b strings.Builder

	outcome := "SUCCEEDED"
	if !r.OverallSuccess {
		outcome = "FAILED"
	}
	fmt.Fprintf(&b, "converge run %s in %s (%d units)\n",
		outcome, r.Duration().Round(time.Millisecond), len(r.Results))

	for _, res := range r.Results {
		fmt.Fprintf(&b, "  [%s] %s", res.Status, res.ID)
		if res.Status != executor.StatusSkipped {
			fmt.Fprintf(&b, " (%s)", res.Duration.Round(time.Millisecond))
		}
		if res.Err != nil {
			fmt.Fprintf(&b, ": %v", res.Err)
		}
		b.WriteByte('\n')
	}

	if r.RolledBack {
		fmt.Fprintf(&b, "rollback executed with %d undo failure(s)\n", len(r.RollbackErrors))
		for _, err := range r.RollbackErrors {
			fmt.Fprintf(&b, "  rollback: %v\n", err)
		}
	}

	return b.String()
}
