// Command recover inspects a crashed run's rollback ledger and optionally
// replays its undo records.
//
// Without flags it lists the durable records in append order. With --undo it
// replays them in reverse through the registered payload-based undo handlers,
// best-effort, and clears the ledger only if every undo succeeded.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/altbridge/convoke/ledger"
	"github.com/altbridge/convoke/logging"
	"github.com/altbridge/convoke/unit"
)

type Args struct {
	LedgerPath string
	Undo       bool
}

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func doMain() error {
	args := parseArgs()
	if args.LedgerPath == "" {
		return fmt.Errorf("-l or --ledger flag is required")
	}

	logger, err := logging.New(logging.Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := ledger.OpenDiskStore(args.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records := store.Records()
	if len(records) == 0 {
		fmt.Println("ledger is empty, nothing to recover")
		return nil
	}

	fmt.Printf("%d recorded action(s) in %s:\n", len(records), args.LedgerPath)
	for i, rec := range records {
		fmt.Printf("  %3d  %s  unit=%s kind=%s  %s\n",
			i+1, rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Unit, rec.Kind, rec.Description)
	}

	if !args.Undo {
		fmt.Println("\nrun with --undo to replay these actions in reverse order")
		return nil
	}

	errs := ledger.Replay(context.Background(), records, unit.BuiltinUndoHandlers(), logger.Logger)
	if len(errs) > 0 {
		// The ledger is kept so a fixed-up replay can be attempted again.
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "undo failed: %v\n", err)
		}
		return fmt.Errorf("%d of %d undo(s) failed, ledger retained", len(errs), len(records))
	}

	if err := store.Clear(); err != nil {
		return fmt.Errorf("all undos succeeded but clearing the ledger failed: %w", err)
	}
	fmt.Printf("replayed %d action(s), ledger cleared\n", len(records))
	return nil
}

func parseArgs() Args {
	ledgerPath := flag.String("ledger", "", "Path to the rollback ledger file")
	ledgerPathShort := flag.String("l", "", "Path to the rollback ledger file (shorthand)")
	undo := flag.Bool("undo", false, "Replay the recorded undo actions in reverse order")
	flag.Parse()

	path := *ledgerPath
	if path == "" && *ledgerPathShort != "" {
		path = *ledgerPathShort
	}
	return Args{LedgerPath: path, Undo: *undo}
}
