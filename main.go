package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/altbridge/convoke/buildinfo"
	"github.com/altbridge/convoke/config"
	"github.com/altbridge/convoke/engine"
	"github.com/altbridge/convoke/logging"
	"github.com/altbridge/convoke/metrics"
	"github.com/altbridge/convoke/schedule"
	"github.com/altbridge/convoke/unit"
)

type Args struct {
	ConfigPath string
	DryRun     bool
	Once       bool
}

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func doMain() error {
	args := parseArgs()
	if args.ConfigPath == "" {
		return fmt.Errorf("-c or --config flag is required")
	}

	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	build := buildinfo.Get()
	logger.Info("convoke started",
		"config_path", args.ConfigPath,
		"version", build.Version,
		"git_commit", build.GitCommit,
		"units", len(cfg.Units),
	)

	registry := unit.NewRegistry()
	if err := unit.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register unit types: %w", err)
	}

	opts := []engine.Option{engine.WithLogger(logger.Logger)}
	if args.DryRun {
		opts = append(opts, engine.WithDryRun())
	}
	if cfg.Monitoring.RemoteWriteURL != "" && !args.DryRun {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("error getting hostname: %w", err)
		}
		pusher := metrics.NewClient(
			cfg.Monitoring.RemoteWriteURL,
			metrics.WithPrefix(cfg.Monitoring.MetricsPrefix),
			metrics.WithJob(cfg.Monitoring.JobName),
			metrics.WithInstance(hostname),
		)
		opts = append(opts, engine.WithRecorder(metrics.NewRecorder()), engine.WithPusher(pusher))
	}
	eng := engine.New(cfg, registry, opts...)

	if cfg.Scheduler.CronSpec != "" && !args.Once {
		return runScheduled(cfg, eng, logger)
	}

	report, err := eng.Converge(context.Background())
	if err != nil {
		return err
	}

	fmt.Print(report.String())
	if !report.OverallSuccess {
		// Non-mandatory failures are in the report but do not affect the
		// exit status.
		os.Exit(1)
	}
	return nil
}

// runScheduled starts the cron trigger and blocks until SIGINT or SIGTERM.
func runScheduled(cfg *config.Config, eng *engine.Engine, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trigger, err := schedule.NewTrigger(cfg.Scheduler.CronSpec, eng, logger.Logger)
	if err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	trigger.Start(ctx)
	logger.Info("scheduler running",
		"cron_spec", cfg.Scheduler.CronSpec,
		"next_run", trigger.NextRun(),
	)

	<-ctx.Done()
	logger.Info("convoke shutting down")
	return nil
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	dryRun := flag.Bool("dry-run", false, "Validate units without applying changes")
	once := flag.Bool("once", false, "Run a single converge even if a schedule is configured")
	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}
	return Args{ConfigPath: path, DryRun: *dryRun, Once: *once}
}
