package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/collector"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/logging"
	"github.com/leozw/client-counter/internal/meraki"
	"github.com/leozw/client-counter/internal/metrics"
	"github.com/leozw/client-counter/internal/planner"
	"github.com/leozw/client-counter/internal/store"
)

func main() {
	os.Exit(run())
}

// run performs one collection pass and returns the process exit code:
// 0 success, 2 partial, 1 failure.
func run() int {
	flags := pflag.NewFlagSet("collector", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("org", "", "Meraki organization id")
	flags.String("db", "", "database URL or SQLite file")
	flags.String("driver", "", "database driver (sqlite or postgres)")
	flags.Bool("verbose", false, "development logging")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return collector.ExitFailure
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return collector.ExitFailure
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Meraki.OrganizationID == "" {
		fmt.Fprintln(os.Stderr, "No organization configured: set meraki.organizationid, MERAKI_ORG_ID or --org")
		return collector.ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Collector.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Collector.RunTimeout)
		defer cancel()
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return collector.ExitFailure
	}
	defer st.Close()

	collectorMetrics := metrics.NewCollector(cfg.Metrics, logger)
	creds := meraki.ChainCredentials{meraki.StaticCredentials(cfg.Meraki.APIKey), meraki.EnvCredentials{}}
	client := meraki.NewClient(cfg.Meraki, creds, collectorMetrics, logger)
	p := planner.New(st, cfg.Collector.OverlapBuffer, cfg.Collector.BootstrapWindow, logger)

	result := collector.New(client, st, p, collectorMetrics, logger).RunOnce(ctx, cfg.Meraki.OrganizationID)
	fmt.Println(result.Summary())

	if err := collectorMetrics.Flush(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Failed to push metrics", zap.Error(err))
	}
	return result.ExitCode()
}

// openStore classifies a failure to reach the database like any other
// collection failure, so it prints as StorageUnavailable for the organization.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, core.NewRunError(err, cfg.Meraki.OrganizationID, "", time.Time{}, time.Time{})
	}
	return st, nil
}
