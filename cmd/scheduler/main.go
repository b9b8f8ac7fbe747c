package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/collector"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/logging"
	"github.com/leozw/client-counter/internal/meraki"
	"github.com/leozw/client-counter/internal/metrics"
	"github.com/leozw/client-counter/internal/planner"
	"github.com/leozw/client-counter/internal/scheduler"
	"github.com/leozw/client-counter/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("scheduler", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("org", "", "Meraki organization id, comma separated for several")
	flags.String("db", "", "database URL or SQLite file")
	flags.String("schedule", "", "cron schedule of collection passes")
	runOnStart := flags.Bool("run-on-start", true, "collect once immediately")
	flags.Bool("verbose", false, "development logging")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	var orgIDs []string
	for _, id := range strings.Split(cfg.Meraki.OrganizationID, ",") {
		if id = strings.TrimSpace(id); id != "" {
			orgIDs = append(orgIDs, id)
		}
	}
	if len(orgIDs) == 0 {
		logger.Fatal("No organization configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	collectorMetrics := metrics.NewCollector(cfg.Metrics, logger)
	go collectorMetrics.StartRemoteWrite(ctx)

	creds := meraki.ChainCredentials{meraki.StaticCredentials(cfg.Meraki.APIKey), meraki.EnvCredentials{}}
	client := meraki.NewClient(cfg.Meraki, creds, collectorMetrics, logger)
	p := planner.New(st, cfg.Collector.OverlapBuffer, cfg.Collector.BootstrapWindow, logger)
	runner := collector.New(client, st, p, collectorMetrics, logger)

	s := scheduler.NewScheduler(runner, orgIDs, cfg.Collector, *runOnStart, logger)
	if err := s.Start(ctx); err != nil {
		logger.Fatal("Scheduler failed", zap.Error(err))
	}
	logger.Info("Scheduler stopped")
}
