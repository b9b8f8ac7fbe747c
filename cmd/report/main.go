package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/logging"
	"github.com/leozw/client-counter/internal/meraki"
	"github.com/leozw/client-counter/internal/metrics"
	"github.com/leozw/client-counter/internal/output"
	"github.com/leozw/client-counter/internal/store"
)

type options struct {
	period          string
	format          string
	file            string
	asOf            string
	series          string
	metric          string
	showMACAnalysis bool
	details         bool
	dbStats         bool
	lookup          bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flags := pflag.NewFlagSet("report", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("org", "", "Meraki organization id")
	flags.String("db", "", "database URL or SQLite file")
	flags.String("timezone", "", "report timezone (IANA name)")
	flags.Int("days", 7, "number of complete days to average")
	flags.Int("weeks", 4, "number of complete weeks to average")
	flags.Int("months", 3, "number of complete months to average")
	flags.StringVar(&opts.period, "period", "all", "daily, weekly, monthly or all")
	flags.StringVarP(&opts.format, "output", "o", "console", "console, json or csv")
	flags.StringVarP(&opts.file, "file", "f", "", "write to file instead of stdout")
	flags.StringVar(&opts.asOf, "as-of", "", "report as of this instant (RFC3339 or YYYY-MM-DD)")
	flags.StringVar(&opts.series, "series", "", "print a chart series for this granularity instead of the report")
	flags.StringVar(&opts.metric, "metric", string(aggregate.MetricUniqueMACs), "series metric")
	flags.BoolVar(&opts.showMACAnalysis, "show-mac-analysis", false, "include MAC randomization analysis")
	flags.BoolVar(&opts.details, "details", false, "include per-period details")
	flags.BoolVar(&opts.dbStats, "db-stats", false, "print database statistics and exit")
	flags.BoolVar(&opts.lookup, "lookup", false, "look up organization name and tracking method from the Dashboard API")
	flags.Bool("verbose", false, "development logging")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.Log.Development && cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := report(ctx, cfg, opts, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func report(ctx context.Context, cfg *config.Config, opts options, logger *zap.Logger) error {
	format, err := output.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	metric, err := aggregate.ParseMetric(opts.metric)
	if err != nil {
		return err
	}
	loc, err := cfg.Report.Location()
	if err != nil {
		return err
	}
	asOf, err := parseAsOf(opts.asOf, loc)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if opts.file != "" {
		f, err := os.Create(opts.file)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.dbStats {
		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		runs, err := st.ListRuns(ctx, cfg.Meraki.OrganizationID, 10)
		if err != nil {
			return err
		}
		return output.WriteStats(w, stats, runs, format)
	}

	if cfg.Meraki.OrganizationID == "" {
		return fmt.Errorf("no organization configured: set meraki.organizationid, MERAKI_ORG_ID or --org")
	}

	collectorMetrics := metrics.NewCollector(cfg.Metrics, logger)
	defer func() {
		if err := collectorMetrics.Flush(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to push metrics", zap.Error(err))
		}
	}()
	calc := aggregate.NewCalculator(st, loc, collectorMetrics, logger)

	if opts.series != "" {
		g, err := aggregate.ParseGranularity(opts.series)
		if err != nil {
			return err
		}
		count := map[aggregate.Granularity]int{
			aggregate.Day:   cfg.Report.Days,
			aggregate.Week:  cfg.Report.Weeks,
			aggregate.Month: cfg.Report.Months,
		}[g]
		avg, err := calc.ComputeAverages(ctx, cfg.Meraki.OrganizationID, g, count, asOf)
		if err != nil {
			return err
		}
		return output.WriteSeries(w, g, metric, aggregate.Series(*avg, metric), format)
	}

	req := aggregate.ReportRequest{
		OrganizationID: cfg.Meraki.OrganizationID,
		AsOf:           asOf,
	}
	switch opts.period {
	case "daily":
		req.Days = cfg.Report.Days
	case "weekly":
		req.Weeks = cfg.Report.Weeks
	case "monthly":
		req.Months = cfg.Report.Months
	case "all":
		req.Days, req.Weeks, req.Months = cfg.Report.Days, cfg.Report.Weeks, cfg.Report.Months
	default:
		return fmt.Errorf("unknown period %q (use daily, weekly, monthly or all)", opts.period)
	}

	if opts.lookup {
		lookupOrganization(ctx, cfg, collectorMetrics, logger, &req)
	}

	result, err := calc.BuildReport(ctx, req)
	if err != nil {
		return core.NewRunError(err, req.OrganizationID, "", time.Time{}, time.Time{})
	}
	return output.WriteReport(w, result, format, output.Options{
		ShowDetails:     opts.details,
		ShowMACAnalysis: opts.showMACAnalysis || format != output.FormatConsole,
	})
}

// lookupOrganization fills the organization name and tracking method. The
// report does not depend on them, so failures are only logged.
func lookupOrganization(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger, req *aggregate.ReportRequest) {
	creds := meraki.ChainCredentials{meraki.StaticCredentials(cfg.Meraki.APIKey), meraki.EnvCredentials{}}
	client := meraki.NewClient(cfg.Meraki, creds, collector, logger)

	org, err := client.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		logger.Warn("Organization lookup failed", zap.Error(err))
	} else {
		req.OrganizationName = org.Name
	}

	method, err := client.ClientTrackingMethod(ctx, req.OrganizationID)
	if err != nil {
		logger.Warn("Tracking method lookup failed", zap.Error(err))
		return
	}
	req.TrackingMethod = method
}

func parseAsOf(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: use RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}
