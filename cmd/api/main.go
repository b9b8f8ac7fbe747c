package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/api"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/logging"
	"github.com/leozw/client-counter/internal/metrics"
	"github.com/leozw/client-counter/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("api", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("org", "", "default Meraki organization id")
	flags.String("db", "", "database URL or SQLite file")
	flags.String("port", "", "listen port")
	flags.String("timezone", "", "report timezone (IANA name)")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	loc, err := cfg.Report.Location()
	if err != nil {
		logger.Fatal("Invalid report timezone", zap.Error(err))
	}

	collectorMetrics := metrics.NewCollector(cfg.Metrics, logger)
	go collectorMetrics.StartRemoteWrite(ctx)

	calc := aggregate.NewCalculator(st, loc, collectorMetrics, logger)
	server := api.NewServer(cfg, st, calc, collectorMetrics, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
