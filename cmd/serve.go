package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/pulse/internal/alert"
	"github.com/shaharia-lab/pulse/internal/api"
	"github.com/shaharia-lab/pulse/internal/build"
	"github.com/shaharia-lab/pulse/internal/config"
	"github.com/shaharia-lab/pulse/internal/engine"
	"github.com/shaharia-lab/pulse/internal/eventbus"
	"github.com/shaharia-lab/pulse/internal/logger"
	"github.com/shaharia-lab/pulse/internal/notification"
	"github.com/shaharia-lab/pulse/internal/observability"
	"github.com/shaharia-lab/pulse/internal/scheduler"
	"github.com/shaharia-lab/pulse/internal/server"
	"github.com/shaharia-lab/pulse/internal/storage"
)

const (
	methodLog   = "log"
	methodEmail = "email"
)

// NewServeCmd returns the "serve" subcommand that starts the engine and its HTTP API.
func NewServeCmd(cfg *config.AppConfig) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event engine and HTTP API",
		Long: `Open the event log, rebuild indexes and aggregates, register the feeds
from the feeds file and serve the REST API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// CLI flags override env config.
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			printBanner(build.Version, fmt.Sprintf("http://localhost:%d", cfg.Port), cfg.LogDir())

			if err := runServe(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "An error occurred. Please check the logs at: %s\n", cfg.LogDir())
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", cfg.Port, "HTTP server port (overrides PORT env var)")
	return cmd
}

func runServe(cfg *config.AppConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.LogDir(), 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", cfg.LogDir(), err)
	}

	sysLogger, sysCloser, err := logger.NewSystemLogger(cfg.LogDir(), cfg.SlogLevel())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer closeQuietly(sysCloser)

	deliveryLogger, deliveryCloser, err := logger.NewDeliveryLogger(cfg.LogDir(), cfg.SlogLevel())
	if err != nil {
		return fmt.Errorf("initializing delivery logger: %w", err)
	}
	defer closeQuietly(deliveryCloser)

	sysLogger.Info("pulse starting",
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("version", build.Version),
		slog.String("commit", build.CommitSHA),
		slog.String("build_date", build.BuildDate),
	)

	epochCfg, err := cfg.EpochConfig()
	if err != nil {
		return err
	}
	registry, err := config.LoadRegistry(cfg.FeedsFile)
	if err != nil {
		return err
	}

	db, fresh, err := storage.NewSQLiteDB(cfg.DatabaseFile())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer closeQuietly(db)
	if fresh {
		sysLogger.Info("created new database", "path", cfg.DatabaseFile())
	}

	metricsProvider, err := observability.NewProvider(ctx, observability.Config{
		ServiceName:    "pulse",
		ServiceVersion: build.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   true,
	}, sysLogger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
			sysLogger.Warn("metrics shutdown failed", "error", err)
		}
	}()
	recorder := observability.NewRecorder(metricsProvider.MeterProvider(), sysLogger)

	sinks := notification.NewSinkTable(sysLogger)
	sinks.Register(methodLog, notification.NewLogSink(deliveryLogger))
	if cfg.SMTP.Enabled() {
		sinks.Register(methodEmail, notification.NewSMTPSink(cfg.SMTP))
	}

	var bus eventbus.EventBus
	if cfg.DeliveryWorkers > 0 {
		bus = eventbus.New(cfg.DeliveryWorkers, cfg.FeedCapacity, sysLogger.With("component", "eventbus"))
	}

	eng, err := engine.New(ctx, engine.Options{
		Log:          storage.NewSQLiteEventLog(db),
		Shards:       cfg.Shards,
		SyncOnAppend: cfg.SyncOnAppend,
		Epoch:        epochCfg,
		Notification: notification.Options{
			Sinks:               sinks,
			Retry:               cfg.RetryPolicy(),
			DedupeWindow:        cfg.DedupeWindow,
			DefaultCapacity:     cfg.FeedCapacity,
			DefaultBackpressure: notification.Backpressure(cfg.FeedBackpressure),
			Bus:                 bus,
			Log:                 storage.NewSQLiteDeliveryStore(db),
			Logger:              deliveryLogger,
		},
		OnFire: alert.HandlerFunc(func(_ context.Context, f alert.Fire) error {
			sysLogger.Debug("alert fired", "alert_id", f.AlertID, "scheduled_for", f.ScheduledFor, "coalesced", f.Coalesced)
			return nil
		}),
		Metrics: recorder,
		Logger:  sysLogger,
	})
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	if err := applyRegistry(eng, registry, sysLogger); err != nil {
		return err
	}

	ticker, err := scheduler.New(scheduler.Config{
		Ticker:   eng,
		Interval: cfg.TickInterval,
		Logger:   sysLogger.With("component", "ticker"),
	})
	if err != nil {
		return fmt.Errorf("creating tick scheduler: %w", err)
	}
	ticker.Start()
	defer func() {
		if err := ticker.Stop(); err != nil {
			sysLogger.Warn("tick scheduler shutdown failed", "error", err)
		}
	}()

	apiSrv := api.New(eng, storage.NewSQLiteDeliveryStore(db), sysLogger)
	srv := server.New(apiSrv, server.Options{
		Port:          cfg.Port,
		Health:        eng.Stats,
		Metrics:       metricsProvider.Handler(),
		MeterProvider: metricsProvider.MeterProvider(),
	}, sysLogger)

	sysLogger.Info("server ready", "port", cfg.Port, "feeds", len(registry.Feeds), "alerts", len(registry.Alerts))
	return srv.Run(ctx)
}

// applyRegistry registers the configured feeds and recurring signal alerts.
func applyRegistry(eng *engine.Engine, reg *config.Registry, sysLogger *slog.Logger) error {
	for _, f := range reg.Feeds {
		if _, err := eng.RegisterFeed(f); err != nil {
			return fmt.Errorf("registering feed %q: %w", f.ID, err)
		}
	}
	for _, a := range reg.Alerts {
		id, err := eng.ScheduleSignal(a.ID, a.Signal, "")
		if err != nil {
			return fmt.Errorf("scheduling alert %q: %w", a.ID, err)
		}
		sysLogger.Info("signal alert scheduled", "alert_id", id, "signal", a.Signal)
	}
	return nil
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
}
