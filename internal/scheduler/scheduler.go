// Package scheduler drives the engine from the wall clock. It is the only
// place where real time enters Pulse: a gocron job calls Tick at a fixed
// interval with the current time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/pulse/internal/engine"
)

// Ticker is the work done on every tick.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) engine.TickResult
}

// Config holds the scheduler configuration.
type Config struct {
	Ticker   Ticker
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Scheduler calls Ticker.Tick on a fixed interval using gocron.
type Scheduler struct {
	cron   gocron.Scheduler
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastTick time.Time
	ticks    int64
}

// New creates a new Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Ticker == nil {
		return nil, fmt.Errorf("scheduler: ticker is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cron, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron,
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	_, err = cron.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(s.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("engine-tick"),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("scheduling engine tick: %w", err)
	}
	return s, nil
}

// Start starts ticking.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("tick scheduler started", "interval", s.cfg.Interval)
}

// Stop shuts down the gocron scheduler and cancels a running tick.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.cron.Shutdown()
}

// LastTick returns the time of the last tick and how many ticks ran.
func (s *Scheduler) LastTick() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick, s.ticks
}

func (s *Scheduler) tick() {
	now := s.cfg.Clock.Now()
	res := s.cfg.Ticker.Tick(s.ctx, now)

	s.mu.Lock()
	s.lastTick = now
	s.ticks++
	s.mu.Unlock()

	if len(res.Fired) > 0 || len(res.Closed) > 0 {
		s.logger.Debug("tick",
			"now", now, "fired", len(res.Fired), "epochs_closed", len(res.Closed),
			"batches_flushed", res.Flushed)
	}
	for _, f := range res.Failures {
		s.logger.Warn("alert handoff failed", "alert_id", f.AlertID, "error", f.Err)
	}
}
