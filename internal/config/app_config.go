package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/shaharia-lab/pulse/internal/epoch"
	"github.com/shaharia-lab/pulse/internal/notification"
)

// AppConfig holds all application-level configuration loaded from environment variables.
type AppConfig struct {
	// Port is the HTTP server port. Defaults to 8990.
	Port int `envconfig:"PORT" default:"8990"`

	// DataDir is the root data directory. Defaults to ~/.pulse.
	DataDir string `envconfig:"PULSE_DATA_DIR"`

	// LogLevel sets the minimum log level (debug, info, warn, error). Defaults to info.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Shards is the number of event store shards.
	Shards int `envconfig:"PULSE_SHARDS" default:"4"`

	// SyncOnAppend runs the log durability barrier after every append.
	SyncOnAppend bool `envconfig:"PULSE_SYNC_ON_APPEND" default:"false"`

	// EpochWidth is the aggregation bucket width. EpochSpan, when set,
	// overrides it with a calendar span such as "1d" or "2w".
	EpochWidth  time.Duration `envconfig:"PULSE_EPOCH_WIDTH" default:"1h"`
	EpochSpan   string        `envconfig:"PULSE_EPOCH_SPAN"`
	EpochGrace  time.Duration `envconfig:"PULSE_EPOCH_GRACE" default:"1m"`
	EpochFields []string      `envconfig:"PULSE_EPOCH_FIELDS"`

	// TickInterval is how often the host clock ticks the engine.
	TickInterval time.Duration `envconfig:"PULSE_TICK_INTERVAL" default:"1s"`

	RetryMaxAttempts int           `envconfig:"PULSE_RETRY_MAX_ATTEMPTS" default:"5"`
	RetryInitial     time.Duration `envconfig:"PULSE_RETRY_INITIAL" default:"1s"`
	RetryMultiplier  float64       `envconfig:"PULSE_RETRY_MULTIPLIER" default:"2"`
	RetryMax         time.Duration `envconfig:"PULSE_RETRY_MAX" default:"1h"`

	FeedCapacity     int           `envconfig:"PULSE_FEED_CAPACITY" default:"1000"`
	FeedBackpressure string        `envconfig:"PULSE_FEED_BACKPRESSURE" default:"drop_oldest"`
	DedupeWindow     time.Duration `envconfig:"PULSE_DEDUPE_WINDOW" default:"10m"`

	// DeliveryWorkers > 0 moves deliveries onto an ordered worker pool.
	DeliveryWorkers int `envconfig:"PULSE_DELIVERY_WORKERS" default:"0"`

	// FeedsFile is the YAML feed registry. Defaults to <DataDir>/feeds.yaml.
	FeedsFile string `envconfig:"PULSE_FEEDS_FILE"`

	// OTLPEndpoint enables OTLP metric export when set.
	OTLPEndpoint string `envconfig:"PULSE_OTLP_ENDPOINT"`

	SMTP notification.SMTPConfig `envconfig:"SMTP"`
}

// Load reads AppConfig from environment variables using envconfig.
// DataDir defaults to ~/.pulse if not set.
func Load() (*AppConfig, error) {
	var c AppConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".pulse")
	}
	if c.FeedsFile == "" {
		c.FeedsFile = filepath.Join(c.DataDir, "feeds.yaml")
	}
	return &c, nil
}

// SlogLevel converts the LogLevel string to a slog.Level.
// Unknown values default to slog.LevelInfo.
func (c *AppConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogDir returns the path to the log directory (~/.pulse/logs).
func (c *AppConfig) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// DatabaseFile returns the path to the SQLite database.
func (c *AppConfig) DatabaseFile() string {
	return filepath.Join(c.DataDir, "pulse.db")
}

// EpochConfig resolves the aggregation settings.
func (c *AppConfig) EpochConfig() (epoch.Config, error) {
	width := c.EpochWidth
	if c.EpochSpan != "" {
		span, err := epoch.ParseSpan(c.EpochSpan)
		if err != nil {
			return epoch.Config{}, fmt.Errorf("PULSE_EPOCH_SPAN: %w", err)
		}
		width = span.Duration()
	}
	return epoch.Config{Width: width, Grace: c.EpochGrace, Fields: c.EpochFields}, nil
}

// RetryPolicy returns the delivery retry settings.
func (c *AppConfig) RetryPolicy() notification.RetryPolicy {
	return notification.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		Initial:     c.RetryInitial,
		Multiplier:  c.RetryMultiplier,
		Max:         c.RetryMax,
	}
}
