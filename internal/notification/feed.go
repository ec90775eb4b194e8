package notification

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/ids"
)

// Frequency controls when matched items are delivered.
type Frequency string

const (
	// Immediate delivers every item on its own as soon as it is enqueued.
	Immediate Frequency = "immediate"
	// Batched buffers items until the current epoch closes, then delivers
	// them as one batch.
	Batched Frequency = "batched"
)

// Backpressure selects what happens when a feed buffer is full.
type Backpressure string

const (
	// DropOldest discards the oldest buffered item and counts it.
	DropOldest Backpressure = "drop_oldest"
	// Block makes ingestion wait for room, failing once its context ends.
	Block Backpressure = "block"
)

// State is a feed's delivery state.
type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateBackingOff State = "backing_off"
	StateDegraded   State = "degraded"
)

// FeedConfig registers a feed.
type FeedConfig struct {
	ID           string       `json:"id,omitempty" yaml:"id"`
	Filter       Filter       `json:"filter" yaml:"filter"`
	Method       string       `json:"method" yaml:"method"`
	Format       Format       `json:"format,omitempty" yaml:"format"`
	Frequency    Frequency    `json:"frequency,omitempty" yaml:"frequency"`
	Targets      []string     `json:"targets,omitempty" yaml:"targets"`
	Capacity     int          `json:"capacity,omitempty" yaml:"capacity"`
	Backpressure Backpressure `json:"backpressure,omitempty" yaml:"backpressure"`
}

// FeedStatus is a point-in-time view of a feed.
type FeedStatus struct {
	ID           string       `json:"id"`
	Method       string       `json:"method"`
	Format       Format       `json:"format"`
	Frequency    Frequency    `json:"frequency"`
	Backpressure Backpressure `json:"backpressure"`
	Capacity     int          `json:"capacity"`
	Targets      []string     `json:"targets,omitempty"`
	State        State        `json:"state"`
	Attempts     int          `json:"attempts"`
	NextAttempt  time.Time    `json:"next_attempt,omitzero"`
	Buffered     int          `json:"buffered"`
	Pending      int          `json:"pending"`
	Dropped      int64        `json:"dropped"`
	Delivered    int64        `json:"delivered"`
	LastError    string       `json:"last_error,omitempty"`
}

// RetryPolicy configures transient failure handling.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
}

// DefaultRetryPolicy returns the retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Initial: time.Second, Multiplier: 2, Max: time.Hour}
}

func (p RetryPolicy) validate() error {
	switch {
	case p.MaxAttempts < 1:
		return &apperr.ValidationError{Field: "retry.max_attempts", Message: "must be at least 1"}
	case p.Initial <= 0:
		return &apperr.ValidationError{Field: "retry.initial", Message: "must be positive"}
	case p.Multiplier <= 1:
		return &apperr.ValidationError{Field: "retry.multiplier", Message: "must be greater than 1"}
	}
	return nil
}

type feed struct {
	cfg    FeedConfig
	filter *compiledFilter
	sink   Sink

	queue    [][]Item // ready batches, oldest first
	open     []Item   // batched feeds: items waiting for the epoch to close
	inflight []Item

	state       State
	attempts    int
	nextAttempt time.Time
	backoff     *backoff.ExponentialBackOff
	lastDelay   time.Duration
	lastErr     string

	dropped   int64
	delivered int64
	reserved  int
	space     chan struct{}
}

func newFeed(cfg FeedConfig, filter *compiledFilter, sink Sink, retry RetryPolicy) *feed {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     retry.Initial,
		RandomizationFactor: 0,
		Multiplier:          retry.Multiplier,
		MaxInterval:         retry.Max,
	}
	b.Reset()
	return &feed{
		cfg:     cfg,
		filter:  filter,
		sink:    sink,
		state:   StateIdle,
		backoff: b,
		space:   make(chan struct{}),
	}
}

// normalize applies defaults and validates everything except the method.
func (c *FeedConfig) normalize(defCapacity int, defPolicy Backpressure) error {
	if c.ID == "" {
		c.ID = ids.New(ids.FeedPrefix)
	} else if !ids.Valid(c.ID) {
		return &apperr.ValidationError{Field: "id", Message: fmt.Sprintf("invalid feed id %q", c.ID)}
	}
	if c.Method == "" {
		return &apperr.ValidationError{Field: "method", Message: "delivery method is required"}
	}
	f, err := ParseFormat(string(c.Format))
	if err != nil {
		return err
	}
	c.Format = f

	switch c.Frequency {
	case "":
		c.Frequency = Immediate
	case Immediate, Batched:
	default:
		return &apperr.ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", c.Frequency)}
	}

	switch c.Backpressure {
	case "":
		c.Backpressure = defPolicy
	case DropOldest, Block:
	default:
		return &apperr.ValidationError{Field: "backpressure", Message: fmt.Sprintf("unknown policy %q", c.Backpressure)}
	}

	if c.Capacity < 0 {
		return &apperr.ValidationError{Field: "capacity", Message: "must not be negative"}
	}
	if c.Capacity == 0 {
		c.Capacity = defCapacity
	}
	c.Targets = cleanTargets(c.Targets)
	return nil
}

// cleanTargets trims recipients and drops blanks and repeats, keeping order.
func cleanTargets(targets []string) []string {
	var out []string
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func (f *feed) buffered() int {
	n := len(f.open) + len(f.inflight)
	for _, b := range f.queue {
		n += len(b)
	}
	return n
}

// push adds it to the feed buffer and enforces capacity by dropping the
// oldest item not currently being sent. It returns how many were dropped.
func (f *feed) push(it Item) int {
	if f.cfg.Frequency == Batched {
		f.open = append(f.open, it)
	} else {
		f.queue = append(f.queue, []Item{it})
	}

	dropped := 0
	for f.buffered() > f.cfg.Capacity && f.dropOldest() {
		dropped++
	}
	f.dropped += int64(dropped)
	return dropped
}

func (f *feed) dropOldest() bool {
	if len(f.queue) > 0 {
		f.queue[0] = f.queue[0][1:]
		if len(f.queue[0]) == 0 {
			f.queue = f.queue[1:]
		}
		return true
	}
	if len(f.open) > 0 {
		f.open = f.open[1:]
		return true
	}
	return false
}

// nextDelay returns a backoff delay strictly greater than the previous one.
func (f *feed) nextDelay() time.Duration {
	d := f.backoff.NextBackOff()
	if d <= f.lastDelay {
		d = f.lastDelay + f.backoff.InitialInterval
	}
	f.lastDelay = d
	return d
}

func (f *feed) resetRetry() {
	f.attempts = 0
	f.nextAttempt = time.Time{}
	f.lastDelay = 0
	f.backoff.Reset()
}

// notifySpace wakes ingestion waiting on a full Block feed.
func (f *feed) notifySpace() {
	close(f.space)
	f.space = make(chan struct{})
}

func (f *feed) status() FeedStatus {
	return FeedStatus{
		ID:           f.cfg.ID,
		Method:       f.cfg.Method,
		Format:       f.cfg.Format,
		Frequency:    f.cfg.Frequency,
		Backpressure: f.cfg.Backpressure,
		Capacity:     f.cfg.Capacity,
		Targets:      slices.Clone(f.cfg.Targets),
		State:        f.state,
		Attempts:     f.attempts,
		NextAttempt:  f.nextAttempt,
		Buffered:     f.buffered(),
		Pending:      len(f.open),
		Dropped:      f.dropped,
		Delivered:    f.delivered,
		LastError:    f.lastErr,
	}
}
