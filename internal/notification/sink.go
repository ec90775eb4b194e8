// Package notification routes committed events and fired alerts to
// registered feeds and drives each feed's delivery state machine.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/cenkalti/backoff/v5"

	"github.com/shaharia-lab/pulse/internal/apperr"
)

// Sink is a delivery backend. A nil error means the batch was delivered;
// an error wrapped with Permanent is not retried; any other error is
// treated as transient.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Delivery) error

func (fn SinkFunc) Deliver(ctx context.Context, d Delivery) error { return fn(ctx, d) }

// Permanent marks err as a failure that retrying cannot fix.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// SinkTable maps delivery method names to sinks. Feeds resolve their
// method against it once, at registration.
type SinkTable struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewSinkTable returns a table holding the "log" sink.
func NewSinkTable(logger *slog.Logger) *SinkTable {
	t := &SinkTable{sinks: make(map[string]Sink)}
	t.Register(MethodLog, NewLogSink(logger))
	return t
}

// Register adds or replaces the sink for method.
func (t *SinkTable) Register(method string, s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks[method] = s
}

// Resolve returns the sink for method.
func (t *SinkTable) Resolve(method string) (Sink, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sinks[method]
	if !ok {
		return nil, &apperr.ValidationError{
			Field:   "method",
			Message: fmt.Sprintf("unknown delivery method %q (have %v)", method, slices.Sorted(maps.Keys(t.sinks))),
		}
	}
	return s, nil
}

// Methods lists the registered method names.
func (t *SinkTable) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.sinks))
}

const (
	MethodLog   = "log"
	MethodEmail = "email"
)

// LogSink writes every delivery to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, d Delivery) error {
	s.logger.InfoContext(ctx, "notification delivered",
		"feed_id", d.FeedID,
		"targets", d.Targets,
		"items", len(d.Items),
		"attempt", d.Attempt,
		"subject", d.Subject,
		"body", d.Body,
	)
	return nil
}
