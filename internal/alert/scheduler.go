// Package alert implements the host-ticked alert scheduler.
//
// The scheduler owns no timer. The host calls Tick with the current time and
// every pending alert whose trigger time has been reached fires, in trigger
// time order with schedule order breaking ties. Recurring alerts are moved to
// their next period from the trigger time, never from the tick time, and
// periods missed between two ticks are coalesced into a single fire.
package alert

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/ids"
)

// Status is the lifecycle state of an alert.
type Status int

const (
	StatusPending Status = iota
	StatusFired
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFired:
		return "fired"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status for JSON encoding.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Alert is a snapshot of a scheduled alert.
type Alert struct {
	ID            string        `json:"id"`
	TriggerTime   time.Time     `json:"trigger_time"`
	Interval      time.Duration `json:"interval,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Status        Status        `json:"status"`
	FireCount     int           `json:"fire_count"`
	LastFiredAt   time.Time     `json:"last_fired_at,omitzero"`
	Signal        string        `json:"signal,omitempty"`
}

// Recurring reports whether the alert has an interval.
func (a Alert) Recurring() bool { return a.Interval > 0 }

// Spec describes an alert to schedule. ID is optional.
type Spec struct {
	ID            string
	TriggerTime   time.Time
	Interval      time.Duration
	CorrelationID string
	Signal        string
}

// Fire is handed to the Handler for every alert that fires during a tick.
type Fire struct {
	AlertID       string
	CorrelationID string
	// ScheduledFor is the trigger time that was reached.
	ScheduledFor time.Time
	// FiredAt is the tick time.
	FiredAt time.Time
	// Coalesced counts the additional periods that elapsed before this tick
	// and were folded into this fire.
	Coalesced int
	// Next is the rescheduled trigger time of a recurring alert, zero otherwise.
	Next time.Time
}

// Handler receives fired alerts outside the scheduler's critical section.
type Handler interface {
	HandleFire(ctx context.Context, f Fire) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, f Fire) error

func (fn HandlerFunc) HandleFire(ctx context.Context, f Fire) error { return fn(ctx, f) }

// HandoffFailure records an alert whose handoff failed during a tick.
type HandoffFailure struct {
	AlertID string
	Err     error
}

// TickResult lists the alerts fired by one tick in firing order.
type TickResult struct {
	Fired    []string
	Fires    []Fire
	Failures []HandoffFailure
}

// Scheduler is the alert queue. Schedule, Cancel and Tick share one critical
// section; handoff to the Handler happens after it is released.
type Scheduler struct {
	mu      sync.Mutex
	queue   queue
	alerts  map[string]*entry
	order   uint64
	handler Handler
	logger  *slog.Logger
}

// NewScheduler creates an empty scheduler. handler may be nil.
func NewScheduler(handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		alerts:  make(map[string]*entry),
		handler: handler,
		logger:  logger,
	}
}

// Schedule inserts a pending alert and returns its id.
func (s *Scheduler) Schedule(spec Spec) (string, error) {
	if spec.TriggerTime.IsZero() {
		return "", &apperr.ValidationError{Field: "trigger_time", Message: "trigger time is required"}
	}
	if spec.Interval < 0 {
		return "", &apperr.ValidationError{Field: "interval", Message: "interval must not be negative"}
	}
	id := spec.ID
	if id == "" {
		id = ids.New(ids.AlertPrefix)
	} else if !ids.Valid(id) {
		return "", &apperr.ValidationError{Field: "id", Message: fmt.Sprintf("invalid alert id %q", id)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[id]; exists {
		return "", &apperr.ConflictError{Resource: "alert", ID: id}
	}
	s.order++
	e := &entry{
		alert: Alert{
			ID:            id,
			TriggerTime:   spec.TriggerTime,
			Interval:      spec.Interval,
			CorrelationID: spec.CorrelationID,
			Status:        StatusPending,
			Signal:        spec.Signal,
		},
		order: s.order,
	}
	s.alerts[id] = e
	heap.Push(&s.queue, e)

	s.logger.Debug("alert scheduled", "alert_id", id, "trigger_time", spec.TriggerTime, "interval", spec.Interval)
	return id, nil
}

// ScheduleSignal schedules a recurring alert whose first trigger is the next
// occurrence of sig at or after now.
func (s *Scheduler) ScheduleSignal(id string, sig Signal, now time.Time, correlationID string) (string, error) {
	return s.Schedule(Spec{
		ID:            id,
		TriggerTime:   sig.Next(now),
		Interval:      sig.Interval,
		CorrelationID: correlationID,
		Signal:        sig.String(),
	})
}

// Cancel marks a pending alert cancelled. Unknown, fired and already
// cancelled alerts are left as they are. A fire already taken by a running
// tick is not retracted, but no later fire happens.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.alerts[id]
	if !ok || e.alert.Status == StatusCancelled {
		return
	}
	if e.alert.Status == StatusFired && !e.alert.Recurring() {
		return
	}
	e.alert.Status = StatusCancelled
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	s.logger.Debug("alert cancelled", "alert_id", id)
}

// Tick fires every pending alert with trigger time <= now. Each alert fires
// at most once per tick. Handoff failures are collected per alert and do not
// stop the remaining fires.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickResult {
	fires := s.collectDue(now)

	res := TickResult{Fires: fires}
	for _, f := range fires {
		res.Fired = append(res.Fired, f.AlertID)
		if s.handler == nil {
			continue
		}
		if err := s.handler.HandleFire(ctx, f); err != nil {
			s.logger.Warn("alert handoff failed", "alert_id", f.AlertID, "error", err)
			res.Failures = append(res.Failures, HandoffFailure{AlertID: f.AlertID, Err: err})
		}
	}
	return res
}

func (s *Scheduler) collectDue(now time.Time) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for {
		e := s.queue.peek()
		if e == nil || e.alert.TriggerTime.After(now) {
			break
		}
		heap.Pop(&s.queue)
		due = append(due, e)
	}

	fires := make([]Fire, 0, len(due))
	for _, e := range due {
		a := &e.alert
		f := Fire{
			AlertID:       a.ID,
			CorrelationID: a.CorrelationID,
			ScheduledFor:  a.TriggerTime,
			FiredAt:       now,
		}
		a.FireCount++
		a.LastFiredAt = now

		if a.Recurring() {
			next, skipped := nextAfter(a.TriggerTime, a.Interval, now)
			f.Coalesced = skipped
			f.Next = next
			a.TriggerTime = next
			a.Status = StatusPending
			s.order++
			e.order = s.order
			heap.Push(&s.queue, e)
			if skipped > 0 {
				s.logger.Info("coalesced missed alert periods", "alert_id", a.ID, "missed", skipped, "next", next)
			}
		} else {
			a.Status = StatusFired
		}
		fires = append(fires, f)
	}
	return fires
}

// nextAfter returns the smallest trigger+k*interval (k >= 1) strictly after
// now, and how many periods besides the first were skipped to get there.
func nextAfter(trigger time.Time, interval time.Duration, now time.Time) (time.Time, int) {
	next := trigger.Add(interval)
	if next.After(now) {
		return next, 0
	}
	k := int64(now.Sub(trigger)/interval) + 1
	next = trigger.Add(time.Duration(k) * interval)
	for !next.After(now) {
		k++
		next = next.Add(interval)
	}
	return next, int(k - 1)
}

// Get returns a snapshot of the alert with id.
func (s *Scheduler) Get(id string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.alerts[id]
	if !ok {
		return Alert{}, &apperr.NotFoundError{Resource: "alert", ID: id}
	}
	return e.alert, nil
}

// Pending returns the queued alerts in firing order.
func (s *Scheduler) Pending() []Alert {
	s.mu.Lock()
	snapshot := make(queue, len(s.queue))
	for i, e := range s.queue {
		c := *e
		snapshot[i] = &c
	}
	s.mu.Unlock()

	out := make([]Alert, 0, len(snapshot))
	for snapshot.Len() > 0 {
		out = append(out, heap.Pop(&snapshot).(*entry).alert)
	}
	return out
}

// NextTrigger returns the earliest pending trigger time.
func (s *Scheduler) NextTrigger() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.queue.peek(); e != nil {
		return e.alert.TriggerTime, true
	}
	return time.Time{}, false
}
