// Package engine owns the event store, alert scheduler, epoch aggregator and
// notification dispatcher of one Pulse instance and wires them together.
//
// Nothing in the engine runs on its own timer. The host calls Tick with the
// current time to fire alerts, close epochs and retry failed deliveries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/pulse/internal/alert"
	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/epoch"
	"github.com/shaharia-lab/pulse/internal/eventstore"
	"github.com/shaharia-lab/pulse/internal/ids"
	"github.com/shaharia-lab/pulse/internal/notification"
	"github.com/shaharia-lab/pulse/internal/observability"
	"github.com/shaharia-lab/pulse/internal/tagindex"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// Options configures an Engine.
type Options struct {
	// Log is the durable record log. Defaults to an in-memory log.
	Log          eventstore.Log
	Shards       int
	SyncOnAppend bool
	Epoch        epoch.Config
	Notification notification.Options
	// OnFire, when set, is called for every alert fire after it has been
	// routed to feeds. An error is reported as a handoff failure.
	OnFire  alert.Handler
	Metrics observability.Recorder
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// TickResult reports what one Tick did.
type TickResult struct {
	Fired    []string
	Fires    []alert.Fire
	Failures []alert.HandoffFailure
	// Closed lists the epochs closed by this tick.
	Closed []epoch.Bucket
	// Flushed counts batched feeds that got a batch ready.
	Flushed int
}

// Stats is a snapshot of the engine's size and health.
type Stats struct {
	Events        int    `json:"events"`
	LastSequence  uint64 `json:"last_sequence"`
	Shards        int    `json:"shards"`
	HaltedShards  []int  `json:"halted_shards,omitempty"`
	PendingAlerts int    `json:"pending_alerts"`
	Feeds         int    `json:"feeds"`
	DegradedFeeds int    `json:"degraded_feeds"`
}

// Engine is safe for concurrent use.
type Engine struct {
	store      *eventstore.Store
	aggregator *epoch.Aggregator
	dispatcher *notification.Dispatcher
	scheduler  *alert.Scheduler

	onFire  alert.Handler
	metrics observability.Recorder
	clock   clockwork.Clock
	logger  *slog.Logger

	// advanceMu keeps epoch advancement from interleaving with appends:
	// appends hold it shared, Tick holds it exclusively while advancing.
	advanceMu sync.RWMutex

	linksMu sync.Mutex
	links   map[string][]string // event id -> alert ids correlated with it

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds an engine, replaying opts.Log into the store and the
// aggregator.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Noop{}
	}
	if opts.Log == nil {
		opts.Log = eventstore.NewMemoryLog()
	}

	agg, err := epoch.NewAggregator(opts.Epoch, opts.Logger.With("component", "epoch"))
	if err != nil {
		return nil, fmt.Errorf("creating epoch aggregator: %w", err)
	}

	nopts := opts.Notification
	if nopts.Clock == nil {
		nopts.Clock = opts.Clock
	}
	if nopts.Logger == nil {
		nopts.Logger = opts.Logger.With("component", "dispatcher")
	}
	if nopts.Metrics == nil {
		nopts.Metrics = opts.Metrics
	}
	disp, err := notification.NewDispatcher(nopts)
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	e := &Engine{
		aggregator: agg,
		dispatcher: disp,
		onFire:     opts.OnFire,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
		links:      make(map[string][]string),
		closed:     make(chan struct{}),
	}
	e.scheduler = alert.NewScheduler(alert.HandlerFunc(e.handleFire), opts.Logger.With("component", "scheduler"))

	store, err := eventstore.Open(ctx, opts.Log, eventstore.Options{
		Shards:       opts.Shards,
		SyncOnAppend: opts.SyncOnAppend,
		Clock:        opts.Clock,
		Logger:       opts.Logger.With("component", "eventstore"),
		Hooks:        []eventstore.Hook{commitHook{e}},
	})
	if err != nil {
		disp.Close()
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	e.store = store

	n := 0
	for ev := range store.ReadFrom(0) {
		agg.Observe(ev.Timestamp, ev.Payload)
		n++
	}
	if n > 0 {
		e.logger.Info("epoch aggregates rebuilt from log", "events", n)
	}
	return e, nil
}

// commitHook runs inside the store's commit critical section.
type commitHook struct{ e *Engine }

// reservationKey carries the Block feed reservation of an append to its commit.
type reservationKey struct{}

func (h commitHook) Admit(_ context.Context, ev eventstore.Event) error {
	return h.e.aggregator.Check(ev.Timestamp, h.e.clock.Now())
}

func (h commitHook) Apply(ctx context.Context, ev eventstore.Event) {
	h.e.aggregator.Observe(ev.Timestamp, ev.Payload)
	res, _ := ctx.Value(reservationKey{}).(*notification.Reservation)
	h.e.dispatcher.EnqueueReserved(eventItem(ev), res)
}

func eventItem(ev eventstore.Event) notification.Item {
	return notification.Item{
		Kind:      notification.KindEvent,
		ID:        ev.ID,
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Tags:      ev.Tags,
		Payload:   ev.Payload,
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Append commits d and delivers it to immediate feeds before returning.
//
// Block feeds that are full make Append wait until they have room or ctx
// ends, in which case a *apperr.BackpressureError is returned and nothing
// is committed. An event whose epoch has already closed is rejected with
// *apperr.LateEventError.
func (e *Engine) Append(ctx context.Context, d eventstore.Draft) (eventstore.Event, error) {
	if e.isClosed() {
		return eventstore.Event{}, ErrClosed
	}
	if d.ID == "" {
		d.ID = ids.New(ids.EventPrefix)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = e.clock.Now()
	}
	// Feeds must see the same tags at admission as at commit.
	d.Tags = eventstore.NormalizeTags(d.Tags)

	res, err := e.dispatcher.Admit(ctx, notification.Item{
		Kind:      notification.KindEvent,
		ID:        d.ID,
		Timestamp: d.Timestamp,
		Tags:      d.Tags,
		Payload:   d.Payload,
	})
	if err != nil {
		e.rejected(ctx, err)
		return eventstore.Event{}, err
	}
	defer res.Release()

	e.advanceMu.RLock()
	ev, err := e.store.Append(context.WithValue(ctx, reservationKey{}, res), d)
	e.advanceMu.RUnlock()

	if ev.Sequence == 0 {
		e.rejected(ctx, err)
		return eventstore.Event{}, err
	}
	e.metrics.EventAppended(ctx, e.store.ShardOf(ev.ID))
	e.dispatcher.Drain(ctx)
	return ev, err
}

func (e *Engine) rejected(ctx context.Context, err error) {
	reason := "error"
	switch {
	case errors.As(err, new(*apperr.LateEventError)):
		reason = "late"
	case errors.As(err, new(*apperr.ConflictError)):
		reason = "duplicate"
	case errors.As(err, new(*apperr.ValidationError)):
		reason = "invalid"
	case errors.As(err, new(*apperr.BackpressureError)):
		reason = "backpressure"
	case errors.As(err, new(*apperr.IndexCorruptionError)):
		reason = "index_corruption"
	}
	e.metrics.EventRejected(ctx, reason)
	e.logger.Debug("append rejected", "reason", reason, "error", err)
}

// Get returns a live event.
func (e *Engine) Get(id string) (eventstore.Event, error) {
	return e.store.Get(id)
}

// Delete tombstones an event. Its aggregate contribution is kept and
// correlated alerts keep firing.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// QueryByTag returns the ids of live events carrying tag, in append order.
func (e *Engine) QueryByTag(tag string) ([]string, error) {
	return e.store.QueryByTag(tag)
}

// QueryByTags combines several tags with mode.
func (e *Engine) QueryByTags(tags []string, mode tagindex.Mode) ([]string, error) {
	return e.store.QueryByTags(tags, mode)
}

// QueryEpochs returns the buckets tiling [from, to).
func (e *Engine) QueryEpochs(from, to time.Time) ([]epoch.Bucket, error) {
	return e.aggregator.Query(from, to)
}

// ReadFrom streams committed events starting at seq.
func (e *Engine) ReadFrom(seq uint64) iter.Seq[eventstore.Event] {
	return e.store.ReadFrom(seq)
}

// Schedule adds an alert. A correlation id must name a live event.
func (e *Engine) Schedule(spec alert.Spec) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	if spec.CorrelationID != "" {
		if _, err := e.store.Get(spec.CorrelationID); err != nil {
			return "", err
		}
	}
	id, err := e.scheduler.Schedule(spec)
	if err != nil {
		return "", err
	}
	e.link(spec.CorrelationID, id)
	return id, nil
}

// ScheduleSignal schedules a recurring alert from a signal trigger such as
// "M09:30:00::I86400".
func (e *Engine) ScheduleSignal(id, signal, correlationID string) (string, error) {
	sig, err := alert.ParseSignal(signal)
	if err != nil {
		return "", err
	}
	if correlationID != "" {
		if _, err := e.store.Get(correlationID); err != nil {
			return "", err
		}
	}
	id, err = e.scheduler.ScheduleSignal(id, sig, e.clock.Now(), correlationID)
	if err != nil {
		return "", err
	}
	e.link(correlationID, id)
	return id, nil
}

func (e *Engine) link(eventID, alertID string) {
	if eventID == "" {
		return
	}
	e.linksMu.Lock()
	e.links[eventID] = append(e.links[eventID], alertID)
	e.linksMu.Unlock()
}

// Cancel cancels an alert. Unknown ids are ignored.
func (e *Engine) Cancel(id string) {
	e.scheduler.Cancel(id)
}

// Alert returns a snapshot of one alert.
func (e *Engine) Alert(id string) (alert.Alert, error) {
	return e.scheduler.Get(id)
}

// PendingAlerts returns the queued alerts in firing order.
func (e *Engine) PendingAlerts() []alert.Alert {
	return e.scheduler.Pending()
}

// AlertsFor returns every alert correlated with eventID, in schedule order.
func (e *Engine) AlertsFor(eventID string) []alert.Alert {
	e.linksMu.Lock()
	alertIDs := slices.Clone(e.links[eventID])
	e.linksMu.Unlock()

	out := make([]alert.Alert, 0, len(alertIDs))
	for _, id := range alertIDs {
		if a, err := e.scheduler.Get(id); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// handleFire routes one fire to the dispatcher. Alerts inherit the tags of
// their correlated event, if it is still live.
func (e *Engine) handleFire(ctx context.Context, f alert.Fire) error {
	if e.isClosed() {
		return ErrClosed
	}
	it := notification.Item{
		Kind:          notification.KindAlert,
		ID:            f.AlertID,
		Timestamp:     f.FiredAt,
		CorrelationID: f.CorrelationID,
		ScheduledFor:  f.ScheduledFor,
	}
	if f.Coalesced > 0 {
		it.Payload = map[string]any{"coalesced": f.Coalesced}
	}
	if f.CorrelationID != "" {
		if ev, err := e.store.Get(f.CorrelationID); err == nil {
			it.Tags = ev.Tags
		}
	}
	feeds := e.dispatcher.Enqueue(it)
	e.logger.Debug("alert routed", "alert_id", f.AlertID, "feeds", feeds, "coalesced", f.Coalesced)

	if e.onFire != nil {
		return e.onFire.HandleFire(ctx, f)
	}
	return nil
}

// Tick fires due alerts, closes epochs whose grace window elapsed, flushes
// batched feeds on epoch close, re-arms feeds whose backoff expired and
// delivers everything that is ready.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickResult {
	fired := e.scheduler.Tick(ctx, now)
	res := TickResult{Fired: fired.Fired, Fires: fired.Fires, Failures: fired.Failures}

	e.advanceMu.Lock()
	res.Closed = e.aggregator.Advance(now)
	e.advanceMu.Unlock()

	if len(res.Closed) > 0 {
		res.Flushed = e.dispatcher.FlushBatched()
	}
	e.dispatcher.Poll(now)
	e.dispatcher.Drain(ctx)

	if len(res.Fired) > 0 {
		e.metrics.AlertsFired(ctx, len(res.Fired))
	}
	for range res.Failures {
		e.metrics.HandoffFailed(ctx)
	}
	for _, b := range res.Closed {
		e.metrics.EpochClosed(ctx, b.Count)
	}
	return res
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// RegisterFeed adds a feed and returns its id.
func (e *Engine) RegisterFeed(cfg notification.FeedConfig) (string, error) {
	return e.dispatcher.RegisterFeed(cfg)
}

// ResetFeed returns a degraded feed to service and delivers its backlog.
func (e *Engine) ResetFeed(ctx context.Context, id string) error {
	if err := e.dispatcher.ResetFeed(id); err != nil {
		return err
	}
	e.dispatcher.Drain(ctx)
	return nil
}

// SetFeedTargets replaces the recipients of a feed.
func (e *Engine) SetFeedTargets(id string, targets []string) error {
	return e.dispatcher.SetTargets(id, targets)
}

// FeedStatus returns a snapshot of one feed.
func (e *Engine) FeedStatus(id string) (notification.FeedStatus, error) {
	return e.dispatcher.FeedStatus(id)
}

// Feeds returns every feed's status in registration order.
func (e *Engine) Feeds() []notification.FeedStatus {
	return e.dispatcher.Feeds()
}

// Sinks returns the sink table feeds resolve their method against.
func (e *Engine) Sinks() *notification.SinkTable {
	return e.dispatcher.Sinks()
}

// VerifyIndex rebuilds the tag indexes from the log and halts every shard
// whose live index differs.
func (e *Engine) VerifyIndex(ctx context.Context) error {
	return e.store.VerifyIndex(ctx)
}

// Recover rebuilds every shard index from the log and resumes halted shards.
func (e *Engine) Recover(ctx context.Context) error {
	return e.store.Recover(ctx)
}

// Stats returns a health snapshot.
func (e *Engine) Stats() Stats {
	st := Stats{
		Events:        e.store.Len(),
		LastSequence:  e.store.LastSequence(),
		Shards:        e.store.ShardCount(),
		HaltedShards:  e.store.HaltedShards(),
		PendingAlerts: len(e.scheduler.Pending()),
	}
	for _, f := range e.dispatcher.Feeds() {
		st.Feeds++
		if f.State == notification.StateDegraded {
			st.DegradedFeeds++
		}
	}
	return st
}

// Close stops accepting work and waits for in-flight bus deliveries.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.dispatcher.Close()
	})
}
