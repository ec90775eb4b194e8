package notification

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/eventbus"
	"github.com/shaharia-lab/pulse/internal/observability"
)

const (
	defaultCapacity        = 1000
	defaultDedupeWindow    = 10 * time.Minute
	defaultDeliveryTimeout = 30 * time.Second

	feedReadyEvent = "feed.ready"
)

// Delivery outcomes as recorded in the delivery log and metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// DeliveryRecord is one delivery attempt.
type DeliveryRecord struct {
	FeedID  string
	Method  string
	Outcome string
	Attempt int
	Items   int
	Keys    []string
	Error   string
	At      time.Time
}

// DeliveryLog persists delivery attempts.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}

// Options configures a Dispatcher.
type Options struct {
	Sinks *SinkTable
	Retry RetryPolicy
	// DedupeWindow is how long an item key is remembered per feed.
	DedupeWindow        time.Duration
	DefaultCapacity     int
	DefaultBackpressure Backpressure
	DeliveryTimeout     time.Duration
	// Bus, when set, runs deliveries on its workers instead of the caller.
	Bus     eventbus.EventBus
	Log     DeliveryLog
	Metrics observability.Recorder
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

type dedupeKey struct {
	feed string
	item string
}

// Dispatcher owns the feed registry. Enqueue only touches memory and is safe
// to call inside the store's commit critical section; sink I/O happens in
// Drain or on bus workers, never while holding the dispatcher lock.
type Dispatcher struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	order  []string
	seen   map[dedupeKey]time.Time
	closed bool
}

// NewDispatcher validates opts and returns an empty dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sinks == nil {
		opts.Sinks = NewSinkTable(opts.Logger)
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Retry.Max <= 0 {
		opts.Retry.Max = DefaultRetryPolicy().Max
	}
	if err := opts.Retry.validate(); err != nil {
		return nil, err
	}
	if opts.DedupeWindow == 0 {
		opts.DedupeWindow = defaultDedupeWindow
	}
	if opts.DefaultCapacity <= 0 {
		opts.DefaultCapacity = defaultCapacity
	}
	switch opts.DefaultBackpressure {
	case "":
		opts.DefaultBackpressure = DropOldest
	case DropOldest, Block:
	default:
		return nil, &apperr.ValidationError{Field: "backpressure", Message: "unknown default policy " + string(opts.DefaultBackpressure)}
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	d := &Dispatcher{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		feeds:  make(map[string]*feed),
		seen:   make(map[dedupeKey]time.Time),
	}
	if opts.Bus != nil {
		opts.Bus.Subscribe(d.onBusEvent)
	}
	return d, nil
}

// Sinks returns the sink table used to resolve feed methods.
func (d *Dispatcher) Sinks() *SinkTable { return d.opts.Sinks }

// RegisterFeed validates cfg, resolves its delivery method and adds the feed.
func (d *Dispatcher) RegisterFeed(cfg FeedConfig) (string, error) {
	if err := cfg.normalize(d.opts.DefaultCapacity, d.opts.DefaultBackpressure); err != nil {
		return "", err
	}
	filter, err := compileFilter(cfg.Filter)
	if err != nil {
		return "", err
	}
	sink, err := d.opts.Sinks.Resolve(cfg.Method)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.feeds[cfg.ID]; exists {
		return "", &apperr.ConflictError{Resource: "feed", ID: cfg.ID}
	}
	d.feeds[cfg.ID] = newFeed(cfg, filter, sink, d.opts.Retry)
	d.order = append(d.order, cfg.ID)

	d.logger.Info("feed registered",
		"feed_id", cfg.ID, "method", cfg.Method, "frequency", cfg.Frequency,
		"capacity", cfg.Capacity, "backpressure", cfg.Backpressure)
	return cfg.ID, nil
}

// matching returns the feeds whose filter accepts it, in registration order.
// The caller must hold d.mu.
func (d *Dispatcher) matching(it Item) []*feed {
	var out []*feed
	for _, id := range d.order {
		f := d.feeds[id]
		ok, err := f.filter.match(it)
		if err != nil {
			d.logger.Warn("feed filter evaluation failed", "feed_id", id, "item", it.Key(), "error", err)
		}
		if ok {
			out = append(out, f)
		}
	}
	return out
}

// Reservation is the room Admit took in Block feeds for one item. It is
// consumed by EnqueueReserved; whatever is left is returned by Release.
type Reservation struct {
	d     *Dispatcher
	feeds []*feed
}

// Release returns every reservation not yet consumed. It is safe to call on
// a nil or already released Reservation.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	for _, f := range r.feeds {
		f.reserved--
		f.notifySpace()
	}
	r.feeds = nil
}

// take consumes the reservation held in f, if any. Caller holds d.mu.
func (r *Reservation) take(f *feed) bool {
	if r == nil {
		return false
	}
	i := slices.Index(r.feeds, f)
	if i < 0 {
		return false
	}
	r.feeds = slices.Delete(r.feeds, i, i+1)
	f.reserved--
	return true
}

// Admit reserves room for it in every matching Block feed, waiting while a
// feed is full. If ctx ends first, reservations taken so far are returned
// and a *apperr.BackpressureError is reported. The Reservation must be
// passed to EnqueueReserved or released.
func (d *Dispatcher) Admit(ctx context.Context, it Item) (*Reservation, error) {
	res := &Reservation{d: d}

	d.mu.Lock()
	targets := d.matching(it)
	d.mu.Unlock()

	for _, f := range targets {
		if f.cfg.Backpressure != Block {
			continue
		}
		for {
			d.mu.Lock()
			if f.buffered()+f.reserved < f.cfg.Capacity {
				f.reserved++
				res.feeds = append(res.feeds, f)
				d.mu.Unlock()
				break
			}
			wait := f.space
			d.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				res.Release()
				return nil, &apperr.BackpressureError{FeedID: f.cfg.ID, Capacity: f.cfg.Capacity}
			}
		}
	}
	return res, nil
}

// Enqueue routes it to every matching feed and returns their ids. Items
// already seen by a feed within the dedupe window are skipped. A full Block
// feed drops its oldest item, as no room was reserved.
func (d *Dispatcher) Enqueue(it Item) []string {
	return d.EnqueueReserved(it, nil)
}

// EnqueueReserved is Enqueue for an item admitted with res. Room reserved in
// a feed is used only by that feed; reservations the item did not use are
// returned before EnqueueReserved returns.
func (d *Dispatcher) EnqueueReserved(it Item, res *Reservation) []string {
	now := d.clock.Now()
	key := it.Key()

	d.mu.Lock()
	defer d.mu.Unlock()
	if res != nil {
		defer res.releaseLocked()
	}

	var routed []string
	for _, f := range d.matching(it) {
		dk := dedupeKey{feed: f.cfg.ID, item: key}
		if exp, ok := d.seen[dk]; ok && now.Before(exp) {
			d.logger.Debug("duplicate item suppressed", "feed_id", f.cfg.ID, "item", key)
			continue
		}
		if d.opts.DedupeWindow > 0 {
			d.seen[dk] = now.Add(d.opts.DedupeWindow)
		}

		res.take(f)
		if n := f.push(it); n > 0 {
			d.logger.Warn("feed buffer full, dropped oldest items", "feed_id", f.cfg.ID, "dropped", n, "total_dropped", f.dropped)
			d.opts.Metrics.ItemsDropped(context.Background(), f.cfg.ID, n)
		}
		routed = append(routed, f.cfg.ID)
	}
	return routed
}

// FlushBatched turns the open buffer of every batched feed into one ready
// batch. It is called when an epoch closes.
func (d *Dispatcher) FlushBatched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.order {
		f := d.feeds[id]
		if f.cfg.Frequency != Batched || len(f.open) == 0 {
			continue
		}
		f.queue = append(f.queue, f.open)
		f.open = nil
		n++
	}
	return n
}

// Poll moves feeds whose backoff expired at now back to Idle and forgets
// expired dedupe keys.
func (d *Dispatcher) Poll(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.feeds {
		if f.state == StateBackingOff && !now.Before(f.nextAttempt) {
			f.state = StateIdle
		}
	}
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}

// Drain delivers every ready batch of every Idle feed. With a bus the work
// is handed to its workers and Drain returns immediately.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	var ready []*feed
	for _, id := range d.order {
		f := d.feeds[id]
		if f.state == StateIdle && len(f.queue) > 0 {
			ready = append(ready, f)
		}
	}
	d.mu.Unlock()

	for _, f := range ready {
		if d.opts.Bus != nil && d.opts.Bus.Publish(feedReadyEvent, f.cfg.ID, nil) {
			continue
		}
		d.pump(ctx, f)
	}
}

func (d *Dispatcher) onBusEvent(e eventbus.Event) {
	if e.Type != feedReadyEvent {
		return
	}
	d.mu.Lock()
	f, ok := d.feeds[e.Key]
	d.mu.Unlock()
	if ok {
		d.pump(context.Background(), f)
	}
}

// pump sends f's ready batches one at a time until the queue is empty or the
// feed leaves Idle. The Sending state keeps a single batch in flight per feed.
func (d *Dispatcher) pump(ctx context.Context, f *feed) {
	for {
		d.mu.Lock()
		if f.state != StateIdle || len(f.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := f.queue[0]
		f.queue = f.queue[1:]
		f.inflight = batch
		f.state = StateSending
		attempt := f.attempts + 1
		cfg := f.cfg
		d.mu.Unlock()

		err := d.deliver(ctx, f.sink, cfg, batch, attempt)
		d.complete(ctx, f, batch, attempt, err)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, cfg FeedConfig, batch []Item, attempt int) error {
	subject, body, err := Render(cfg.Format, cfg.ID, batch)
	if err != nil {
		return Permanent(err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	defer cancel()
	return sink.Deliver(ctx, Delivery{
		FeedID:  cfg.ID,
		Method:  cfg.Method,
		Format:  cfg.Format,
		Targets: cfg.Targets,
		Attempt: attempt,
		Items:   slices.Clone(batch),
		Subject: subject,
		Body:    body,
	})
}

func (d *Dispatcher) complete(ctx context.Context, f *feed, batch []Item, attempt int, err error) {
	now := d.clock.Now()
	rec := DeliveryRecord{
		FeedID:  f.cfg.ID,
		Method:  f.cfg.Method,
		Attempt: attempt,
		Items:   len(batch),
		At:      now,
	}
	for _, it := range batch {
		rec.Keys = append(rec.Keys, it.Key())
	}

	d.mu.Lock()
	f.inflight = nil
	switch {
	case err == nil:
		rec.Outcome = OutcomeDelivered
		f.state = StateIdle
		f.delivered += int64(len(batch))
		f.lastErr = ""
		f.resetRetry()
		f.notifySpace()
	case IsPermanent(err):
		rec.Outcome = OutcomePermanent
		f.queue = append([][]Item{batch}, f.queue...)
		f.attempts++
		f.state = StateDegraded
		f.lastErr = err.Error()
	default:
		rec.Outcome = OutcomeTransient
		f.queue = append([][]Item{batch}, f.queue...)
		f.attempts++
		f.lastErr = err.Error()
		if f.attempts >= d.opts.Retry.MaxAttempts {
			f.state = StateDegraded
		} else {
			f.state = StateBackingOff
			f.nextAttempt = now.Add(f.nextDelay())
		}
	}
	state, next := f.state, f.nextAttempt
	d.mu.Unlock()

	if err != nil {
		rec.Error = err.Error()
		d.logger.Warn("delivery failed",
			"feed_id", f.cfg.ID, "attempt", attempt, "outcome", rec.Outcome,
			"state", state, "next_attempt", next, "error", err)
		if state == StateDegraded {
			d.logger.Error("feed degraded; buffering until reset", "feed_id", f.cfg.ID, "attempts", attempt)
		}
	}
	d.opts.Metrics.DeliveryAttempted(ctx, f.cfg.ID, rec.Outcome, len(batch))
	if d.opts.Log != nil {
		if logErr := d.opts.Log.RecordDelivery(context.WithoutCancel(ctx), rec); logErr != nil {
			d.logger.Warn("failed to record delivery", "feed_id", f.cfg.ID, "error", logErr)
		}
	}
}

// ResetFeed returns a feed to Idle and clears its retry state. Buffered
// items are kept and delivered by the next Drain.
func (d *Dispatcher) ResetFeed(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[id]
	if !ok {
		return &apperr.NotFoundError{Resource: "feed", ID: id}
	}
	if f.state != StateSending {
		f.state = StateIdle
	}
	f.resetRetry()
	f.lastErr = ""
	d.logger.Info("feed reset", "feed_id", id, "buffered", f.buffered())
	return nil
}

// SetTargets replaces the recipients of feed id. Batches already handed to
// a sink keep the recipients they were sent with.
func (d *Dispatcher) SetTargets(id string, targets []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[id]
	if !ok {
		return &apperr.NotFoundError{Resource: "feed", ID: id}
	}
	f.cfg.Targets = cleanTargets(targets)
	d.logger.Info("feed targets updated", "feed_id", id, "targets", len(f.cfg.Targets))
	return nil
}

// FeedStatus returns a snapshot of the feed with id.
func (d *Dispatcher) FeedStatus(id string) (FeedStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.feeds[id]
	if !ok {
		return FeedStatus{}, &apperr.NotFoundError{Resource: "feed", ID: id}
	}
	return f.status(), nil
}

// Feeds returns every feed's status in registration order.
func (d *Dispatcher) Feeds() []FeedStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FeedStatus, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.feeds[id].status())
	}
	return out
}

// Close stops the delivery bus, waiting for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	if d.opts.Bus != nil {
		d.opts.Bus.Close()
	}
}
