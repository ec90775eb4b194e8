// Package epoch maintains clock-aligned, fixed-width aggregation buckets over
// the event stream.
//
// Bucket boundaries are multiples of the width measured from the Unix epoch.
// A bucket [start, end) accepts events until the clock passes end+grace; after
// that it is closed, immutable, and further events for it are rejected.
package epoch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shaharia-lab/pulse/internal/apperr"
)

const defaultMaxQueryBuckets = 10_000

// Config configures an Aggregator.
type Config struct {
	Width time.Duration
	Grace time.Duration
	// Fields lists payload keys aggregated as sum/min/max.
	Fields []string
	// MaxQueryBuckets bounds how many buckets a single Query may return.
	MaxQueryBuckets int
	// Retention drops closed buckets whose end is older than now-Retention.
	// Zero keeps every bucket.
	Retention time.Duration
}

// FieldStats is the running aggregate of one numeric payload field.
type FieldStats struct {
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
	Min   decimal.Decimal `json:"min"`
	Max   decimal.Decimal `json:"max"`
}

// Bucket is a snapshot of one epoch.
type Bucket struct {
	Start  time.Time             `json:"start"`
	End    time.Time             `json:"end"`
	Count  int64                 `json:"count"`
	Fields map[string]FieldStats `json:"fields,omitempty"`
	Closed bool                  `json:"closed"`
}

type bucket struct {
	start  int64
	count  int64
	fields map[string]*FieldStats
	closed bool
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	cfg    Config
	width  int64
	grace  int64
	logger *slog.Logger

	mu       sync.Mutex
	buckets  map[int64]*bucket
	frontier int64 // every bucket ending at or before frontier is closed
	started  bool
}

// NewAggregator validates cfg and returns an empty aggregator.
func NewAggregator(cfg Config, logger *slog.Logger) (*Aggregator, error) {
	if cfg.Width <= 0 {
		return nil, &apperr.ValidationError{Field: "width", Message: "epoch width must be positive"}
	}
	if cfg.Grace < 0 {
		return nil, &apperr.ValidationError{Field: "grace", Message: "grace window must not be negative"}
	}
	if cfg.MaxQueryBuckets <= 0 {
		cfg.MaxQueryBuckets = defaultMaxQueryBuckets
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:     cfg,
		width:   int64(cfg.Width),
		grace:   int64(cfg.Grace),
		logger:  logger,
		buckets: make(map[int64]*bucket),
	}, nil
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config { return a.cfg }

func floorDiv(x, y int64) int64 {
	q := x / y
	if x%y != 0 && (x < 0) != (y < 0) {
		q--
	}
	return q
}

func (a *Aggregator) startOf(ts time.Time) int64 {
	return floorDiv(ts.UnixNano(), a.width) * a.width
}

// frontierAt is the largest bucket boundary b with now > b+grace.
func (a *Aggregator) frontierAt(now time.Time) int64 {
	return floorDiv(now.UnixNano()-a.grace-1, a.width) * a.width
}

// BucketFor returns the bounds of the bucket containing ts.
func (a *Aggregator) BucketFor(ts time.Time) (start, end time.Time) {
	s := a.startOf(ts)
	return time.Unix(0, s).UTC(), time.Unix(0, s+a.width).UTC()
}

// Check reports whether an event stamped ts may still be added at now.
func (a *Aggregator) Check(ts, now time.Time) error {
	s := a.startOf(ts)
	end := s + a.width

	a.mu.Lock()
	closed := (a.started && end <= a.frontier) || end <= a.frontierAt(now)
	if b, ok := a.buckets[s]; ok && b.closed {
		closed = true
	}
	a.mu.Unlock()

	if closed {
		return &apperr.LateEventError{Start: time.Unix(0, s).UTC(), End: time.Unix(0, end).UTC()}
	}
	return nil
}

// Observe adds an event to its bucket without a lateness check.
func (a *Aggregator) Observe(ts time.Time, payload map[string]any) {
	s := a.startOf(ts)

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[s]
	if !ok {
		b = &bucket{start: s, fields: make(map[string]*FieldStats)}
		a.buckets[s] = b
	}
	b.count++
	for _, name := range a.cfg.Fields {
		v, ok := payload[name]
		if !ok {
			continue
		}
		d, ok := toDecimal(v)
		if !ok {
			continue
		}
		fs, ok := b.fields[name]
		if !ok {
			b.fields[name] = &FieldStats{Count: 1, Sum: d, Min: d, Max: d}
			continue
		}
		fs.Count++
		fs.Sum = fs.Sum.Add(d)
		if d.LessThan(fs.Min) {
			fs.Min = d
		}
		if d.GreaterThan(fs.Max) {
			fs.Max = d
		}
	}
}

// Advance closes every bucket whose grace window has elapsed at now and
// returns the newly closed buckets in time order. When the frontier moved
// but no bucket with data closed, the empty bucket ending at the frontier
// is returned so batch consumers still observe the epoch boundary.
func (a *Aggregator) Advance(now time.Time) []Bucket {
	f := a.frontierAt(now)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started && f <= a.frontier {
		return nil
	}
	first := !a.started
	a.frontier = f
	a.started = true

	var closed []Bucket
	for _, s := range slices.Sorted(maps.Keys(a.buckets)) {
		b := a.buckets[s]
		if b.closed || s+a.width > f {
			continue
		}
		b.closed = true
		closed = append(closed, a.snapshot(b))
	}
	if len(closed) == 0 && !first {
		closed = append(closed, Bucket{
			Start:  time.Unix(0, f-a.width).UTC(),
			End:    time.Unix(0, f).UTC(),
			Closed: true,
		})
	}
	a.prune(now)

	for _, b := range closed {
		a.logger.Debug("epoch closed", "start", b.Start, "end", b.End, "count", b.Count)
	}
	return closed
}

func (a *Aggregator) prune(now time.Time) {
	if a.cfg.Retention <= 0 {
		return
	}
	horizon := now.Add(-a.cfg.Retention).UnixNano()
	for s, b := range a.buckets {
		if b.closed && s+a.width < horizon {
			delete(a.buckets, s)
		}
	}
}

// Query returns every bucket tiling [from, to) in time order. Buckets without
// events are included with zero values.
func (a *Aggregator) Query(from, to time.Time) ([]Bucket, error) {
	if !from.Before(to) {
		return nil, &apperr.ValidationError{Field: "range", Message: "from must be before to"}
	}
	first := a.startOf(from)
	last := a.startOf(to.Add(-time.Nanosecond))
	n := (last-first)/a.width + 1
	if n > int64(a.cfg.MaxQueryBuckets) {
		return nil, &apperr.ValidationError{
			Field:   "range",
			Message: fmt.Sprintf("range spans %d buckets, limit is %d", n, a.cfg.MaxQueryBuckets),
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Bucket, 0, n)
	for s := first; s <= last; s += a.width {
		if b, ok := a.buckets[s]; ok {
			out = append(out, a.snapshot(b))
			continue
		}
		out = append(out, Bucket{
			Start:  time.Unix(0, s).UTC(),
			End:    time.Unix(0, s+a.width).UTC(),
			Closed: a.started && s+a.width <= a.frontier,
		})
	}
	return out, nil
}

func (a *Aggregator) snapshot(b *bucket) Bucket {
	out := Bucket{
		Start:  time.Unix(0, b.start).UTC(),
		End:    time.Unix(0, b.start+a.width).UTC(),
		Count:  b.count,
		Closed: b.closed || (a.started && b.start+a.width <= a.frontier),
	}
	if len(b.fields) > 0 {
		out.Fields = make(map[string]FieldStats, len(b.fields))
		for k, v := range b.fields {
			out.Fields[k] = *v
		}
	}
	return out
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromUint64(uint64(n)), true
	case uint32:
		return decimal.NewFromUint64(uint64(n)), true
	case uint64:
		return decimal.NewFromUint64(n), true
	default:
		return decimal.Decimal{}, false
	}
}
