// Package eventstore implements the append-only, sharded event store.
//
// Every append allocates the next global sequence number, writes a record to
// the durable Log, updates the owning shard's tag index and runs the commit
// hooks before the event becomes visible to readers. Deletion is logical: a
// tombstone record hides the event without removing it.
package eventstore

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/ids"
	"github.com/shaharia-lab/pulse/internal/tagindex"
)

const defaultShards = 4

// Hook observes commits. Admit runs inside the commit critical section before
// the record is written and may veto the append; Apply runs after the tag
// index is updated and before the event is published to readers. Both get
// the context passed to Append.
type Hook interface {
	Admit(ctx context.Context, ev Event) error
	Apply(ctx context.Context, ev Event)
}

// Options configures a Store.
type Options struct {
	// Shards is the number of single-writer index shards. Defaults to 4.
	Shards int
	// SyncOnAppend calls Log.Sync after every committed record.
	SyncOnAppend bool
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Hooks        []Hook
}

type slot struct {
	ev atomic.Pointer[Event]
}

type shard struct {
	id     int
	mu     sync.Mutex
	index  atomic.Pointer[tagindex.Index]
	halted atomic.Bool
}

// Store is the event store. It is safe for concurrent use.
type Store struct {
	log    Log
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger
	shards []*shard

	byID       sync.Map // id -> *slot
	tombstones sync.Map // id -> tombstone sequence
	events     *eventList

	commitMu sync.Mutex
	seq      uint64
	lastSeq  atomic.Uint64
}

// Open builds a Store on top of log, replaying any records it already holds.
func Open(ctx context.Context, log Log, opts Options) (*Store, error) {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		log:    log,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		shards: make([]*shard, opts.Shards),
		events: newEventList(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{id: i}
		s.shards[i].index.Store(tagindex.New())
	}

	n, err := s.replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("replaying event log: %w", err)
	}
	s.logger.Info("event store opened",
		"shards", len(s.shards), "records", n, "last_sequence", s.seq)
	return s, nil
}

func (s *Store) replay(ctx context.Context) (int, error) {
	n := 0
	for rec, err := range s.log.ReadFrom(ctx, 0) {
		if err != nil {
			return n, err
		}
		r, err := decodeRecord(rec.Data)
		if err != nil {
			return n, fmt.Errorf("offset %d: %w", rec.Offset, err)
		}
		if r.Seq != s.seq+1 {
			return n, fmt.Errorf("offset %d: sequence %d does not follow %d", rec.Offset, r.Seq, s.seq)
		}
		s.seq = r.Seq

		switch r.Kind {
		case kindEvent:
			ev := r.Event
			ev.Sequence = r.Seq
			sl := &slot{}
			sl.ev.Store(ev)
			if _, loaded := s.byID.LoadOrStore(ev.ID, sl); loaded {
				return n, fmt.Errorf("offset %d: duplicate event id %q", rec.Offset, ev.ID)
			}
			s.shardFor(ev.ID).index.Load().Index(entryOf(ev))
			s.events.push(ev)
		case kindTombstone:
			s.tombstones.Store(r.Target, r.Seq)
		}
		n++
	}
	s.events.publish()
	s.lastSeq.Store(s.seq)
	return n, nil
}

// ShardOf returns the index of the shard owning id.
func (s *Store) ShardOf(id string) int {
	return s.shardFor(id).id
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

func entryOf(ev *Event) tagindex.Entry {
	return tagindex.Entry{Seq: ev.Sequence, ID: ev.ID, Tags: ev.Tags}
}

// Append commits a new event and returns it with its assigned sequence.
//
// A caller-supplied id that already exists yields *apperr.ConflictError. If
// SyncOnAppend is set and the durability barrier fails, the event is still
// committed and returned together with the sync error.
func (s *Store) Append(ctx context.Context, d Draft) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	id := d.ID
	if id == "" {
		id = ids.New(ids.EventPrefix)
	} else if !ids.Valid(id) {
		return Event{}, &apperr.ValidationError{Field: "id", Message: fmt.Sprintf("invalid event id %q", id)}
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	ev := &Event{
		ID:        id,
		Timestamp: ts.UTC(),
		Tags:      NormalizeTags(d.Tags),
		Payload:   maps.Clone(d.Payload),
	}

	sh := s.shardFor(id)
	if sh.halted.Load() {
		return Event{}, &apperr.IndexCorruptionError{Shards: []int{sh.id}}
	}

	sl := &slot{}
	if _, loaded := s.byID.LoadOrStore(id, sl); loaded {
		return Event{}, &apperr.ConflictError{Resource: "event", ID: id}
	}
	committed := false
	defer func() {
		if !committed {
			s.byID.CompareAndDelete(id, sl)
		}
	}()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.halted.Load() {
		return Event{}, &apperr.IndexCorruptionError{Shards: []int{sh.id}}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for _, h := range s.opts.Hooks {
		if err := h.Admit(ctx, *ev); err != nil {
			return Event{}, err
		}
	}

	ev.Sequence = s.seq + 1
	data, err := encodeRecord(record{Kind: kindEvent, Seq: ev.Sequence, Event: ev, At: s.clock.Now().UTC()})
	if err != nil {
		return Event{}, err
	}
	if _, err := s.log.AppendRecord(ctx, data); err != nil {
		return Event{}, fmt.Errorf("appending event %q to log: %w", id, err)
	}
	s.seq = ev.Sequence
	committed = true

	var syncErr error
	if s.opts.SyncOnAppend {
		if err := s.log.Sync(ctx); err != nil {
			syncErr = fmt.Errorf("syncing log after event %q: %w", id, err)
			s.logger.Error("durability barrier failed", "event_id", id, "sequence", ev.Sequence, "error", err)
		}
	}

	sh.index.Load().Index(entryOf(ev))
	for _, h := range s.opts.Hooks {
		h.Apply(ctx, *ev)
	}
	s.events.push(ev)
	sl.ev.Store(ev)
	s.events.publish()
	s.lastSeq.Store(ev.Sequence)

	return ev.clone(), syncErr
}

// Get returns the event with id. Tombstoned events are reported as not found.
func (s *Store) Get(id string) (Event, error) {
	if v, ok := s.byID.Load(id); ok {
		if ev := v.(*slot).ev.Load(); ev != nil && !s.Tombstoned(id) {
			return ev.clone(), nil
		}
	}
	return Event{}, &apperr.NotFoundError{Resource: "event", ID: id}
}

// Tombstoned reports whether id has been logically deleted.
func (s *Store) Tombstoned(id string) bool {
	_, ok := s.tombstones.Load(id)
	return ok
}

// Delete appends a tombstone for id. Deleting an already deleted event is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(id); err != nil {
		if s.Tombstoned(id) {
			return nil
		}
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.Tombstoned(id) {
		return nil
	}

	seq := s.seq + 1
	data, err := encodeRecord(record{Kind: kindTombstone, Seq: seq, Target: id, At: s.clock.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := s.log.AppendRecord(ctx, data); err != nil {
		return fmt.Errorf("appending tombstone for %q: %w", id, err)
	}
	s.seq = seq
	s.tombstones.Store(id, seq)
	s.lastSeq.Store(seq)

	if s.opts.SyncOnAppend {
		if err := s.log.Sync(ctx); err != nil {
			return fmt.Errorf("syncing log after tombstone %q: %w", id, err)
		}
	}
	return nil
}

// ReadFrom lazily yields committed events with sequence >= seq, tombstoned
// ones included. Each iteration sees the events committed when it starts.
func (s *Store) ReadFrom(seq uint64) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		n := s.events.len()
		for i := s.events.searchSeq(n, seq); i < n; i++ {
			if !yield(s.events.at(i).clone()) {
				return
			}
		}
	}
}

// Len returns the number of committed events, tombstoned ones included.
func (s *Store) Len() int {
	return int(s.events.len())
}

// LastSequence returns the highest committed sequence number.
func (s *Store) LastSequence() uint64 {
	return s.lastSeq.Load()
}

// ShardCount returns the number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

// QueryByTag returns the live event ids carrying tag, in append order.
func (s *Store) QueryByTag(tag string) ([]string, error) {
	return s.query(func(x *tagindex.Index) []tagindex.Posting { return x.Query(tag) })
}

// QueryByTags returns the live event ids matching tags under mode, in append order.
func (s *Store) QueryByTags(tags []string, mode tagindex.Mode) ([]string, error) {
	return s.query(func(x *tagindex.Index) []tagindex.Posting { return x.QueryTags(tags, mode) })
}

func (s *Store) query(fn func(*tagindex.Index) []tagindex.Posting) ([]string, error) {
	if halted := s.HaltedShards(); len(halted) > 0 {
		return nil, &apperr.IndexCorruptionError{Shards: halted}
	}
	// Postings above the published sequence belong to an in-flight commit.
	limit := s.lastSeq.Load()
	lists := make([][]tagindex.Posting, len(s.shards))
	for i, sh := range s.shards {
		lists[i] = fn(sh.index.Load())
	}
	merged := tagindex.Merge(lists...)
	out := make([]string, 0, len(merged))
	for _, p := range merged {
		if p.Seq > limit || s.Tombstoned(p.ID) {
			continue
		}
		out = append(out, p.ID)
	}
	return out, nil
}

// HaltedShards lists shards that stopped serving after an index mismatch.
func (s *Store) HaltedShards() []int {
	var out []int
	for _, sh := range s.shards {
		if sh.halted.Load() {
			out = append(out, sh.id)
		}
	}
	return out
}

// rebuildIndexes replays the durable log into fresh per-shard indexes.
// The caller must hold commitMu.
func (s *Store) rebuildIndexes(ctx context.Context) ([]*tagindex.Index, error) {
	fresh := make([]*tagindex.Index, len(s.shards))
	for i := range fresh {
		fresh[i] = tagindex.New()
	}
	for rec, err := range s.log.ReadFrom(ctx, 0) {
		if err != nil {
			return nil, err
		}
		r, err := decodeRecord(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", rec.Offset, err)
		}
		if r.Kind != kindEvent {
			continue
		}
		r.Event.Sequence = r.Seq
		fresh[xxhash.Sum64String(r.Event.ID)%uint64(len(fresh))].Index(entryOf(r.Event))
	}
	return fresh, nil
}

// VerifyIndex replays the log and compares the result with every live shard
// index. Mismatching shards are halted and reported as *apperr.IndexCorruptionError.
func (s *Store) VerifyIndex(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	fresh, err := s.rebuildIndexes(ctx)
	if err != nil {
		return fmt.Errorf("verifying index: %w", err)
	}

	var bad []int
	for i, sh := range s.shards {
		if !sh.index.Load().Equal(fresh[i]) {
			sh.halted.Store(true)
			bad = append(bad, i)
		}
	}
	if len(bad) > 0 {
		s.logger.Error("tag index diverged from log; shards halted", "shards", bad)
		return &apperr.IndexCorruptionError{Shards: bad}
	}
	return nil
}

// Recover rebuilds every shard index by full replay of the log and resumes
// halted shards.
func (s *Store) Recover(ctx context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		defer sh.mu.Unlock()
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	fresh, err := s.rebuildIndexes(ctx)
	if err != nil {
		return fmt.Errorf("recovering index: %w", err)
	}
	var resumed []int
	for i, sh := range s.shards {
		sh.index.Store(fresh[i])
		if sh.halted.Swap(false) {
			resumed = append(resumed, i)
		}
	}
	s.logger.Info("tag index rebuilt from log", "shards", len(s.shards), "resumed", resumed)
	return nil
}
