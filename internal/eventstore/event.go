package eventstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Event is an immutable, committed entry of the store.
// Payload values must be treated as read-only by callers.
type Event struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Tags      []string       `json:"tags"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// HasTag reports whether the event carries tag.
func (e Event) HasTag(tag string) bool {
	_, found := slices.BinarySearch(e.Tags, tag)
	return found
}

func (e *Event) clone() Event {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	c.Payload = maps.Clone(e.Payload)
	return c
}

// Draft is the producer-side input to Append. ID and Timestamp are optional.
type Draft struct {
	ID        string
	Tags      []string
	Payload   map[string]any
	Timestamp time.Time
}

// NormalizeTags returns the tag set sorted and without blanks or duplicates,
// the form in which an appended event stores its tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type recordKind string

const (
	kindEvent     recordKind = "event"
	kindTombstone recordKind = "tombstone"
)

// record is the unit written to the durable log.
type record struct {
	Kind   recordKind `json:"kind"`
	Seq    uint64     `json:"seq"`
	Event  *Event     `json:"event,omitempty"`
	Target string     `json:"target,omitempty"`
	At     time.Time  `json:"at"`
}

func encodeRecord(r record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record %d: %w", r.Kind, r.Seq, err)
	}
	return b, nil
}

// decodeRecord keeps payload numbers as json.Number so replayed aggregates stay exact.
func decodeRecord(data []byte) (record, error) {
	var r record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return record{}, fmt.Errorf("decoding log record: %w", err)
	}
	switch r.Kind {
	case kindEvent:
		if r.Event == nil {
			return record{}, fmt.Errorf("event record %d has no event", r.Seq)
		}
	case kindTombstone:
		if r.Target == "" {
			return record{}, fmt.Errorf("tombstone record %d has no target", r.Seq)
		}
	default:
		return record{}, fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return r, nil
}
