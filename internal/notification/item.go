package notification

import (
	"fmt"
	"slices"
	"time"
)

// Kind identifies what produced an item.
type Kind string

const (
	KindEvent Kind = "event"
	KindAlert Kind = "alert"
)

// Item is one deliverable unit: a committed event or a fired alert.
// Alerts carry the tags of their correlated event, if any.
type Item struct {
	Kind          Kind           `json:"kind"`
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Tags          []string       `json:"tags"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	// ScheduledFor is the trigger time of a fired alert.
	ScheduledFor time.Time `json:"scheduled_for,omitzero"`
}

// Key identifies the item for duplicate suppression. Each fire of a
// recurring alert has its own key.
func (it Item) Key() string {
	if it.Kind == KindAlert {
		return fmt.Sprintf("alert:%s@%d", it.ID, it.ScheduledFor.UnixNano())
	}
	return "event:" + it.ID
}

func (it Item) hasTag(tag string) bool {
	return slices.Contains(it.Tags, tag)
}

// Delivery is a batch handed to a sink in one call.
type Delivery struct {
	FeedID  string
	Method  string
	Format  Format
	Targets []string
	Attempt int
	Items   []Item
	Subject string
	Body    string
}
