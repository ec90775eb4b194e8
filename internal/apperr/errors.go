// Package apperr defines the error types shared by the store, scheduler,
// dispatcher and aggregator. Callers match them with errors.As.
package apperr

import (
	"fmt"
	"strings"
	"time"
)

// NotFoundError is returned when a requested resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError is returned when a resource with the same identifier already exists.
// The event store returns it for duplicate caller-supplied event ids.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with id %q already exists", e.Resource, e.ID)
}

// ValidationError is returned when request data fails validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error for %q: %s", e.Field, e.Message)
	}
	return e.Message
}

// LateEventError is returned when an event's timestamp falls into an epoch
// bucket that has already closed.
type LateEventError struct {
	Start time.Time
	End   time.Time
}

func (e *LateEventError) Error() string {
	return fmt.Sprintf("late event: bucket [%s, %s) is closed",
		e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339))
}

// IndexCorruptionError is returned when a replay of the durable log disagrees
// with the live tag index. The listed shards reject writes and queries until
// they are recovered.
type IndexCorruptionError struct {
	Shards []int
}

func (e *IndexCorruptionError) Error() string {
	parts := make([]string, len(e.Shards))
	for i, s := range e.Shards {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return fmt.Sprintf("index corruption detected on shard(s) %s; recovery required", strings.Join(parts, ","))
}

// DeliveryError describes a failed delivery attempt to a feed's sink.
type DeliveryError struct {
	FeedID    string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure for feed %q: %v", kind, e.FeedID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// BackpressureError is returned when ingestion is rejected because a feed with
// the block-ingestion policy has no free buffer capacity.
type BackpressureError struct {
	FeedID   string
	Capacity int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("feed %q buffer is full (capacity %d)", e.FeedID, e.Capacity)
}
