package storage

import (
	"context"
	"time"

	"github.com/shaharia-lab/pulse/internal/notification"
)

// DeliveryLogEntry records a single feed delivery attempt.
type DeliveryLogEntry struct {
	ID        int64     `json:"id"`
	FeedID    string    `json:"feed_id"`
	Method    string    `json:"method"`
	Outcome   string    `json:"outcome"`
	Attempt   int       `json:"attempt"`
	Items     int       `json:"items"`
	Keys      []string  `json:"keys"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryStore persists the delivery log of every feed.
type DeliveryStore interface {
	// RecordDelivery stores one delivery attempt.
	RecordDelivery(ctx context.Context, rec notification.DeliveryRecord) error
	// ListDeliveries returns the most recent attempts, newest first, up to
	// limit. An empty feedID lists every feed.
	ListDeliveries(ctx context.Context, feedID string, limit int) ([]DeliveryLogEntry, error)
}
