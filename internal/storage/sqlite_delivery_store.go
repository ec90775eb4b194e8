package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shaharia-lab/pulse/internal/notification"
)

const defaultDeliveryListLimit = 50

// SQLiteDeliveryStore implements DeliveryStore backed by SQLite.
type SQLiteDeliveryStore struct {
	db *sql.DB
}

var _ notification.DeliveryLog = (*SQLiteDeliveryStore)(nil)

// NewSQLiteDeliveryStore returns a new SQLiteDeliveryStore.
func NewSQLiteDeliveryStore(db *sql.DB) *SQLiteDeliveryStore {
	return &SQLiteDeliveryStore{db: db}
}

// RecordDelivery inserts a delivery attempt into the database.
func (s *SQLiteDeliveryStore) RecordDelivery(ctx context.Context, rec notification.DeliveryRecord) error {
	keys := rec.Keys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding item keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_log (feed_id, method, outcome, attempt, items, item_keys, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FeedID, rec.Method, rec.Outcome, rec.Attempt, rec.Items,
		string(keysJSON), rec.Error, rec.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery log: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent entries ordered newest first.
func (s *SQLiteDeliveryStore) ListDeliveries(ctx context.Context, feedID string, limit int) (entries []DeliveryLogEntry, err error) {
	if limit <= 0 {
		limit = defaultDeliveryListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feed_id, method, outcome, attempt, items, item_keys, error_msg, created_at
		FROM delivery_log
		WHERE ? = '' OR feed_id = ?
		ORDER BY id DESC
		LIMIT ?`, feedID, feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery log: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	entries = []DeliveryLogEntry{}
	for rows.Next() {
		var e DeliveryLogEntry
		var keys string
		if err := rows.Scan(&e.ID, &e.FeedID, &e.Method, &e.Outcome, &e.Attempt,
			&e.Items, &keys, &e.ErrorMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning delivery log row: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &e.Keys); err != nil {
			return nil, fmt.Errorf("decoding item keys of delivery %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery log rows: %w", err)
	}
	return entries, nil
}
