package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/shaharia-lab/pulse/internal/eventstore"
)

const eventLogPageSize = 512

// SQLiteEventLog implements eventstore.Log on the event_log table. Offsets
// are the table's row ids and start at 1.
type SQLiteEventLog struct {
	db *sql.DB
}

var _ eventstore.Log = (*SQLiteEventLog)(nil)

// NewSQLiteEventLog returns a log backed by db.
func NewSQLiteEventLog(db *sql.DB) *SQLiteEventLog {
	return &SQLiteEventLog{db: db}
}

// AppendRecord inserts data and returns its offset.
func (l *SQLiteEventLog) AppendRecord(ctx context.Context, data []byte) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO event_log (data, appended_at) VALUES (?, ?)",
		data, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event log record: %w", err)
	}
	off, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event log offset: %w", err)
	}
	return off, nil
}

// ReadFrom yields records page by page. No query is held open while the
// caller processes a record, so the caller may append during iteration.
func (l *SQLiteEventLog) ReadFrom(ctx context.Context, offset int64) iter.Seq2[eventstore.LogRecord, error] {
	return func(yield func(eventstore.LogRecord, error) bool) {
		next := offset
		for {
			page, err := l.page(ctx, next)
			if err != nil {
				yield(eventstore.LogRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < eventLogPageSize {
				return
			}
			next = page[len(page)-1].Offset + 1
		}
	}
}

func (l *SQLiteEventLog) page(ctx context.Context, from int64) (page []eventstore.LogRecord, err error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT log_offset, data
		FROM event_log
		WHERE log_offset >= ?
		ORDER BY log_offset
		LIMIT ?`, from, eventLogPageSize)
	if err != nil {
		return nil, fmt.Errorf("querying event log: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	for rows.Next() {
		var rec eventstore.LogRecord
		if err := rows.Scan(&rec.Offset, &rec.Data); err != nil {
			return nil, fmt.Errorf("scanning event log row: %w", err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event log rows: %w", err)
	}
	return page, nil
}

// Sync checkpoints the write-ahead log into the main database file.
func (l *SQLiteEventLog) Sync(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("checkpointing event log: %w", err)
	}
	return nil
}

// Len returns the number of stored records.
func (l *SQLiteEventLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting event log records: %w", err)
	}
	return n, nil
}
