package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/pulse/internal/notification"
	"github.com/shaharia-lab/pulse/internal/storage"
)

var errDisk = errors.New("disk I/O error")

func newMockDB(t *testing.T) (*storage.SQLiteEventLog, *storage.SQLiteDeliveryStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return storage.NewSQLiteEventLog(db), storage.NewSQLiteDeliveryStore(db), mock
}

func TestSQLiteEventLog_AppendRecordErrors(t *testing.T) {
	tests := []struct {
		name    string
		result  func(*sqlmock.ExpectedExec)
		wantOff int64
		wantErr string
	}{
		{
			name:    "offset from row id",
			result:  func(e *sqlmock.ExpectedExec) { e.WillReturnResult(sqlmock.NewResult(7, 1)) },
			wantOff: 7,
		},
		{
			name:    "insert fails",
			result:  func(e *sqlmock.ExpectedExec) { e.WillReturnError(errDisk) },
			wantErr: "inserting event log record",
		},
		{
			name:    "row id unavailable",
			result:  func(e *sqlmock.ExpectedExec) { e.WillReturnResult(sqlmock.NewErrorResult(errDisk)) },
			wantErr: "reading event log offset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _, mock := newMockDB(t)
			tt.result(mock.ExpectExec("INSERT INTO event_log").WithArgs([]byte("x"), sqlmock.AnyArg()))

			off, err := log.AppendRecord(context.Background(), []byte("x"))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, errDisk)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOff, off)
		})
	}
}

func TestSQLiteEventLog_ReadFromError(t *testing.T) {
	log, _, mock := newMockDB(t)
	mock.ExpectQuery("SELECT log_offset, data").
		WithArgs(int64(1), 512).
		WillReturnRows(sqlmock.NewRows([]string{"log_offset", "data"}).AddRow(int64(1), []byte("a")))

	mock.ExpectQuery("SELECT log_offset, data").WillReturnError(errDisk)

	var data []string
	var gotErr error
	for rec, err := range log.ReadFrom(context.Background(), 1) {
		if err != nil {
			gotErr = err
			break
		}
		data = append(data, string(rec.Data))
	}
	assert.Equal(t, []string{"a"}, data)
	assert.NoError(t, gotErr, "a short page ends the scan without another query")

	for _, err := range log.ReadFrom(context.Background(), 2) {
		gotErr = err
	}
	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, errDisk)
}

func TestSQLiteEventLog_SyncAndLenErrors(t *testing.T) {
	log, _, mock := newMockDB(t)
	mock.ExpectExec(`PRAGMA wal_checkpoint\(FULL\)`).WillReturnError(errDisk)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event_log`).WillReturnError(errDisk)

	err := log.Sync(context.Background())
	assert.ErrorContains(t, err, "checkpointing event log")

	_, err = log.Len(context.Background())
	assert.ErrorContains(t, err, "counting event log records")
}

func TestSQLiteDeliveryStore_Errors(t *testing.T) {
	t.Run("insert fails", func(t *testing.T) {
		_, store, mock := newMockDB(t)
		mock.ExpectExec("INSERT INTO delivery_log").
			WithArgs("F1", "log", notification.OutcomePermanent, 3, 1, `["event:E1"]`, "boom", sqlmock.AnyArg()).
			WillReturnError(errDisk)

		err := store.RecordDelivery(context.Background(), notification.DeliveryRecord{
			FeedID: "F1", Method: "log", Outcome: notification.OutcomePermanent,
			Attempt: 3, Items: 1, Keys: []string{"event:E1"}, Error: "boom", At: time.Now(),
		})
		assert.ErrorIs(t, err, errDisk)
	})

	t.Run("query fails", func(t *testing.T) {
		_, store, mock := newMockDB(t)
		mock.ExpectQuery("SELECT id, feed_id").WithArgs("", "", 50).WillReturnError(errDisk)

		_, err := store.ListDeliveries(context.Background(), "", 0)
		assert.ErrorContains(t, err, "querying delivery log")
	})

	t.Run("corrupt item keys", func(t *testing.T) {
		_, store, mock := newMockDB(t)
		rows := sqlmock.NewRows([]string{
			"id", "feed_id", "method", "outcome", "attempt", "items", "item_keys", "error_msg", "created_at",
		}).AddRow(int64(9), "F1", "log", "delivered", 1, 1, "not-json", "", time.Now())
		mock.ExpectQuery("SELECT id, feed_id").WithArgs("F1", "F1", 5).WillReturnRows(rows)

		_, err := store.ListDeliveries(context.Background(), "F1", 5)
		assert.ErrorContains(t, err, "decoding item keys of delivery 9")
	})
}
