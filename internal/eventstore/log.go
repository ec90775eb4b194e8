package eventstore

import (
	"context"
	"iter"
	"slices"
	"sync"
)

// LogRecord is one opaque record read back from a Log.
type LogRecord struct {
	Offset int64
	Data   []byte
}

// Log is the durable, append-only byte log the store is built on.
// Implementations must return records from ReadFrom in offset order.
type Log interface {
	// AppendRecord appends data and returns its offset.
	AppendRecord(ctx context.Context, data []byte) (int64, error)
	// ReadFrom lazily yields records with offset >= offset. Iteration is
	// finite and may be restarted.
	ReadFrom(ctx context.Context, offset int64) iter.Seq2[LogRecord, error]
	// Sync is the durability barrier: records appended before it returns
	// survive a crash.
	Sync(ctx context.Context) error
}

// MemoryLog is a volatile Log used in tests and for ephemeral engines.
type MemoryLog struct {
	mu      sync.RWMutex
	records [][]byte
	syncs   int
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// AppendRecord stores a copy of data.
func (m *MemoryLog) AppendRecord(ctx context.Context, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, slices.Clone(data))
	return int64(len(m.records) - 1), nil
}

// ReadFrom yields the records present when iteration starts.
func (m *MemoryLog) ReadFrom(ctx context.Context, offset int64) iter.Seq2[LogRecord, error] {
	return func(yield func(LogRecord, error) bool) {
		m.mu.RLock()
		snapshot := m.records[:len(m.records):len(m.records)]
		m.mu.RUnlock()

		if offset < 0 {
			offset = 0
		}
		for i := offset; i < int64(len(snapshot)); i++ {
			if err := ctx.Err(); err != nil {
				yield(LogRecord{}, err)
				return
			}
			if !yield(LogRecord{Offset: i, Data: snapshot[i]}, nil) {
				return
			}
		}
	}
}

// Sync counts barrier calls; memory is never durable.
func (m *MemoryLog) Sync(_ context.Context) error {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Syncs returns how many times Sync was called.
func (m *MemoryLog) Syncs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncs
}
