// Package eventbus provides an in-memory, asynchronous event bus.
// Events are partitioned by key across a fixed set of workers, so events
// sharing a key are processed one at a time in publish order while events
// with different keys run in parallel.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultWorkers    = 3
	defaultBufferSize = 100
)

// EventBus is the interface for publishing events and managing subscribers.
type EventBus interface {
	// Publish enqueues an event on the partition owning key. It never blocks:
	// if that partition's buffer is full the event is dropped, a warning is
	// logged and false is returned.
	Publish(eventType, key string, payload map[string]string) bool

	// Subscribe registers a listener that will be called for every published event.
	// Subscribe must be called before the first Publish.
	Subscribe(listener Listener)

	// Close stops accepting new events and waits for all pending events to be processed.
	Close()
}

type partitionedBus struct {
	partitions []chan Event
	listeners  []Listener
	mu         sync.RWMutex
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closed     bool
	logger     *slog.Logger
}

// New creates a bus with the given number of workers, each owning one
// partition buffered to bufferSize. Non-positive values select defaults.
func New(workers, bufferSize int, logger *slog.Logger) EventBus {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &partitionedBus{
		partitions: make([]chan Event, workers),
		logger:     logger,
	}
	for i := range b.partitions {
		b.partitions[i] = make(chan Event, bufferSize)
	}
	b.startWorkers()
	return b
}

func (b *partitionedBus) startWorkers() {
	for _, ch := range b.partitions {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for e := range ch {
				b.dispatch(e)
			}
		}()
	}
}

// dispatch calls all registered listeners for the given event.
// Each listener is invoked with panic recovery to prevent one bad listener
// from affecting others.
func (b *partitionedBus) dispatch(e Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("eventbus listener panicked", "event_type", e.Type, "key", e.Key, "panic", r)
				}
			}()
			l(e)
		}()
	}
}

func (b *partitionedBus) Publish(eventType, key string, payload map[string]string) bool {
	e := Event{
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	ch := b.partitions[xxhash.Sum64String(key)%uint64(len(b.partitions))]
	select {
	case ch <- e:
		return true
	default:
		b.logger.Warn("eventbus partition full, dropping event", "event_type", eventType, "key", key)
		return false
	}
}

func (b *partitionedBus) Subscribe(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// Close drains and closes every partition, then waits for all workers to finish.
func (b *partitionedBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, ch := range b.partitions {
			close(ch)
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
}
