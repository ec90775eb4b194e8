package eventbus_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/pulse/internal/eventbus"
)

func TestPublishAndReceive(t *testing.T) {
	bus := eventbus.New(2, 0, nil)

	var received []eventbus.Event
	var mu sync.Mutex

	bus.Subscribe(func(e eventbus.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	require.True(t, bus.Publish("feed.ready", "F1", map[string]string{"key": "value"}))

	// Close waits for the workers to drain.
	bus.Close()

	require.Len(t, received, 1)
	assert.Equal(t, "feed.ready", received[0].Type)
	assert.Equal(t, "F1", received[0].Key)
	assert.Equal(t, "value", received[0].Payload["key"])
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestSameKeyKeepsPublishOrder(t *testing.T) {
	bus := eventbus.New(4, 1000, nil)

	var mu sync.Mutex
	seen := map[string][]string{}
	bus.Subscribe(func(e eventbus.Event) {
		mu.Lock()
		seen[e.Key] = append(seen[e.Key], e.Payload["n"])
		mu.Unlock()
	})

	for i := range 100 {
		for _, key := range []string{"a", "b", "c"} {
			bus.Publish("tick", key, map[string]string{"n": fmt.Sprint(i)})
		}
	}
	bus.Close()

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, seen[key], 100)
		for i, n := range seen[key] {
			assert.Equal(t, fmt.Sprint(i), n)
		}
	}
}

func TestListenerPanicDoesNotCrash(t *testing.T) {
	bus := eventbus.New(1, 0, nil)

	var goodCalled int32

	bus.Subscribe(func(_ eventbus.Event) {
		panic("intentional panic in listener")
	})
	bus.Subscribe(func(_ eventbus.Event) {
		atomic.AddInt32(&goodCalled, 1)
	})

	bus.Publish("panic.event", "k", nil)
	bus.Close()

	// The second listener should still have been called.
	assert.EqualValues(t, 1, atomic.LoadInt32(&goodCalled))
}

func TestPublishAfterCloseIsRejected(t *testing.T) {
	bus := eventbus.New(2, 0, nil)

	var count int32
	bus.Subscribe(func(_ eventbus.Event) {
		atomic.AddInt32(&count, 1)
	})

	for range 5 {
		bus.Publish("evt", "k", nil)
	}
	bus.Close()
	bus.Close()

	assert.EqualValues(t, 5, atomic.LoadInt32(&count))
	assert.False(t, bus.Publish("evt", "k", nil))
}

func TestFullPartitionDrops(t *testing.T) {
	bus := eventbus.New(1, 1, nil)
	block := make(chan struct{})
	bus.Subscribe(func(_ eventbus.Event) { <-block })

	accepted := 0
	for range 10 {
		if bus.Publish("evt", "k", nil) {
			accepted++
		}
	}
	close(block)
	bus.Close()

	assert.Less(t, accepted, 10)
}

func TestDefaults(t *testing.T) {
	bus := eventbus.New(0, 0, nil)
	require.NotNil(t, bus)
	bus.Close()
}
