package eventbus

import "time"

// Event is a message published to the bus. Key selects the partition.
type Event struct {
	Type      string            `json:"type"`
	Key       string            `json:"key"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Listener is a function that handles an event.
type Listener func(Event)
