// Package eventbus is the in-process pub/sub fabric between the graph
// stores, the discovery scheduler, the loop caches, and the API stream.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradeweave/loopengine/internal/models"
)

// Event is one tenant-scoped occurrence routed through the bus.
type Event struct {
	Type     string
	TenantID string
	// Version is the graph version the producer observed, when it has one.
	Version   uint64
	Timestamp time.Time
	Payload   models.EventPayload
}

// Bus is an in-process event bus that routes events to subscribers
// based on event type. It uses Go channels for delivery and is
// safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	closed      bool
	dropped     atomic.Uint64
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe registers a channel to receive events of the given type.
// The caller is responsible for creating the channel with sufficient
// buffer capacity; slow subscribers will have events dropped.
func (b *Bus) Subscribe(eventType string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

// Publish sends an event to all subscribers registered for that event type.
// If a subscriber's channel is full, the event is dropped for that subscriber
// and counted. Publish is a no-op after Close has been called.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were lost to full subscriber
// channels since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close marks the bus as closed. After Close, Publish is a no-op.
// Close does not close subscriber channels; that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
