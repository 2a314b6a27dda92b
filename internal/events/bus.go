// Package events implements the in-process typed event bus that
// replaces the source's callback-style emitters (§9 Design Notes).
// The Upstream Event Session publishes normalized records onto a
// bounded channel; the Dispatcher is the sole consumer. The Chat
// Session and the HTTP layer do not publish here: they call the
// Counter Engine and the Room Multiplexer directly.
package events

import (
	"overlaycaster/pkg/logging"
	"overlaycaster/pkg/models"
)

// DefaultCapacity bounds the channel so a stalled Dispatcher causes
// new events to be dropped (see Publish) rather than growing memory
// unboundedly; publishers never block.
const DefaultCapacity = 256

// Bus is a single bounded, multi-producer, single-consumer channel of
// normalized events.
type Bus struct {
	ch     chan models.Event
	logger logging.Logger
}

// New creates a Bus with the given buffer capacity.
func New(capacity int, logger logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ch: make(chan models.Event, capacity), logger: logger}
}

// Publish enqueues an event. If the buffer is full the event is
// dropped and logged rather than blocking the publisher indefinitely —
// events are ephemeral by design (§1 Non-goals: no durable event log).
func (b *Bus) Publish(e models.Event) {
	select {
	case b.ch <- e:
	default:
		if b.logger != nil {
			b.logger.WithFields(logging.Fields{
				"tenant_id": e.TenantID,
				"kind":      string(e.Kind),
			}).Warn("event bus full, dropping event")
		}
	}
}

// Events returns the receive-only channel the Dispatcher consumes from.
func (b *Bus) Events() <-chan models.Event {
	return b.ch
}
