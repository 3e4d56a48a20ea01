package interfaces

import "github.com/ternarybob/conductor/internal/models"

// EventHandler receives events published to a subscribed channel
type EventHandler func(channel string, event models.Event)

// EventService is a topic/channel publisher. Publish is non-blocking and
// best-effort: delivery failures never propagate to the caller because the
// job store, not the bus, is the source of truth.
type EventService interface {
	// Publish sends an event to all subscribers of a channel
	Publish(channel string, event models.Event)

	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function
	Subscribe(channel string, handler EventHandler) func()

	// Close shuts down the event service
	Close() error
}
