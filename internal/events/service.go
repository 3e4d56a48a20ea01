package events

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
)

// Service implements EventService with a channel-keyed pub/sub pattern.
// Publishing is best-effort: handler panics are recovered and logged, and
// slow handlers run on their own goroutine so publishers never block.
type Service struct {
	subscribers map[string]map[int]interfaces.EventHandler
	nextID      int
	mu          sync.RWMutex
	logger      arbor.ILogger
	closed      bool
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[string]map[int]interfaces.EventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for a channel and returns an unsubscribe
// function
func (s *Service) Subscribe(channel string, handler interfaces.EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[int]interfaces.EventHandler)
	}
	id := s.nextID
	s.nextID++
	s.subscribers[channel][id] = handler

	s.logger.Debug().
		Str("channel", channel).
		Int("subscriber_count", len(s.subscribers[channel])).
		Msg("Event handler subscribed")

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[channel], id)
	}
}

// Publish sends an event to all subscribers of a channel asynchronously
func (s *Service) Publish(channel string, event models.Event) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	handlers := make([]interfaces.EventHandler, 0, len(s.subscribers[channel]))
	for _, h := range s.subscribers[channel] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, handler := range handlers {
		go func(h interfaces.EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().
						Str("channel", channel).
						Str("event_type", event.Type).
						Interface("panic", r).
						Msg("Event handler panicked")
				}
			}()
			h(channel, event)
		}(handler)
	}
}

// Close shuts down the event service
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[string]map[int]interfaces.EventHandler)
	s.closed = true
	s.logger.Info().Msg("Event service closed")

	return nil
}
