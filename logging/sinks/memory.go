package sinks

import (
	"context"
	"sync"

	"netsim/server/logging"
)

// Memory keeps routed events in memory. A positive limit keeps only the most
// recent events.
type Memory struct {
	mu     sync.RWMutex
	events []logging.Event
	limit  int
	closed bool
}

func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (s *Memory) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Extra != nil {
		extra := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			extra[k] = v
		}
		event.Extra = extra
	}
	event.Targets = append([]logging.EntityRef(nil), event.Targets...)
	s.events = append(s.events, event)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = append(s.events[:0], s.events[len(s.events)-s.limit:]...)
	}
	return nil
}

// Events returns a copy of the retained events in arrival order.
func (s *Memory) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]logging.Event(nil), s.events...)
}

// OfType returns the retained events of type typ.
func (s *Memory) OfType(typ logging.EventType) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []logging.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *Memory) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
}

func (s *Memory) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the router closed the sink.
func (s *Memory) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
