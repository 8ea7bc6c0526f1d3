package audit

import (
	"context"
	"sync"

	"verifactu/pkg/platform/sentinel"
)

// Store persists audit events. Append must refuse an event whose HashBefore
// differs from the HashAfter of the entity's last event with
// sentinel.ErrInvalidState.
type Store interface {
	Append(ctx context.Context, event *Event) error
	ListByEntity(ctx context.Context, entityID string) ([]*Event, error)
}

// InMemoryStore keeps audit trails in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]*Event)}
}

func (s *InMemoryStore) Append(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trail := s.events[event.EntityID]
	last := ""
	if len(trail) > 0 {
		last = trail[len(trail)-1].HashAfter
	}
	if event.HashBefore != last {
		return sentinel.ErrInvalidState
	}
	c := *event
	s.events[event.EntityID] = append(trail, &c)
	return nil
}

func (s *InMemoryStore) ListByEntity(_ context.Context, entityID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.events[entityID]))
	for _, e := range s.events[entityID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}
