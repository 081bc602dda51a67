package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps events in process. Used when no database is configured
// and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *evt)
	return nil
}

func (s *MemoryStore) ListBySaga(_ context.Context, sagaID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByDeployment(_ context.Context, deploymentID string, limit int) ([]Event, error) {
	return s.newest(limit, func(e Event) bool { return e.Deployment == deploymentID }), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, requester string, limit int) ([]Event, error) {
	return s.newest(limit, func(e Event) bool { return requester == "" || e.Requester == requester }), nil
}

func (s *MemoryStore) newest(limit int, match func(Event) bool) []Event {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if match(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out
}
