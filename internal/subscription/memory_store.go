package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[s.ID]; exists {
		return fmt.Errorf("subscription: duplicate id %s", s.ID)
	}
	m.subs[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if f.matches(s) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, at time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if s.Status != from {
		return ErrStatusConflict
	}
	s.Status = to
	s.UpdatedAt = at
	if to == StatusCancelled {
		cancelled := at
		s.CancelledAt = &cancelled
	}
	return nil
}

func (m *MemoryStore) Supersede(_ context.Context, id, newer string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	s.SupersededBy = newer
	s.UpdatedAt = at
	return nil
}

// Checkpoint snapshots the store and returns a function that restores it.
func (m *MemoryStore) Checkpoint() func() {
	m.mu.RLock()
	snap := make(map[string]*Subscription, len(m.subs))
	for id, s := range m.subs {
		snap[id] = clone(s)
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs = snap
	}
}

func clone(s *Subscription) *Subscription {
	cp := *s
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
