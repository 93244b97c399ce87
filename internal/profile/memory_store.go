package profile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory profile store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // by user ID
	grants   map[grantKey]*RoleGrant
}

type grantKey struct {
	userID, role, tenantID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		grants:   make(map[grantKey]*RoleGrant),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

// upsert returns the stored profile for userID, creating it if needed.
// Caller must hold the write lock.
func (m *MemoryStore) upsert(userID string, at time.Time) *Profile {
	p, ok := m.profiles[userID]
	if !ok {
		p = &Profile{UserID: userID}
		m.profiles[userID] = p
	}
	p.UpdatedAt = at
	return p
}

func (m *MemoryStore) SetEmail(_ context.Context, userID, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(userID, at).Email = email
	return nil
}

func (m *MemoryStore) SetTenant(_ context.Context, userID, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(userID, at).TenantID = tenantID
	return nil
}

func (m *MemoryStore) SetSubscription(_ context.Context, userID, subscriptionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(userID, at).SubscriptionID = subscriptionID
	return nil
}

func (m *MemoryStore) ClearSubscription(_ context.Context, userID, ifCurrent string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok || p.SubscriptionID == "" || p.SubscriptionID != ifCurrent {
		return false, nil
	}
	p.SubscriptionID = ""
	p.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) GrantRole(_ context.Context, g *RoleGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := grantKey{g.UserID, g.Role, g.TenantID}
	if _, exists := m.grants[k]; exists {
		return nil
	}
	cp := *g
	m.grants[k] = &cp
	return nil
}

func (m *MemoryStore) HasRole(_ context.Context, userID, role, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[grantKey{userID, role, tenantID}]
	return ok, nil
}

func (m *MemoryStore) ListRoles(_ context.Context, userID string) ([]*RoleGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RoleGrant
	for k, g := range m.grants {
		if k.userID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Checkpoint snapshots the store and returns a function that restores it.
func (m *MemoryStore) Checkpoint() func() {
	m.mu.RLock()
	profiles := make(map[string]*Profile, len(m.profiles))
	for k, p := range m.profiles {
		cp := *p
		profiles[k] = &cp
	}
	grants := make(map[grantKey]*RoleGrant, len(m.grants))
	for k, g := range m.grants {
		cp := *g
		grants[k] = &cp
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.profiles = profiles
		m.grants = grants
	}
}

var _ Store = (*MemoryStore)(nil)
