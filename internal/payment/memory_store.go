package payment

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/mbd888/ekklesia/internal/plans"
)

// MemoryStore is an in-memory payment store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*PendingPayment
	codes    map[string]string // confirmation code → ID
	pending  map[string]string // user|plan → ID of the open payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*PendingPayment),
		codes:    make(map[string]string),
		pending:  make(map[string]string),
	}
}

func pendingKey(userID string, plan plans.Type) string {
	return userID + "|" + string(plan)
}

func (m *MemoryStore) Create(_ context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.ID]; exists {
		return fmt.Errorf("payment: duplicate id %s", p.ID)
	}
	if _, taken := m.codes[p.ConfirmationCode]; taken {
		return ErrCodeTaken
	}
	key := pendingKey(p.UserID, p.PlanType)
	if p.Status == StatusPending {
		if _, open := m.pending[key]; open {
			return ErrDuplicatePending
		}
		m.pending[key] = p.ID
	}
	m.payments[p.ID] = clone(p)
	m.codes[p.ConfirmationCode] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clone(p), nil
}

// GetForUpdate is Get; callers serialize through the memory TxRunner.
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*PendingPayment, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) FindPending(_ context.Context, userID string, plan plans.Type) (*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pending[pendingKey(userID, plan)]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clone(m.payments[id]), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*PendingPayment, error) {
	return m.List(ctx, ListFilter{UserID: userID, Limit: limit})
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingPayment
	for _, p := range m.payments {
		if f.matches(p) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.codes[code]
	return ok, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, r Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	at := r.At
	p.Status = r.Status
	p.RejectionReason = r.Reason
	p.ReviewedBy = r.ReviewerID
	p.ReviewedAt = &at
	p.UpdatedAt = at
	delete(m.pending, pendingKey(p.UserID, p.PlanType))
	return nil
}

// Checkpoint snapshots the store and returns a function that restores it.
func (m *MemoryStore) Checkpoint() func() {
	m.mu.RLock()
	payments := make(map[string]*PendingPayment, len(m.payments))
	for id, p := range m.payments {
		payments[id] = clone(p)
	}
	codes := maps.Clone(m.codes)
	pending := maps.Clone(m.pending)
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payments, m.codes, m.pending = payments, codes, pending
	}
}

func clone(p *PendingPayment) *PendingPayment {
	cp := *p
	if p.Church != nil {
		church := *p.Church
		cp.Church = &church
	}
	if p.ReviewedAt != nil {
		t := *p.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
