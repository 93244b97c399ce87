package subscription

import (
	"context"
	"time"
)

// Store persists subscriptions. Holder and plan never change after Create.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	// List returns matches ordered by expires_at ascending.
	List(ctx context.Context, f Filter) ([]*Subscription, error)
	// Transition moves id from → to, failing with ErrStatusConflict when
	// the stored status is no longer from. Moving to cancelled stamps
	// cancelled_at.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) error
	// Supersede records that id was replaced by newer.
	Supersede(ctx context.Context, id, newer string, at time.Time) error
}
