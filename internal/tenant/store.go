package tenant

import (
	"context"
	"time"
)

// Store persists tenants. There is deliberately no generic Update: the
// slug is immutable and the subscription pointer moves only through
// LinkSubscription.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	LinkSubscription(ctx context.Context, tenantID, subscriptionID string, at time.Time) error
}
