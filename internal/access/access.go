// Package access answers "which plan does this user have right now".
//
// Church membership wins over a personal plan: a member of a church with
// a subscription gets the church's plan whatever they pay for themselves.
// Users with neither get the free plan.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/tenant"
)

var ErrUnauthenticated = errors.New("access: caller identity required")

// Source says where resolved access comes from.
type Source string

const (
	SourceTenant     Source = "tenant"
	SourceIndividual Source = "individual"
	SourceFree       Source = "free"
)

// Access is a user's effective plan.
type Access struct {
	PlanType       plans.Type          `json:"planType"`
	Status         subscription.Status `json:"status"`
	Source         Source              `json:"source"`
	SubscriptionID string              `json:"subscriptionId,omitempty"`
	TenantID       string              `json:"tenantId,omitempty"`
	ExpiresAt      *time.Time          `json:"expiresAt,omitempty"`
	Plan           plans.Plan          `json:"plan"`
}

// Free is the access of users without any subscription.
func Free() Access {
	return Access{
		PlanType: plans.TypeFree,
		Status:   subscription.StatusActive,
		Source:   SourceFree,
		Plan:     plans.Free,
	}
}

// Resolver computes Access from stored pointers. It never writes.
type Resolver struct {
	profiles profile.Store
	tenants  tenant.Store
	subs     subscription.Store
	catalog  *plans.Catalog
}

func NewResolver(repos storage.Repos, catalog *plans.Catalog) *Resolver {
	return &Resolver{
		profiles: repos.Profiles,
		tenants:  repos.Tenants,
		subs:     repos.Subscriptions,
		catalog:  catalog,
	}
}

// Resolve returns userID's effective access. A cancelled subscription
// counts as none; an expired one is reported as expired.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Access, error) {
	if userID == "" {
		return Access{}, ErrUnauthenticated
	}
	prof, err := r.profiles.Get(ctx, userID)
	if errors.Is(err, profile.ErrProfileNotFound) {
		return Free(), nil
	}
	if err != nil {
		return Access{}, fmt.Errorf("access: load profile: %w", err)
	}

	if prof.TenantID != "" {
		t, err := r.tenants.Get(ctx, prof.TenantID)
		switch {
		case err == nil && t.SubscriptionID != "":
			sub, err := r.current(ctx, t.SubscriptionID)
			if err != nil {
				return Access{}, err
			}
			if sub != nil {
				a := r.from(sub, SourceTenant)
				a.TenantID = t.ID
				return a, nil
			}
		case err != nil && !errors.Is(err, tenant.ErrTenantNotFound):
			return Access{}, fmt.Errorf("access: load tenant: %w", err)
		}
	}

	if prof.SubscriptionID != "" {
		sub, err := r.current(ctx, prof.SubscriptionID)
		if err != nil {
			return Access{}, err
		}
		if sub != nil {
			return r.from(sub, SourceIndividual), nil
		}
	}
	return Free(), nil
}

// current loads a pointed-to subscription, or nil when it is gone or
// cancelled.
func (r *Resolver) current(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := r.subs.Get(ctx, id)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("access: load subscription: %w", err)
	}
	if sub.Status == subscription.StatusCancelled {
		return nil, nil
	}
	return sub, nil
}

func (r *Resolver) from(sub *subscription.Subscription, src Source) Access {
	plan, err := r.catalog.Lookup(sub.PlanType)
	if err != nil {
		plan = plans.Plan{Type: sub.PlanType, Name: string(sub.PlanType)}
	}
	expires := sub.ExpiresAt
	return Access{
		PlanType:       sub.PlanType,
		Status:         sub.Status,
		Source:         src,
		SubscriptionID: sub.ID,
		ExpiresAt:      &expires,
		Plan:           plan,
	}
}
