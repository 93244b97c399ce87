// Package profile holds per-user affiliation and role grants.
package profile

import (
	"context"
	"errors"
	"time"
)

var ErrProfileNotFound = errors.New("profile: not found")

// Role names.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Profile links a user to a church and to their current individual
// subscription. Empty IDs mean no link.
type Profile struct {
	UserID         string    `json:"userId"`
	Email          string    `json:"email,omitempty"`
	TenantID       string    `json:"tenantId,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RoleGrant gives a user a role, scoped to a tenant or global when
// TenantID is empty.
type RoleGrant struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenantId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists profiles and role grants. Setters create the profile
// when it does not exist yet.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	SetEmail(ctx context.Context, userID, email string, at time.Time) error
	SetTenant(ctx context.Context, userID, tenantID string, at time.Time) error
	SetSubscription(ctx context.Context, userID, subscriptionID string, at time.Time) error
	// ClearSubscription unlinks the individual subscription only while it
	// still equals ifCurrent, and reports whether it did.
	ClearSubscription(ctx context.Context, userID, ifCurrent string, at time.Time) (bool, error)

	// GrantRole is idempotent per (user, role, tenant).
	GrantRole(ctx context.Context, g *RoleGrant) error
	HasRole(ctx context.Context, userID, role, tenantID string) (bool, error)
	ListRoles(ctx context.Context, userID string) ([]*RoleGrant, error)
}
