// Package subscription stores access grants and their lifecycle.
//
// A subscription moves active → expired → cancelled by elapsed time, or
// active → cancelled when a newer subscription supersedes it. Status
// changes are compare-and-swap at the store so concurrent sweeps and
// approvals cannot both win.
package subscription

import (
	"errors"
	"time"

	"github.com/mbd888/ekklesia/internal/plans"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	ErrStatusConflict       = errors.New("subscription: status changed concurrently")
	ErrInvalidTransition    = errors.New("subscription: invalid status transition")
)

// Term is the fixed length of every subscription.
const Term = 30 * 24 * time.Hour

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// HolderType is fixed at creation.
type HolderType string

const (
	HolderTenant HolderType = "tenant"
	HolderUser   HolderType = "user"
)

// Subscription grants a plan to one holder for one term.
type Subscription struct {
	ID           string     `json:"id"`
	PlanType     plans.Type `json:"planType"`
	HolderType   HolderType `json:"holderType"`
	HolderID     string     `json:"holderId"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	SupersededBy string     `json:"supersededBy,omitempty"`
	PaymentID    string     `json:"paymentId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// New builds an active subscription starting at now for one Term.
func New(id string, plan plans.Type, holderType HolderType, holderID string, now time.Time) *Subscription {
	return &Subscription{
		ID:         id,
		PlanType:   plan,
		HolderType: holderType,
		HolderID:   holderID,
		Status:     StatusActive,
		StartedAt:  now,
		ExpiresAt:  now.Add(Term),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HolderTypeFor returns the holder type a plan's subscriptions use.
func HolderTypeFor(t plans.Type) HolderType {
	if t.IsChurchTier() {
		return HolderTenant
	}
	return HolderUser
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusExpired || to == StatusCancelled
	case StatusExpired:
		return to == StatusCancelled
	}
	return false
}

// Filter selects subscriptions. Zero fields match everything.
type Filter struct {
	Status     Status
	HolderType HolderType
	HolderID   string
	// ExpiresBefore matches expires_at <= ExpiresBefore.
	ExpiresBefore *time.Time
	// ExpiresAfter matches expires_at > ExpiresAfter. With AfterID it
	// becomes the keyset (expires_at, id) > (ExpiresAfter, AfterID).
	ExpiresAfter *time.Time
	AfterID      string
	Limit        int
}

func (f Filter) matches(s *Subscription) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.HolderType != "" && s.HolderType != f.HolderType {
		return false
	}
	if f.HolderID != "" && s.HolderID != f.HolderID {
		return false
	}
	if f.ExpiresBefore != nil && s.ExpiresAt.After(*f.ExpiresBefore) {
		return false
	}
	if f.ExpiresAfter != nil {
		if f.AfterID != "" && s.ExpiresAt.Equal(*f.ExpiresAfter) {
			return s.ID > f.AfterID
		}
		if !s.ExpiresAt.After(*f.ExpiresAfter) {
			return false
		}
	}
	return true
}
