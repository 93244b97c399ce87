// Package tenant stores churches, the billing and access-scope unit of the platform.
package tenant

import (
	"errors"
	"time"
)

var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
)

// Tenant is a church organisation. Slug is unique and never changes once
// assigned; SubscriptionID is the current subscription, empty when unlinked.
type Tenant struct {
	ID                string    `json:"id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name"`
	TaxID             string    `json:"taxId,omitempty"`
	Address           string    `json:"address,omitempty"`
	ResponsibleName   string    `json:"responsibleName,omitempty"`
	ResponsibleEmail  string    `json:"responsibleEmail,omitempty"`
	ResponsiblePhone  string    `json:"responsiblePhone,omitempty"`
	ResponsibleUserID string    `json:"responsibleUserId"`
	Active            bool      `json:"active"`
	SubscriptionID    string    `json:"subscriptionId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
