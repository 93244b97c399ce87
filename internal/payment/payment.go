// Package payment records users' claims of having paid for a plan.
//
// A pending payment carries the confirmation code the requester puts on
// the PIX transfer; a reviewer matches it against the bank statement and
// resolves the claim exactly once. For one (user, plan) pair at most one
// claim is pending at a time, and asking again returns that claim.
package payment

import (
	"errors"
	"time"

	"github.com/mbd888/ekklesia/internal/money"
	"github.com/mbd888/ekklesia/internal/pagination"
	"github.com/mbd888/ekklesia/internal/plans"
)

var (
	ErrPaymentNotFound  = errors.New("payment: not found")
	ErrAlreadyProcessed = errors.New("payment: already processed")
	ErrDuplicatePending = errors.New("payment: a pending request for this plan already exists")
	ErrCodeTaken        = errors.New("payment: confirmation code already used")
	ErrCodeExhausted    = errors.New("payment: could not generate a unique confirmation code")
	ErrUnauthenticated  = errors.New("payment: caller identity required")
	ErrInvalidPlan      = errors.New("payment: invalid plan")
	ErrValidation       = errors.New("payment: validation failed")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ChurchPayload is the registration data of a church plan request.
type ChurchPayload struct {
	Name             string `json:"name"`
	TaxID            string `json:"taxId,omitempty"`
	Address          string `json:"address,omitempty"`
	ResponsibleName  string `json:"responsibleName,omitempty"`
	ResponsibleEmail string `json:"responsibleEmail,omitempty"`
	ResponsiblePhone string `json:"responsiblePhone,omitempty"`
}

// PendingPayment is one payment claim. It is resolved at most once and
// never deleted.
type PendingPayment struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	RequesterEmail   string         `json:"requesterEmail,omitempty"`
	PlanType         plans.Type     `json:"planType"`
	Amount           money.Cents    `json:"amount"`
	Church           *ChurchPayload `json:"church,omitempty"`
	ConfirmationCode string         `json:"confirmationCode"`
	Status           Status         `json:"status"`
	RejectionReason  string         `json:"rejectionReason,omitempty"`
	ReviewedBy       string         `json:"reviewedBy,omitempty"`
	ReviewedAt       *time.Time     `json:"reviewedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if the payment has been resolved.
func (p *PendingPayment) IsTerminal() bool {
	return p.Status != StatusPending
}

// NotifyEmail is where requester notifications go.
func (p *PendingPayment) NotifyEmail() string {
	if p.RequesterEmail != "" {
		return p.RequesterEmail
	}
	if p.Church != nil {
		return p.Church.ResponsibleEmail
	}
	return ""
}

// Resolution is a reviewer decision.
type Resolution struct {
	Status     Status
	Reason     string
	ReviewerID string
	At         time.Time
}

// ListFilter selects payments for the reviewer queue. Results are newest
// first and continue after Cursor.
type ListFilter struct {
	Status   Status
	UserID   string
	PlanType plans.Type
	Cursor   *pagination.Cursor
	Limit    int
}

func (f ListFilter) matches(p *PendingPayment) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	if f.PlanType != "" && p.PlanType != f.PlanType {
		return false
	}
	return f.Cursor.After(p.CreatedAt, p.ID)
}
