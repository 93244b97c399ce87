package payment

import (
	"context"

	"github.com/mbd888/ekklesia/internal/plans"
)

// Store persists pending payments.
type Store interface {
	// Create inserts p. It fails with ErrDuplicatePending when the user
	// already has a pending payment for the plan, and with ErrCodeTaken
	// when the confirmation code is in use.
	Create(ctx context.Context, p *PendingPayment) error
	Get(ctx context.Context, id string) (*PendingPayment, error)
	// GetForUpdate is Get that also locks the row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*PendingPayment, error)
	// FindPending returns the open payment for (userID, plan), or
	// ErrPaymentNotFound.
	FindPending(ctx context.Context, userID string, plan plans.Type) (*PendingPayment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*PendingPayment, error)
	List(ctx context.Context, f ListFilter) ([]*PendingPayment, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// Resolve moves a pending payment to a terminal status. It fails with
	// ErrAlreadyProcessed unless the stored status is still pending.
	Resolve(ctx context.Context, id string, r Resolution) error
}
