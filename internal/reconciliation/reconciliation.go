// Package reconciliation cross-checks payments, subscriptions and holder
// pointers for states that approval and the sweeper should never leave
// behind. It only reports; nothing is repaired automatically.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ekklesia/internal/pagination"
	"github.com/mbd888/ekklesia/internal/payment"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/tenant"
)

const (
	pageSize = 200

	// DefaultTolerance is how long an active subscription may sit past its
	// expiry before the sweeper is considered behind.
	DefaultTolerance = 2 * time.Hour
)

// Report is the outcome of one reconciliation run. Each list holds IDs.
type Report struct {
	// Approved payments with no subscription referencing them.
	OrphanedApprovals []string `json:"orphanedApprovals"`
	// Active subscriptions past expiry by more than the tolerance.
	OverdueActive []string `json:"overdueActive"`
	// Superseded subscriptions that are still active.
	ActiveSuperseded []string `json:"activeSuperseded"`
	// Current subscriptions the holder pointer does not reference.
	Unlinked []string `json:"unlinked"`

	Subscriptions int           `json:"subscriptionsChecked"`
	Payments      int           `json:"paymentsChecked"`
	CheckedAt     time.Time     `json:"checkedAt"`
	Duration      time.Duration `json:"durationNs"`
}

// Healthy reports whether the run found nothing.
func (r *Report) Healthy() bool {
	return len(r.OrphanedApprovals) == 0 && len(r.OverdueActive) == 0 &&
		len(r.ActiveSuperseded) == 0 && len(r.Unlinked) == 0
}

// Runner executes the checks against the shared repositories.
type Runner struct {
	repos     storage.Repos
	tolerance time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewRunner(repos storage.Repos, logger *slog.Logger) *Runner {
	return &Runner{
		repos:     repos,
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    logger,
	}
}

// WithTolerance overrides DefaultTolerance.
func (r *Runner) WithTolerance(d time.Duration) *Runner {
	if d > 0 {
		r.tolerance = d
	}
	return r
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check and updates the reconciliation gauges.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	started := time.Now()
	now := r.now()
	report := &Report{CheckedAt: now}

	paid, err := r.checkSubscriptions(ctx, now, report)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := r.checkPayments(ctx, paid, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report.Duration = time.Since(started)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileOrphanedApprovals.Set(float64(len(report.OrphanedApprovals)))
	reconcileOverdueActive.Set(float64(len(report.OverdueActive)))
	reconcileActiveSuperseded.Set(float64(len(report.ActiveSuperseded)))
	reconcileUnlinked.Set(float64(len(report.Unlinked)))

	if !report.Healthy() {
		r.logger.Warn("reconciliation found inconsistencies",
			"orphaned_approvals", len(report.OrphanedApprovals),
			"overdue_active", len(report.OverdueActive),
			"active_superseded", len(report.ActiveSuperseded),
			"unlinked", len(report.Unlinked))
	}
	return report, nil
}

// checkSubscriptions walks every subscription in (expires_at, id) order
// and returns the set of payment IDs that produced one.
func (r *Runner) checkSubscriptions(ctx context.Context, now time.Time, report *Report) (map[string]bool, error) {
	paid := make(map[string]bool)
	overdue := now.Add(-r.tolerance)

	f := subscription.Filter{Limit: pageSize}
	for {
		batch, err := r.repos.Subscriptions.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: list subscriptions: %w", err)
		}
		for _, sub := range batch {
			report.Subscriptions++
			if sub.PaymentID != "" {
				paid[sub.PaymentID] = true
			}
			if sub.Status != subscription.StatusActive {
				continue
			}
			if sub.ExpiresAt.Before(overdue) {
				report.OverdueActive = append(report.OverdueActive, sub.ID)
			}
			if sub.SupersededBy != "" {
				report.ActiveSuperseded = append(report.ActiveSuperseded, sub.ID)
				continue
			}
			current, err := r.holderPointer(ctx, sub)
			if err != nil {
				return nil, err
			}
			if current != sub.ID {
				report.Unlinked = append(report.Unlinked, sub.ID)
			}
		}
		if len(batch) < pageSize {
			return paid, nil
		}
		last := batch[len(batch)-1]
		expires := last.ExpiresAt
		f.ExpiresAfter, f.AfterID = &expires, last.ID
	}
}

func (r *Runner) holderPointer(ctx context.Context, sub *subscription.Subscription) (string, error) {
	switch sub.HolderType {
	case subscription.HolderTenant:
		t, err := r.repos.Tenants.Get(ctx, sub.HolderID)
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("reconciliation: tenant %s: %w", sub.HolderID, err)
		}
		return t.SubscriptionID, nil
	default:
		p, err := r.repos.Profiles.Get(ctx, sub.HolderID)
		if errors.Is(err, profile.ErrProfileNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("reconciliation: profile %s: %w", sub.HolderID, err)
		}
		return p.SubscriptionID, nil
	}
}

func (r *Runner) checkPayments(ctx context.Context, paid map[string]bool, report *Report) error {
	f := payment.ListFilter{Status: payment.StatusApproved, Limit: pageSize}
	for {
		batch, err := r.repos.Payments.List(ctx, f)
		if err != nil {
			return fmt.Errorf("reconciliation: list payments: %w", err)
		}
		for _, p := range batch {
			report.Payments++
			if !paid[p.ID] {
				report.OrphanedApprovals = append(report.OrphanedApprovals, p.ID)
			}
		}
		if len(batch) < pageSize {
			return nil
		}
		last := batch[len(batch)-1]
		f.Cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}
