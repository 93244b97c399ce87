// Package approval turns reviewer decisions on pending payments into
// tenants and subscriptions.
//
// Approving runs as one storage unit of work: the payment row is locked,
// the church (for church tiers) and the subscription are provisioned and
// linked, and the payment is marked approved last. Any failure rolls the
// whole unit back and leaves the payment pending, so a reviewer can retry
// without finding a half-provisioned church behind.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/ekklesia/internal/idgen"
	"github.com/mbd888/ekklesia/internal/metrics"
	"github.com/mbd888/ekklesia/internal/notify"
	"github.com/mbd888/ekklesia/internal/payment"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/realtime"
	"github.com/mbd888/ekklesia/internal/slug"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/tenant"
	"github.com/mbd888/ekklesia/internal/traces"
)

var (
	ErrReasonRequired     = errors.New("approval: rejection reason is required")
	ErrReasonTooLong      = errors.New("approval: rejection reason is too long")
	ErrPlanNotFound       = errors.New("approval: plan not found")
	ErrMissingChurch      = errors.New("approval: church plan payment has no church data")
	ErrProvisioningFailed = errors.New("approval: provisioning failed, payment left pending")
)

// MaxReasonLength bounds rejection reasons.
const MaxReasonLength = 500

// maxAttempts bounds how often a unit is retried after losing a slug race.
const maxAttempts = 3

// Result describes what an approval provisioned.
type Result struct {
	Payment      *payment.PendingPayment    `json:"payment"`
	Subscription *subscription.Subscription `json:"subscription"`
	// Tenant is set for church plans.
	Tenant *tenant.Tenant `json:"tenant,omitempty"`
	// Superseded is the holder's previous current subscription, if any.
	Superseded string `json:"superseded,omitempty"`
	// Renewal is true when a church plan was applied to the church the
	// requester already administers instead of creating a new one.
	Renewal bool `json:"renewal,omitempty"`
}

// Service resolves pending payments.
type Service struct {
	tx       storage.TxRunner
	catalog  *plans.Catalog
	notifier notify.Notifier
	events   realtime.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(tx storage.TxRunner, catalog *plans.Catalog, logger *slog.Logger) *Service {
	return &Service{
		tx:       tx,
		catalog:  catalog,
		notifier: notify.Nop{},
		events:   realtime.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds welcome and rejection emails.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents adds reviewer feed events.
func (s *Service) WithEvents(p realtime.Publisher) *Service {
	s.events = p
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Approve provisions the plan paid for by paymentID and marks the payment
// approved. It fails with payment.ErrAlreadyProcessed when the payment is
// no longer pending, ErrPlanNotFound when its plan left the catalog, and
// ErrProvisioningFailed when the unit had to be rolled back.
func (s *Service) Approve(ctx context.Context, paymentID, reviewerID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "approval.Approve",
		traces.PaymentID(paymentID), traces.UserID(reviewerID))
	defer func() { traces.End(span, err) }()

	if reviewerID == "" {
		return nil, payment.ErrUnauthenticated
	}

	for attempt := 1; ; attempt++ {
		now := s.now()
		err = s.tx.WithinTx(ctx, func(ctx context.Context, r storage.Repos) error {
			var perr error
			res, perr = s.provision(ctx, r, paymentID, reviewerID, now)
			return perr
		})
		if errors.Is(err, tenant.ErrSlugTaken) && attempt < maxAttempts {
			s.logger.Info("slug taken concurrently, retrying approval", "payment", paymentID, "attempt", attempt)
			continue
		}
		break
	}

	if err != nil {
		res = nil
		switch {
		case errors.Is(err, payment.ErrPaymentNotFound),
			errors.Is(err, payment.ErrAlreadyProcessed),
			errors.Is(err, ErrPlanNotFound):
			return nil, err
		}
		metrics.ProvisioningFailuresTotal.Inc()
		s.logger.Error("approval rolled back", "payment", paymentID, "reviewer", reviewerID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	s.afterApprove(ctx, res)
	return res, nil
}

// provision is one approval unit. The payment is resolved last so an
// earlier failure leaves it pending.
func (s *Service) provision(ctx context.Context, r storage.Repos, paymentID, reviewerID string, now time.Time) (*Result, error) {
	p, err := r.Payments.GetForUpdate(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusPending {
		return nil, fmt.Errorf("%w: payment is %s", payment.ErrAlreadyProcessed, p.Status)
	}
	plan, err := s.catalog.Lookup(p.PlanType)
	if err != nil || plan.Type == plans.TypeFree {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, p.PlanType)
	}

	res := &Result{}
	holderID := p.UserID
	var previous string

	if plan.IsChurchTier() {
		t, renewal, err := s.churchFor(ctx, r, p, now)
		if err != nil {
			return nil, err
		}
		res.Tenant, res.Renewal = t, renewal
		holderID = t.ID
		previous = t.SubscriptionID
	} else {
		prof, err := r.Profiles.Get(ctx, p.UserID)
		switch {
		case err == nil:
			previous = prof.SubscriptionID
		case !errors.Is(err, profile.ErrProfileNotFound):
			return nil, err
		}
	}

	sub := subscription.New(idgen.WithPrefix("sub_"), plan.Type, subscription.HolderTypeFor(plan.Type), holderID, now)
	sub.PaymentID = p.ID
	if err := r.Subscriptions.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	if previous != "" {
		if err := supersede(ctx, r, previous, sub.ID, now); err != nil {
			return nil, err
		}
		res.Superseded = previous
	}

	if plan.IsChurchTier() {
		err = r.Tenants.LinkSubscription(ctx, holderID, sub.ID, now)
	} else {
		err = r.Profiles.SetSubscription(ctx, holderID, sub.ID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("link subscription: %w", err)
	}
	if p.RequesterEmail != "" {
		if err := r.Profiles.SetEmail(ctx, p.UserID, p.RequesterEmail, now); err != nil {
			return nil, fmt.Errorf("record email: %w", err)
		}
	}
	if res.Tenant != nil {
		res.Tenant.SubscriptionID = sub.ID
		res.Tenant.UpdatedAt = now
	}

	if err := r.Payments.Resolve(ctx, p.ID, payment.Resolution{
		Status:     payment.StatusApproved,
		ReviewerID: reviewerID,
		At:         now,
	}); err != nil {
		return nil, err
	}
	p.Status = payment.StatusApproved
	p.ReviewedBy = reviewerID
	p.ReviewedAt = &now
	p.UpdatedAt = now

	res.Payment = p
	res.Subscription = sub
	return res, nil
}

// churchFor returns the church a church-tier payment pays for. A requester
// who already administers a church renews or upgrades it; anyone else
// registers a new church from the payment's church data.
func (s *Service) churchFor(ctx context.Context, r storage.Repos, p *payment.PendingPayment, now time.Time) (*tenant.Tenant, bool, error) {
	prof, err := r.Profiles.Get(ctx, p.UserID)
	if err != nil && !errors.Is(err, profile.ErrProfileNotFound) {
		return nil, false, err
	}
	if prof != nil && prof.TenantID != "" {
		admin, err := r.Profiles.HasRole(ctx, p.UserID, profile.RoleAdmin, prof.TenantID)
		if err != nil {
			return nil, false, err
		}
		if admin {
			t, err := r.Tenants.Get(ctx, prof.TenantID)
			if err != nil {
				return nil, false, fmt.Errorf("load church %s: %w", prof.TenantID, err)
			}
			return t, true, nil
		}
	}

	if p.Church == nil || strings.TrimSpace(p.Church.Name) == "" {
		return nil, false, ErrMissingChurch
	}
	sl, err := slug.NewAllocator(r.Tenants).Allocate(ctx, p.Church.Name)
	if err != nil {
		return nil, false, err
	}
	responsibleEmail := p.Church.ResponsibleEmail
	if responsibleEmail == "" {
		responsibleEmail = p.RequesterEmail
	}
	t := &tenant.Tenant{
		ID:                idgen.WithPrefix("ten_"),
		Slug:              sl,
		Name:              strings.TrimSpace(p.Church.Name),
		TaxID:             p.Church.TaxID,
		Address:           p.Church.Address,
		ResponsibleName:   p.Church.ResponsibleName,
		ResponsibleEmail:  responsibleEmail,
		ResponsiblePhone:  p.Church.ResponsiblePhone,
		ResponsibleUserID: p.UserID,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.Tenants.Create(ctx, t); err != nil {
		return nil, false, fmt.Errorf("create church: %w", err)
	}
	if err := r.Profiles.GrantRole(ctx, &profile.RoleGrant{
		ID:        idgen.WithPrefix("rg_"),
		UserID:    p.UserID,
		Role:      profile.RoleAdmin,
		TenantID:  t.ID,
		CreatedAt: now,
	}); err != nil {
		return nil, false, fmt.Errorf("grant admin: %w", err)
	}
	if err := r.Profiles.SetTenant(ctx, p.UserID, t.ID, now); err != nil {
		return nil, false, fmt.Errorf("affiliate responsible: %w", err)
	}
	return t, false, nil
}

// supersede points the holder's previous subscription at its successor
// and ends it if it is still active. A dangling pointer is ignored.
func supersede(ctx context.Context, r storage.Repos, previous, successor string, now time.Time) error {
	old, err := r.Subscriptions.Get(ctx, previous)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.Subscriptions.Supersede(ctx, old.ID, successor, now); err != nil {
		return fmt.Errorf("supersede %s: %w", old.ID, err)
	}
	if old.Status == subscription.StatusActive {
		if err := r.Subscriptions.Transition(ctx, old.ID, subscription.StatusActive, subscription.StatusCancelled, now); err != nil {
			return fmt.Errorf("cancel superseded %s: %w", old.ID, err)
		}
	}
	return nil
}

func (s *Service) afterApprove(ctx context.Context, res *Result) {
	p, sub := res.Payment, res.Subscription

	metrics.PaymentsResolvedTotal.WithLabelValues(string(payment.StatusApproved)).Inc()
	metrics.SubscriptionsTransitionedTotal.WithLabelValues(string(subscription.StatusActive), "approved").Inc()
	if res.Superseded != "" {
		metrics.SubscriptionsTransitionedTotal.WithLabelValues(string(subscription.StatusCancelled), "superseded").Inc()
	}

	log := s.logger.With("payment", p.ID, "subscription", sub.ID, "plan", sub.PlanType)
	data := map[string]any{
		"paymentId":      p.ID,
		"userId":         p.UserID,
		"planType":       string(p.PlanType),
		"subscriptionId": sub.ID,
		"reviewerId":     p.ReviewedBy,
		"expiresAt":      sub.ExpiresAt,
	}
	vars := map[string]string{
		"plan_name":  s.planName(p.PlanType),
		"expires_at": sub.ExpiresAt.Format("02/01/2006"),
	}
	if p.Church != nil {
		vars["name"] = p.Church.ResponsibleName
	}
	if t := res.Tenant; t != nil {
		data["tenantId"] = t.ID
		data["slug"] = t.Slug
		vars["church_slug"] = t.Slug
		log.Info("church plan approved", "tenant", t.ID, "slug", t.Slug, "renewal", res.Renewal)
	} else {
		log.Info("individual plan approved", "user", p.UserID)
	}

	s.events.Publish(realtime.EventPaymentApproved, data)
	if res.Superseded != "" {
		s.events.Publish(realtime.EventSubscriptionCancelled, map[string]any{
			"subscriptionId": res.Superseded,
			"supersededBy":   sub.ID,
			"cause":          "superseded",
		})
	}
	s.notifier.Notify(ctx, notify.Message{
		Template: notify.TemplateWelcome,
		To:       p.NotifyEmail(),
		Vars:     vars,
	})
}

// Reject marks paymentID rejected. The reason is required and shown to
// the requester.
func (s *Service) Reject(ctx context.Context, paymentID, reviewerID, reason string) (p *payment.PendingPayment, err error) {
	ctx, span := traces.StartSpan(ctx, "approval.Reject",
		traces.PaymentID(paymentID), traces.UserID(reviewerID))
	defer func() { traces.End(span, err) }()

	if reviewerID == "" {
		return nil, payment.ErrUnauthenticated
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if len(reason) > MaxReasonLength {
		return nil, ErrReasonTooLong
	}

	now := s.now()
	err = s.tx.WithinTx(ctx, func(ctx context.Context, r storage.Repos) error {
		if err := r.Payments.Resolve(ctx, paymentID, payment.Resolution{
			Status:     payment.StatusRejected,
			Reason:     reason,
			ReviewerID: reviewerID,
			At:         now,
		}); err != nil {
			return err
		}
		var gerr error
		p, gerr = r.Payments.Get(ctx, paymentID)
		return gerr
	})
	if err != nil {
		return nil, err
	}

	metrics.PaymentsResolvedTotal.WithLabelValues(string(payment.StatusRejected)).Inc()
	s.logger.Info("payment rejected", "payment", p.ID, "reviewer", reviewerID)
	s.events.Publish(realtime.EventPaymentRejected, map[string]any{
		"paymentId":  p.ID,
		"userId":     p.UserID,
		"planType":   string(p.PlanType),
		"reviewerId": reviewerID,
		"reason":     reason,
	})
	vars := map[string]string{
		"plan_name":         s.planName(p.PlanType),
		"amount":            p.Amount.BRL(),
		"confirmation_code": p.ConfirmationCode,
		"reason":            reason,
	}
	if p.Church != nil {
		vars["name"] = p.Church.ResponsibleName
	}
	s.notifier.Notify(ctx, notify.Message{
		Template: notify.TemplatePaymentRejected,
		To:       p.NotifyEmail(),
		Vars:     vars,
	})
	return p, nil
}

func (s *Service) planName(t plans.Type) string {
	if plan, err := s.catalog.Lookup(t); err == nil {
		return plan.Name
	}
	return string(t)
}
