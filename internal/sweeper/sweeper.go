// Package sweeper moves subscriptions through time: it expires the ones
// past their term, cancels the ones past the grace period and warns
// holders whose term is about to end.
//
// A sweep keeps no state of its own. Every transition is a conditional
// update keyed on the current status, so overlapping or repeated sweeps
// converge on the same end state.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/ekklesia/internal/metrics"
	"github.com/mbd888/ekklesia/internal/notify"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/realtime"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/tenant"
	"github.com/mbd888/ekklesia/internal/traces"
)

// Config tunes a sweep.
type Config struct {
	// Grace is how long an expired subscription keeps its holder's
	// pointer before it is cancelled.
	Grace time.Duration
	// WarnWindow is how far ahead of expiry holders are warned.
	WarnWindow time.Duration
	// BatchSize bounds each store query.
	BatchSize int
	// WarnConcurrency bounds parallel recipient lookups in the warn pass.
	WarnConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Grace:           7 * 24 * time.Hour,
		WarnWindow:      3 * 24 * time.Hour,
		BatchSize:       100,
		WarnConcurrency: 4,
	}
}

// Report counts what one sweep did. Conflicts are rows another writer
// transitioned first.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Expired   int           `json:"expired"`
	Cancelled int           `json:"cancelled"`
	Warned    int           `json:"warned"`
	Conflicts int           `json:"conflicts"`
}

// Changed reports whether the sweep transitioned any subscription.
func (r Report) Changed() bool {
	return r.Expired > 0 || r.Cancelled > 0
}

// Sweeper runs sweeps.
type Sweeper struct {
	tx       storage.TxRunner
	repos    storage.Repos
	catalog  *plans.Catalog
	notifier notify.Notifier
	events   realtime.Publisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(tx storage.TxRunner, catalog *plans.Catalog, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		tx:       tx,
		repos:    tx.Repos(),
		catalog:  catalog,
		notifier: notify.Nop{},
		events:   realtime.Nop{},
		cfg:      DefaultConfig(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithConfig replaces the defaults. Zero fields keep their default.
func (s *Sweeper) WithConfig(cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = def.WarnWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.WarnConcurrency <= 0 {
		cfg.WarnConcurrency = def.WarnConcurrency
	}
	s.cfg = cfg
	return s
}

// WithNotifier adds expiry warnings.
func (s *Sweeper) WithNotifier(n notify.Notifier) *Sweeper {
	s.notifier = n
	return s
}

// WithEvents adds reviewer feed events.
func (s *Sweeper) WithEvents(p realtime.Publisher) *Sweeper {
	s.events = p
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep runs the expire, cancel-stale and warn passes once. A failing
// pass does not stop the others; their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (rep Report, err error) {
	ctx, span := traces.StartSpan(ctx, "sweeper.Sweep")
	defer func() { traces.End(span, err) }()

	now := s.now()
	rep.StartedAt = now
	start := time.Now()

	// Rows expired by this run wait for the next one before they can be
	// cancelled: one terminal transition per row per run.
	expired := make(map[string]struct{})

	var errs []error
	if err := s.expire(ctx, now, expired, &rep); err != nil {
		metrics.SweepErrorsTotal.WithLabelValues("expire").Inc()
		errs = append(errs, fmt.Errorf("expire: %w", err))
	}
	if err := s.cancelStale(ctx, now, expired, &rep); err != nil {
		metrics.SweepErrorsTotal.WithLabelValues("cancel_stale").Inc()
		errs = append(errs, fmt.Errorf("cancel stale: %w", err))
	}
	if err := s.warn(ctx, now, &rep); err != nil {
		metrics.SweepErrorsTotal.WithLabelValues("warn").Inc()
		errs = append(errs, fmt.Errorf("warn: %w", err))
	}

	rep.Duration = time.Since(start)
	metrics.SweepDuration.Observe(rep.Duration.Seconds())
	s.logger.Info("sweep finished",
		"expired", rep.Expired, "cancelled", rep.Cancelled, "warned", rep.Warned,
		"conflicts", rep.Conflicts, "duration", rep.Duration, "errors", len(errs))
	return rep, errors.Join(errs...)
}

// expire moves active subscriptions whose term ended to expired and
// records their IDs in done.
func (s *Sweeper) expire(ctx context.Context, now time.Time, done map[string]struct{}, rep *Report) error {
	var errs []error
	for {
		batch, err := s.repos.Subscriptions.List(ctx, subscription.Filter{
			Status:        subscription.StatusActive,
			ExpiresBefore: &now,
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return errors.Join(append(errs, err)...)
		}

		progressed := false
		for _, sub := range batch {
			err := s.repos.Subscriptions.Transition(ctx, sub.ID, subscription.StatusActive, subscription.StatusExpired, now)
			switch {
			case err == nil:
				progressed = true
				done[sub.ID] = struct{}{}
				rep.Expired++
				metrics.SubscriptionsTransitionedTotal.WithLabelValues(string(subscription.StatusExpired), "sweep").Inc()
				s.logger.Info("subscription expired", "subscription", sub.ID, "holder", sub.HolderID, "plan", sub.PlanType)
				s.events.Publish(realtime.EventSubscriptionExpired, eventData(sub))
			case errors.Is(err, subscription.ErrStatusConflict):
				progressed = true
				rep.Conflicts++
			default:
				errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
			}
		}
		if len(batch) < s.cfg.BatchSize || !progressed {
			return errors.Join(errs...)
		}
	}
}

// cancelStale cancels subscriptions expired for longer than the grace
// period. For personal plans the holder's pointer is cleared in the same
// unit, unless it already moved to a newer subscription. Churches keep
// their row; a cancelled subscription grants no access. IDs in skip are
// left for the next run.
func (s *Sweeper) cancelStale(ctx context.Context, now time.Time, skip map[string]struct{}, rep *Report) error {
	cutoff := now.Add(-s.cfg.Grace)
	var (
		errs    []error
		after   *time.Time
		afterID string
	)
	for {
		batch, err := s.repos.Subscriptions.List(ctx, subscription.Filter{
			Status:        subscription.StatusExpired,
			ExpiresAfter:  after,
			AfterID:       afterID,
			ExpiresBefore: &cutoff,
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return errors.Join(append(errs, err)...)
		}

		for _, sub := range batch {
			if _, ok := skip[sub.ID]; ok {
				continue
			}
			err := s.tx.WithinTx(ctx, func(ctx context.Context, r storage.Repos) error {
				if err := r.Subscriptions.Transition(ctx, sub.ID, subscription.StatusExpired, subscription.StatusCancelled, now); err != nil {
					return err
				}
				if sub.HolderType == subscription.HolderUser {
					if _, err := r.Profiles.ClearSubscription(ctx, sub.HolderID, sub.ID, now); err != nil {
						return fmt.Errorf("clear profile pointer: %w", err)
					}
				}
				return nil
			})
			switch {
			case err == nil:
				rep.Cancelled++
				metrics.SubscriptionsTransitionedTotal.WithLabelValues(string(subscription.StatusCancelled), "sweep").Inc()
				s.logger.Info("subscription cancelled", "subscription", sub.ID, "holder", sub.HolderID, "holderType", sub.HolderType)
				data := eventData(sub)
				data["cause"] = "grace_elapsed"
				s.events.Publish(realtime.EventSubscriptionCancelled, data)
			case errors.Is(err, subscription.ErrStatusConflict):
				rep.Conflicts++
			default:
				errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
			}
		}
		if len(batch) < s.cfg.BatchSize {
			return errors.Join(errs...)
		}
		last := batch[len(batch)-1]
		exp := last.ExpiresAt
		after, afterID = &exp, last.ID
	}
}

// warn notifies holders of active subscriptions ending within the warn
// window. Repeated sweeps warn again; expired subscriptions never match.
func (s *Sweeper) warn(ctx context.Context, now time.Time, rep *Report) error {
	until := now.Add(s.cfg.WarnWindow)
	after, afterID := now, ""

	var warned atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WarnConcurrency)

	var listErr error
	for {
		from := after
		batch, err := s.repos.Subscriptions.List(ctx, subscription.Filter{
			Status:        subscription.StatusActive,
			ExpiresAfter:  &from,
			AfterID:       afterID,
			ExpiresBefore: &until,
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			listErr = err
			break
		}

		for _, sub := range batch {
			g.Go(func() error {
				ok, err := s.warnOne(gctx, sub)
				if err != nil {
					s.logger.Warn("expiry warning skipped", "subscription", sub.ID, "error", err)
					return nil
				}
				if ok {
					warned.Add(1)
				}
				return nil
			})
		}
		if len(batch) < s.cfg.BatchSize {
			break
		}
		last := batch[len(batch)-1]
		after, afterID = last.ExpiresAt, last.ID
	}

	err := g.Wait()
	rep.Warned += int(warned.Load())
	return errors.Join(listErr, err)
}

func (s *Sweeper) warnOne(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	vars := map[string]string{
		"plan_name":  s.planName(sub.PlanType),
		"expires_at": sub.ExpiresAt.Format("02/01/2006"),
	}
	var to string
	switch sub.HolderType {
	case subscription.HolderTenant:
		t, err := s.repos.Tenants.Get(ctx, sub.HolderID)
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if t.SubscriptionID != sub.ID {
			// Already replaced by a newer subscription.
			return false, nil
		}
		to = t.ResponsibleEmail
		vars["name"] = t.ResponsibleName
		vars["church_slug"] = t.Slug
	default:
		p, err := s.repos.Profiles.Get(ctx, sub.HolderID)
		if errors.Is(err, profile.ErrProfileNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.SubscriptionID != sub.ID {
			return false, nil
		}
		to = p.Email
	}
	if to == "" {
		return false, nil
	}
	s.notifier.Notify(ctx, notify.Message{
		Template: notify.TemplateSubscriptionExpiring,
		To:       to,
		Vars:     vars,
	})
	return true, nil
}

func (s *Sweeper) planName(t plans.Type) string {
	if plan, err := s.catalog.Lookup(t); err == nil {
		return plan.Name
	}
	return string(t)
}

func eventData(sub *subscription.Subscription) map[string]any {
	return map[string]any{
		"subscriptionId": sub.ID,
		"planType":       string(sub.PlanType),
		"holderType":     string(sub.HolderType),
		"holderId":       sub.HolderID,
		"expiresAt":      sub.ExpiresAt,
	}
}
