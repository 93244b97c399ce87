package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ekklesia/internal/money"
	"github.com/mbd888/ekklesia/internal/notify"
	"github.com/mbd888/ekklesia/internal/payment"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/realtime"
	"github.com/mbd888/ekklesia/internal/storage"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/tenant"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingNotifier) Messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (r *recordingEvents) Publish(t realtime.EventType, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func (r *recordingEvents) Types() []realtime.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.EventType(nil), r.events...)
}

type fixture struct {
	tx       storage.TxRunner
	repos    storage.Repos
	payments *payment.Service
	approval *Service
	notifier *recordingNotifier
	events   *recordingEvents
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemory()
	return newFixtureWith(t, mem, mem.Repos())
}

func newFixtureWith(t *testing.T, tx storage.TxRunner, repos storage.Repos) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := plans.Default()
	f := &fixture{
		tx:       tx,
		repos:    repos,
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.payments = payment.NewService(repos.Payments, catalog, logger).
		WithNotifier(f.notifier).
		WithClock(clock)
	f.approval = NewService(tx, catalog, logger).
		WithNotifier(f.notifier).
		WithEvents(f.events).
		WithClock(clock)
	return f
}

func (f *fixture) requestChurch(t *testing.T, userID, plan, name string) *payment.PendingPayment {
	t.Helper()
	p, created, err := f.payments.RequestPayment(context.Background(), payment.RequestInput{
		UserID:   userID,
		Email:    userID + "@example.org",
		PlanType: plans.Type(plan),
		Church: &payment.ChurchPayload{
			Name:             name,
			ResponsibleName:  "Pr. Tiago",
			ResponsibleEmail: "pastor@luz.org",
		},
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (f *fixture) requestIndividual(t *testing.T, userID string) *payment.PendingPayment {
	t.Helper()
	p, _, err := f.payments.RequestPayment(context.Background(), payment.RequestInput{
		UserID:   userID,
		Email:    userID + "@example.org",
		PlanType: plans.TypeIndividual,
	})
	require.NoError(t, err)
	return p
}

func TestApprove_ChurchPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, _, err := f.payments.RequestPayment(ctx, payment.RequestInput{
		UserID:   "user_1",
		Email:    "tiago@example.org",
		PlanType: plans.TypeChurchPlus,
		Amount:   money.MustParse("149.90"),
		Church:   &payment.ChurchPayload{Name: "Comunidade Luz", ResponsibleName: "Pr. Tiago"},
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.NotEmpty(t, p.ConfirmationCode)

	res, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
	require.NoError(t, err)
	require.NotNil(t, res.Tenant)
	assert.False(t, res.Renewal)
	assert.Empty(t, res.Superseded)

	ten, err := f.repos.Tenants.GetBySlug(ctx, "comunidade-luz")
	require.NoError(t, err)
	assert.True(t, ten.Active)
	assert.Equal(t, "user_1", ten.ResponsibleUserID)
	assert.Equal(t, "tiago@example.org", ten.ResponsibleEmail)
	assert.Equal(t, res.Subscription.ID, ten.SubscriptionID)

	isAdmin, err := f.repos.Profiles.HasRole(ctx, "user_1", profile.RoleAdmin, ten.ID)
	require.NoError(t, err)
	assert.True(t, isAdmin)
	roles, _ := f.repos.Profiles.ListRoles(ctx, "user_1")
	assert.Len(t, roles, 1)

	prof, err := f.repos.Profiles.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, ten.ID, prof.TenantID)
	assert.Empty(t, prof.SubscriptionID)

	subs, err := f.repos.Subscriptions.List(ctx, subscription.Filter{HolderID: ten.ID})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, subscription.StatusActive, subs[0].Status)
	assert.Equal(t, subscription.HolderTenant, subs[0].HolderType)
	assert.Equal(t, plans.TypeChurchPlus, subs[0].PlanType)
	assert.Equal(t, f.now.Add(30*24*time.Hour), subs[0].ExpiresAt)
	assert.Equal(t, p.ID, subs[0].PaymentID)

	got, _ := f.repos.Payments.Get(ctx, p.ID)
	assert.Equal(t, payment.StatusApproved, got.Status)
	assert.Equal(t, "reviewer_1", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)
	assert.Equal(t, f.now, *got.ReviewedAt)

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, notify.TemplatePaymentRequested, msgs[0].Template)
	welcome := msgs[1]
	assert.Equal(t, notify.TemplateWelcome, welcome.Template)
	assert.Equal(t, "tiago@example.org", welcome.To)
	assert.Equal(t, "comunidade-luz", welcome.Vars["church_slug"])
	assert.Equal(t, "31/03/2026", welcome.Vars["expires_at"])
	assert.Contains(t, f.events.Types(), realtime.EventPaymentApproved)
}

func TestApprove_IndividualPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.requestIndividual(t, "user_2")

	res, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
	require.NoError(t, err)
	assert.Nil(t, res.Tenant)
	assert.Equal(t, subscription.HolderUser, res.Subscription.HolderType)
	assert.Equal(t, "user_2", res.Subscription.HolderID)

	prof, err := f.repos.Profiles.Get(ctx, "user_2")
	require.NoError(t, err)
	assert.Equal(t, res.Subscription.ID, prof.SubscriptionID)
	assert.Empty(t, prof.TenantID)

	subs, _ := f.repos.Subscriptions.List(ctx, subscription.Filter{Status: subscription.StatusActive})
	assert.Len(t, subs, 1)
	roles, _ := f.repos.Profiles.ListRoles(ctx, "user_2")
	assert.Empty(t, roles)
}

func TestApprove_StatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.requestIndividual(t, "user_1")

	_, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
	require.NoError(t, err)

	_, err = f.approval.Approve(ctx, p.ID, "reviewer_2")
	assert.ErrorIs(t, err, payment.ErrAlreadyProcessed)
	assert.NotErrorIs(t, err, ErrProvisioningFailed)

	_, err = f.approval.Reject(ctx, p.ID, "reviewer_2", "duplicate")
	assert.ErrorIs(t, err, payment.ErrAlreadyProcessed)

	rejected := f.requestChurch(t, "user_3", "church_simple", "Igreja Nova")
	_, err = f.approval.Reject(ctx, rejected.ID, "reviewer_1", "comprovante ilegível")
	require.NoError(t, err)
	_, err = f.approval.Approve(ctx, rejected.ID, "reviewer_1")
	assert.ErrorIs(t, err, payment.ErrAlreadyProcessed)

	got, _ := f.repos.Payments.Get(ctx, rejected.ID)
	assert.Equal(t, payment.StatusRejected, got.Status)
	exists, _ := f.repos.Tenants.SlugExists(ctx, "igreja-nova")
	assert.False(t, exists)
}

func TestApprove_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.approval.Approve(ctx, "pay_missing", "reviewer_1")
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)

	p := f.requestIndividual(t, "user_1")
	_, err = f.approval.Approve(ctx, p.ID, "")
	assert.ErrorIs(t, err, payment.ErrUnauthenticated)
}

func TestApprove_PlanMissingFromCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.now
	p := &payment.PendingPayment{
		ID:               "pay_retired",
		UserID:           "user_1",
		PlanType:         plans.Type("church_gold"),
		ConfirmationCode: "RETIRED1",
		Status:           payment.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.repos.Payments.Create(ctx, p))

	_, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.NotErrorIs(t, err, ErrProvisioningFailed)

	got, _ := f.repos.Payments.Get(ctx, p.ID)
	assert.Equal(t, payment.StatusPending, got.Status)
}

func TestApprove_ConcurrentReviewersSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.requestChurch(t, "user_1", "church_plus", "Comunidade Luz")

	const reviewers = 10
	var wins, processed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.approval.Approve(ctx, p.ID, "reviewer")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, payment.ErrAlreadyProcessed):
				processed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(reviewers-1), processed.Load())

	exists, _ := f.repos.Tenants.SlugExists(ctx, "comunidade-luz")
	assert.True(t, exists)
	exists, _ = f.repos.Tenants.SlugExists(ctx, "comunidade-luz-2")
	assert.False(t, exists)
	subs, _ := f.repos.Subscriptions.List(ctx, subscription.Filter{})
	assert.Len(t, subs, 1)
}

func TestApprove_SlugSuffixes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var slugs []string
	for i, user := range []string{"user_a", "user_b", "user_c"} {
		p := f.requestChurch(t, user, "church_simple", "Igreja Monte Hebrom")
		res, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
		require.NoError(t, err, "approval %d", i)
		slugs = append(slugs, res.Tenant.Slug)
	}
	assert.Equal(t, []string{"igreja-monte-hebrom", "igreja-monte-hebrom-2", "igreja-monte-hebrom-3"}, slugs)
}

// blindTenants reports slugs as free for the first blind checks, the way
// a concurrent approval that has not committed yet would look.
type blindTenants struct {
	tenant.Store
	blind *atomic.Int32
}

func (b blindTenants) SlugExists(ctx context.Context, slug string) (bool, error) {
	if b.blind.Add(-1) >= 0 {
		return false, nil
	}
	return b.Store.SlugExists(ctx, slug)
}

type wrappedTx struct {
	*storage.MemoryTx
	wrap func(storage.Repos) storage.Repos
}

func (w wrappedTx) WithinTx(ctx context.Context, fn func(ctx context.Context, r storage.Repos) error) error {
	return w.MemoryTx.WithinTx(ctx, func(ctx context.Context, r storage.Repos) error {
		return fn(ctx, w.wrap(r))
	})
}

func TestApprove_SlugRaceRetriesUnit(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	blind := &atomic.Int32{}
	tx := wrappedTx{MemoryTx: mem, wrap: func(r storage.Repos) storage.Repos {
		r.Tenants = blindTenants{Store: r.Tenants, blind: blind}
		return r
	}}
	f := newFixtureWith(t, tx, mem.Repos())

	first := f.requestChurch(t, "user_a", "church_simple", "Comunidade Luz")
	_, err := f.approval.Approve(ctx, first.ID, "reviewer_1")
	require.NoError(t, err)

	blind.Store(1)
	second := f.requestChurch(t, "user_b", "church_simple", "Comunidade Luz")
	res, err := f.approval.Approve(ctx, second.ID, "reviewer_1")
	require.NoError(t, err)
	assert.Equal(t, "comunidade-luz-2", res.Tenant.Slug)

	// Blind forever: every attempt collides and the unit gives up.
	blind.Store(1 << 20)
	third := f.requestChurch(t, "user_c", "church_simple", "Comunidade Luz")
	_, err = f.approval.Approve(ctx, third.ID, "reviewer_1")
	assert.ErrorIs(t, err, ErrProvisioningFailed)
	assert.ErrorIs(t, err, tenant.ErrSlugTaken)
	got, _ := f.repos.Payments.Get(ctx, third.ID)
	assert.Equal(t, payment.StatusPending, got.Status)
}

type failingLink struct {
	tenant.Store
}

func (failingLink) LinkSubscription(context.Context, string, string, time.Time) error {
	return errors.New("connection reset")
}

func TestApprove_FailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	fail := true
	tx := wrappedTx{MemoryTx: mem, wrap: func(r storage.Repos) storage.Repos {
		if fail {
			r.Tenants = failingLink{Store: r.Tenants}
		}
		return r
	}}
	f := newFixtureWith(t, tx, mem.Repos())
	p := f.requestChurch(t, "user_1", "church_plus", "Comunidade Luz")
	sentBefore := len(f.notifier.Messages())

	_, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
	require.ErrorIs(t, err, ErrProvisioningFailed)

	got, _ := f.repos.Payments.Get(ctx, p.ID)
	assert.Equal(t, payment.StatusPending, got.Status)
	assert.Empty(t, got.ReviewedBy)
	exists, _ := f.repos.Tenants.SlugExists(ctx, "comunidade-luz")
	assert.False(t, exists, "tenant must be rolled back")
	roles, _ := f.repos.Profiles.ListRoles(ctx, "user_1")
	assert.Empty(t, roles)
	_, err = f.repos.Profiles.Get(ctx, "user_1")
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
	subs, _ := f.repos.Subscriptions.List(ctx, subscription.Filter{})
	assert.Empty(t, subs)
	assert.Len(t, f.notifier.Messages(), sentBefore, "no welcome on failure")

	// The payment stayed pending, so the reviewer can simply retry.
	fail = false
	res, err := f.approval.Approve(ctx, p.ID, "reviewer_1")
	require.NoError(t, err)
	assert.Equal(t, "comunidade-luz", res.Tenant.Slug)
}

func TestApprove_IndividualRenewalSupersedes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.approval.Approve(ctx, f.requestIndividual(t, "user_1").ID, "reviewer_1")
	require.NoError(t, err)

	f.now = f.now.Add(25 * 24 * time.Hour)
	second, err := f.approval.Approve(ctx, f.requestIndividual(t, "user_1").ID, "reviewer_1")
	require.NoError(t, err)
	assert.Equal(t, first.Subscription.ID, second.Superseded)

	old, _ := f.repos.Subscriptions.Get(ctx, first.Subscription.ID)
	assert.Equal(t, subscription.StatusCancelled, old.Status)
	assert.Equal(t, second.Subscription.ID, old.SupersededBy)
	require.NotNil(t, old.CancelledAt)

	prof, _ := f.repos.Profiles.Get(ctx, "user_1")
	assert.Equal(t, second.Subscription.ID, prof.SubscriptionID)
	active, _ := f.repos.Subscriptions.List(ctx, subscription.Filter{HolderID: "user_1", Status: subscription.StatusActive})
	assert.Len(t, active, 1)
	assert.Contains(t, f.events.Types(), realtime.EventSubscriptionCancelled)
}

func TestApprove_ChurchUpgradeReusesTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.approval.Approve(ctx, f.requestChurch(t, "user_1", "church_simple", "Comunidade Luz").ID, "reviewer_1")
	require.NoError(t, err)

	upgrade := f.requestChurch(t, "user_1", "church_premium", "Comunidade Luz")
	second, err := f.approval.Approve(ctx, upgrade.ID, "reviewer_1")
	require.NoError(t, err)
	assert.True(t, second.Renewal)
	assert.Equal(t, first.Tenant.ID, second.Tenant.ID)
	assert.Equal(t, first.Subscription.ID, second.Superseded)

	exists, _ := f.repos.Tenants.SlugExists(ctx, "comunidade-luz-2")
	assert.False(t, exists)
	ten, _ := f.repos.Tenants.Get(ctx, first.Tenant.ID)
	assert.Equal(t, second.Subscription.ID, ten.SubscriptionID)
	roles, _ := f.repos.Profiles.ListRoles(ctx, "user_1")
	assert.Len(t, roles, 1)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.requestChurch(t, "user_1", "church_plus", "Comunidade Luz")

	_, err := f.approval.Reject(ctx, p.ID, "reviewer_1", "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)
	got, _ := f.repos.Payments.Get(ctx, p.ID)
	assert.Equal(t, payment.StatusPending, got.Status)

	long := make([]byte, MaxReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.approval.Reject(ctx, p.ID, "reviewer_1", string(long))
	assert.ErrorIs(t, err, ErrReasonTooLong)

	rejected, err := f.approval.Reject(ctx, p.ID, "reviewer_1", "valor divergente")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRejected, rejected.Status)
	assert.Equal(t, "valor divergente", rejected.RejectionReason)
	assert.Equal(t, "reviewer_1", rejected.ReviewedBy)

	exists, _ := f.repos.Tenants.SlugExists(ctx, "comunidade-luz")
	assert.False(t, exists)
	subs, _ := f.repos.Subscriptions.List(ctx, subscription.Filter{})
	assert.Empty(t, subs)

	msgs := f.notifier.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, notify.TemplatePaymentRejected, last.Template)
	assert.Equal(t, "valor divergente", last.Vars["reason"])
	assert.Equal(t, p.ConfirmationCode, last.Vars["confirmation_code"])
	assert.Contains(t, f.events.Types(), realtime.EventPaymentRejected)

	// A new request is possible once the old one is resolved.
	again := f.requestChurch(t, "user_1", "church_plus", "Comunidade Luz")
	assert.NotEqual(t, p.ID, again.ID)
}
