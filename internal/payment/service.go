package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ekklesia/internal/idgen"
	"github.com/mbd888/ekklesia/internal/metrics"
	"github.com/mbd888/ekklesia/internal/money"
	"github.com/mbd888/ekklesia/internal/notify"
	"github.com/mbd888/ekklesia/internal/pagination"
	"github.com/mbd888/ekklesia/internal/pix"
	"github.com/mbd888/ekklesia/internal/plans"
	"github.com/mbd888/ekklesia/internal/realtime"
	"github.com/mbd888/ekklesia/internal/traces"
	"github.com/mbd888/ekklesia/internal/validation"
)

// PIXConfig is the receiving account shown to requesters.
type PIXConfig struct {
	Key          string
	MerchantName string
	MerchantCity string
}

// RequestInput is a user's declared intent to pay for a plan.
type RequestInput struct {
	UserID   string
	Email    string
	PlanType plans.Type
	// Amount is what the user says they paid; zero means the plan price.
	Amount money.Cents
	Church *ChurchPayload
}

// Unit runs fn as one atomic write against the payment store. It lets
// the service share the storage layer's transaction runner.
type Unit func(ctx context.Context, fn func(ctx context.Context, store Store) error) error

// Service handles payment requests.
type Service struct {
	store    Store
	unit     Unit
	catalog  *plans.Catalog
	codes    CodeGenerator
	notifier notify.Notifier
	events   realtime.Publisher
	pix      PIXConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a payment service.
func NewService(store Store, catalog *plans.Catalog, logger *slog.Logger) *Service {
	s := &Service{
		store:    store,
		catalog:  catalog,
		codes:    NewRandomCodes(store),
		notifier: notify.Nop{},
		events:   realtime.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	s.unit = s.direct
	return s
}

func (s *Service) direct(ctx context.Context, fn func(context.Context, Store) error) error {
	return fn(ctx, s.store)
}

// WithCodeGenerator replaces the confirmation code source.
func (s *Service) WithCodeGenerator(g CodeGenerator) *Service {
	s.codes = g
	return s
}

// WithUnit routes payment inserts through u.
func (s *Service) WithUnit(u Unit) *Service {
	s.unit = u
	return s
}

// WithNotifier adds requester emails.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents adds reviewer feed events.
func (s *Service) WithEvents(p realtime.Publisher) *Service {
	s.events = p
	return s
}

// WithPIX enables PIX payloads on pending payments.
func (s *Service) WithPIX(cfg PIXConfig) *Service {
	s.pix = cfg
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ValidateRequest checks the plan/church payload pairing and the payload
// fields. It does not touch the store.
func ValidateRequest(plan plans.Type, church *ChurchPayload) validation.ValidationErrors {
	if !plan.IsChurchTier() {
		if church != nil {
			return validation.ValidationErrors{{Field: "church", Message: "only applies to church plans"}}
		}
		return nil
	}
	if church == nil {
		return validation.ValidationErrors{{Field: "church", Message: "is required for church plans"}}
	}
	return validation.Validate(
		validation.Required("church.name", church.Name),
		validation.MaxLength("church.name", church.Name, 120),
		validation.ValidTaxID("church.taxId", church.TaxID),
		validation.MaxLength("church.address", church.Address, validation.MaxStringLength),
		validation.MaxLength("church.responsibleName", church.ResponsibleName, 120),
		validation.ValidEmail("church.responsibleEmail", church.ResponsibleEmail),
		validation.ValidPhone("church.responsiblePhone", church.ResponsiblePhone),
	)
}

// RequestPayment records a payment claim, or returns the caller's open
// claim for the same plan unchanged. created reports which happened.
func (s *Service) RequestPayment(ctx context.Context, in RequestInput) (p *PendingPayment, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.RequestPayment",
		traces.UserID(in.UserID), traces.PlanType(string(in.PlanType)))
	defer func() { traces.End(span, err) }()

	if in.UserID == "" {
		return nil, false, ErrUnauthenticated
	}
	plan, err := s.catalog.Lookup(in.PlanType)
	if err != nil || !s.catalog.Purchasable(in.PlanType) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidPlan, in.PlanType)
	}
	if errs := ValidateRequest(in.PlanType, in.Church); len(errs) > 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}

	existing, err := s.store.FindPending(ctx, in.UserID, in.PlanType)
	if err == nil {
		metrics.PaymentsRequestedTotal.WithLabelValues(string(in.PlanType), "existing").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, err
	}

	amount := in.Amount
	if amount == 0 {
		amount = plan.Price
	}
	now := s.now()
	p = &PendingPayment{
		ID:             idgen.WithPrefix("pay_"),
		UserID:         in.UserID,
		RequesterEmail: in.Email,
		PlanType:       in.PlanType,
		Amount:         amount,
		Church:         sanitizeChurch(in.Church),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for attempt := 0; ; attempt++ {
		p.ConfirmationCode, err = s.codes.Generate(ctx)
		if err != nil {
			return nil, false, err
		}
		err = s.unit(ctx, func(ctx context.Context, store Store) error {
			return store.Create(ctx, p)
		})
		if errors.Is(err, ErrCodeTaken) && attempt < 2 {
			continue
		}
		break
	}
	if errors.Is(err, ErrDuplicatePending) {
		// Lost a race with a concurrent identical request.
		existing, ferr := s.store.FindPending(ctx, in.UserID, in.PlanType)
		if ferr != nil {
			return nil, false, errors.Join(err, ferr)
		}
		metrics.PaymentsRequestedTotal.WithLabelValues(string(in.PlanType), "existing").Inc()
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	metrics.PaymentsRequestedTotal.WithLabelValues(string(in.PlanType), "created").Inc()
	s.logger.Info("payment requested",
		"payment", p.ID, "user", p.UserID, "plan", p.PlanType, "amount", p.Amount.String())

	s.events.Publish(realtime.EventPaymentRequested, map[string]any{
		"paymentId":        p.ID,
		"userId":           p.UserID,
		"planType":         string(p.PlanType),
		"amount":           p.Amount.String(),
		"confirmationCode": p.ConfirmationCode,
	})
	s.notifyRequested(ctx, p, plan)
	return p, true, nil
}

func (s *Service) notifyRequested(ctx context.Context, p *PendingPayment, plan plans.Plan) {
	vars := map[string]string{
		"plan_name":         plan.Name,
		"amount":            p.Amount.BRL(),
		"confirmation_code": p.ConfirmationCode,
	}
	if p.Church != nil {
		vars["name"] = p.Church.ResponsibleName
	}
	if code, err := s.PIXCode(p); err == nil {
		vars["pix_code"] = code
	}
	s.notifier.Notify(ctx, notify.Message{
		Template: notify.TemplatePaymentRequested,
		To:       p.NotifyEmail(),
		Vars:     vars,
	})
}

// PIXCode returns the BR Code payload for paying p.
func (s *Service) PIXCode(p *PendingPayment) (string, error) {
	return pix.Payload{
		Key:          s.pix.Key,
		MerchantName: s.pix.MerchantName,
		MerchantCity: s.pix.MerchantCity,
		Amount:       p.Amount,
		TxID:         p.ConfirmationCode,
	}.BRCode()
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*PendingPayment, error) {
	return s.store.Get(ctx, id)
}

// ListMine returns the caller's payments, newest first.
func (s *Service) ListMine(ctx context.Context, userID string, limit int) ([]*PendingPayment, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// List returns one page of the reviewer queue.
func (s *Service) List(ctx context.Context, f ListFilter) (pagination.Page[*PendingPayment], error) {
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	f.Limit = limit + 1
	items, err := s.store.List(ctx, f)
	if err != nil {
		return pagination.Page[*PendingPayment]{}, err
	}
	return pagination.ComputePage(items, limit, func(p *PendingPayment) (time.Time, string) {
		return p.CreatedAt, p.ID
	}), nil
}

func sanitizeChurch(c *ChurchPayload) *ChurchPayload {
	if c == nil {
		return nil
	}
	clean := func(s string) string { return validation.SanitizeString(s, validation.MaxStringLength) }
	return &ChurchPayload{
		Name:             clean(c.Name),
		TaxID:            validation.Digits(c.TaxID),
		Address:          clean(c.Address),
		ResponsibleName:  clean(c.ResponsibleName),
		ResponsibleEmail: clean(c.ResponsibleEmail),
		ResponsiblePhone: validation.Digits(c.ResponsiblePhone),
	}
}
