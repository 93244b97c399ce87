// Package notify delivers transactional emails through a queue.
//
// Callers enqueue a Message with Dispatcher.Notify and move on; a Worker
// pool drains the queue, renders the template and hands the email to a
// Sender with retries and a circuit breaker. Messages that cannot be
// delivered end up in the dead-letter list for an operator to inspect.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/ekklesia/internal/idgen"
	"github.com/mbd888/ekklesia/internal/metrics"
)

// Template keys.
const (
	TemplatePaymentRequested     = "payment_requested"
	TemplateWelcome              = "welcome"
	TemplatePaymentRejected      = "payment_rejected"
	TemplateSubscriptionExpiring = "subscription_expiring"
)

// Message is one queued notification.
type Message struct {
	ID         string            `json:"id"`
	Template   string            `json:"template"`
	To         string            `json:"to"`
	Vars       map[string]string `json:"vars,omitempty"`
	Requeues   int               `json:"requeues,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// Notifier is the fire-and-forget entry point used by the domain services.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// DefaultEnqueueTimeout bounds how long Notify waits on the queue.
const DefaultEnqueueTimeout = 250 * time.Millisecond

// Dispatcher enqueues messages. It never fails the caller and gives up on
// a slow queue after its enqueue timeout.
type Dispatcher struct {
	queue   Queue
	timeout time.Duration
	logger  *slog.Logger
}

func NewDispatcher(q Queue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: q, timeout: DefaultEnqueueTimeout, logger: logger}
}

// WithEnqueueTimeout overrides DefaultEnqueueTimeout; d <= 0 keeps it.
func (d *Dispatcher) WithEnqueueTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Notify enqueues msg. Messages without a recipient are dropped.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	if d == nil || d.queue == nil {
		return
	}
	if msg.To == "" {
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "dropped").Inc()
		d.logger.Warn("notification dropped: no recipient", "template", msg.Template)
		return
	}
	if msg.ID == "" {
		msg.ID = idgen.WithPrefix("ntf_")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	// The caller's context may be about to end with its request.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.queue.Push(pushCtx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "dropped").Inc()
		d.logger.Warn("notification enqueue failed", "template", msg.Template, "id", msg.ID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(msg.Template, "queued").Inc()
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) {}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = Nop{}
)
