package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/ekklesia/internal/circuitbreaker"
	"github.com/mbd888/ekklesia/internal/metrics"
	"github.com/mbd888/ekklesia/internal/retry"
)

// WorkerConfig tunes the delivery pool.
type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	Retry        retry.Policy
	// MaxRequeues bounds how often a message is put back while the
	// sender's circuit is open before it is dead-lettered.
	MaxRequeues int
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:      2,
		PollInterval: time.Second,
		Retry:        retry.Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		MaxRequeues:  10,
	}
}

// Worker drains a Queue into a Sender.
type Worker struct {
	queue    Queue
	sender   Sender
	renderer *Renderer
	breaker  *circuitbreaker.Breaker
	cfg      WorkerConfig
	logger   *slog.Logger
	running  atomic.Bool
}

func NewWorker(q Queue, s Sender, r *Renderer, b *circuitbreaker.Breaker, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{queue: q, sender: s, renderer: r, breaker: b, cfg: cfg, logger: logger}
}

// Running reports whether Run is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run starts the pool and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info("notification workers started", "workers", w.cfg.Workers, "sender", w.sender.Name())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("notification workers stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			w.logger.Warn("notification queue pop failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessOne delivers at most one message and reports whether it took one.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Pop(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	w.deliver(ctx, *msg)
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, msg Message) {
	log := w.logger.With("template", msg.Template, "id", msg.ID)

	email, err := w.renderer.Render(msg)
	if err != nil {
		w.deadLetter(ctx, msg, err)
		return
	}

	err = w.cfg.Retry.Do(ctx, func() error {
		return w.breaker.Execute(w.sender.Name(), func() error {
			return w.sender.Send(ctx, email)
		})
	})
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "sent").Inc()
		log.Debug("notification sent")
	case errors.Is(err, circuitbreaker.ErrOpen) && msg.Requeues < w.cfg.MaxRequeues:
		msg.Requeues++
		if perr := w.queue.Push(context.WithoutCancel(ctx), msg); perr != nil {
			w.deadLetter(ctx, msg, errors.Join(err, perr))
			return
		}
		log.Warn("sender circuit open, message requeued", "requeues", msg.Requeues)
	case ctx.Err() != nil:
		// Shutting down mid-delivery; keep the message for the next run.
		_ = w.queue.Push(context.WithoutCancel(ctx), msg)
	default:
		w.deadLetter(ctx, msg, err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg Message, cause error) {
	metrics.NotificationsTotal.WithLabelValues(msg.Template, "dead_lettered").Inc()
	w.logger.Warn("notification dead-lettered", "template", msg.Template, "id", msg.ID, "error", cause)
	dl := DeadLetter{Message: msg, Reason: cause.Error(), FailedAt: time.Now()}
	if err := w.queue.PushDead(context.WithoutCancel(ctx), dl); err != nil {
		w.logger.Error("dead-letter write failed", "id", msg.ID, "error", err)
	}
}
