package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mrz1836/postmark"

	"github.com/mbd888/ekklesia/internal/retry"
)

// Email is a rendered message ready for a provider.
type Email struct {
	To      string
	Subject string
	HTML    string
	Tag     string
}

// Sender hands an email to a delivery provider.
type Sender interface {
	Send(ctx context.Context, e Email) error
	Name() string
}

// LogSender writes emails to the log instead of sending them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, e Email) error {
	s.logger.Info("email (not sent)", "to", e.To, "subject", e.Subject, "tag", e.Tag)
	return nil
}

// PostmarkConfig holds Postmark credentials and addresses.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	SenderEmail  string
	SupportEmail string
}

var ErrInvalidSenderConfig = errors.New("notify: invalid sender configuration")

// PostmarkSender delivers through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	cfg    PostmarkConfig
}

func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	switch {
	case cfg.ServerToken == "":
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidSenderConfig)
	case cfg.AccountToken == "":
		return nil, fmt.Errorf("%w: postmark account token is required", ErrInvalidSenderConfig)
	case cfg.SenderEmail == "":
		return nil, fmt.Errorf("%w: sender email is required", ErrInvalidSenderConfig)
	}
	if cfg.SupportEmail == "" {
		cfg.SupportEmail = cfg.SenderEmail
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

func (s *PostmarkSender) Name() string { return "postmark" }

// Send delivers e. Postmark API errors (bad address, inactive
// recipient) are permanent; transport errors are retryable.
func (s *PostmarkSender) Send(ctx context.Context, e Email) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.cfg.SenderEmail,
		ReplyTo:    s.cfg.SupportEmail,
		To:         e.To,
		Subject:    e.Subject,
		Tag:        e.Tag,
		HTMLBody:   e.HTML,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return fmt.Errorf("notify: postmark send: %w", err)
	}
	if resp.ErrorCode > 0 {
		return retry.Permanent(fmt.Errorf("notify: postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*PostmarkSender)(nil)
)
