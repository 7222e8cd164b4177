package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/david/opportunity-oasis/internal/config"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// SMTPSink sends every message to the configured recipient list.
type SMTPSink struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
}

func NewSMTPSink(cfg config.SMTPConfig, logger *zap.Logger) *SMTPSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSink{cfg: cfg, logger: logger}
}

func (s *SMTPSink) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}
	if s.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.User),
			mail.WithPassword(s.cfg.Pass),
		)
	}
	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return c, nil
}

// Send delivers msg. With no recipients configured the message is dropped with
// a warning and no error.
func (s *SMTPSink) Send(ctx context.Context, msg Message) error {
	if len(s.cfg.Recipients) == 0 {
		s.logger.Warn("no recipient emails configured (RECIPIENT_EMAILS)", zap.String("subject", msg.Subject))
		return nil
	}

	m := mail.NewMsg()
	if err := m.FromFormat("Opportunity Oasis", s.cfg.Sender()); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.To(s.cfg.Recipients...); err != nil {
		return fmt.Errorf("invalid recipients: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)

	c, err := s.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info("email sent", zap.String("subject", msg.Subject), zap.Int("recipients", len(s.cfg.Recipients)))
	return nil
}

// Verify connects and authenticates against the SMTP server without sending.
func (s *SMTPSink) Verify(ctx context.Context) error {
	if s.cfg.Host == "" {
		return errors.New("SMTP_HOST is not set")
	}
	c, err := s.client()
	if err != nil {
		return err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return c.Close()
}

// Recipients returns the configured recipient list.
func (s *SMTPSink) Recipients() []string {
	return s.cfg.Recipients
}

// NewSink picks the SMTP sink when SMTP is configured and the log sink
// otherwise.
func NewSink(cfg config.Config, logger *zap.Logger) Sink {
	if cfg.SMTPEnabled() {
		return NewSMTPSink(cfg.SMTP, logger)
	}
	logger.Warn("SMTP_HOST not set; notifications will only be logged")
	return LogSink{Logger: logger}
}
