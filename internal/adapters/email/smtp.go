package email

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"newsletter/internal/logger"
)

// SMTPConfig holds the relay account and server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	Insecure bool // allow plaintext when the server offers no STARTTLS (local relays)
}

// SMTPSender sends emails through an authenticated SMTP relay such as Gmail.
// A new connection is made per message, so one sender serves concurrent sends.
type SMTPSender struct {
	cfg SMTPConfig
	lg  zerolog.Logger
}

// NewSMTPSender creates a sender for cfg.
// PRE: cfg.Host is set; cfg.From is a valid address
// POST: Returns a sender; no connection is made until Send
func NewSMTPSender(cfg SMTPConfig, lg zerolog.Logger) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{
		cfg: cfg,
		lg:  logger.Component(lg, "smtp_sender"),
	}
}

// Send delivers one message over a fresh SMTP session.
// PRE: req has at least one recipient
// POST: Message accepted by the relay; returns the generated Message-ID
func (s *SMTPSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	m, err := s.buildMsg(req)
	if err != nil {
		return SendResult{}, err
	}

	c, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return SendResult{}, fmt.Errorf("smtp client init failed: %w", err)
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		s.lg.Error().Err(err).Strs("to", req.To).Str("host", s.cfg.Host).Msg("smtp_send_failed")
		return SendResult{}, fmt.Errorf("smtp send failed: %w", err)
	}

	id := m.GetMessageID()
	s.lg.Info().Str("message_id", id).Strs("to", req.To).Str("subject", req.Subject).Msg("smtp_sent")
	return SendResult{MessageID: id, SentAt: time.Now()}, nil
}

func (s *SMTPSender) buildMsg(req SendRequest) (*mail.Msg, error) {
	from := req.From
	if from == "" {
		from = s.cfg.From
	}

	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(req.To...); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	if req.ReplyTo != "" {
		if err := m.ReplyTo(req.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}
	m.Subject(req.Subject)
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(mail.TypeTextHTML, req.HTML)
	return m, nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	tlsPolicy := mail.TLSMandatory
	if s.cfg.Insecure {
		tlsPolicy = mail.TLSOpportunistic
	}
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(tlsPolicy),
	}
	if s.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.cfg.Timeout))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}
