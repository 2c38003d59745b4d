package email

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"newsletter/internal/logger"
)

// NoopSender is a no-op email sender for development and testing.
// It logs sends but does not actually deliver emails.
type NoopSender struct {
	lg    zerolog.Logger
	count atomic.Uint64
}

// NewNoopSender creates a new NoopSender.
func NewNoopSender(lg zerolog.Logger) *NoopSender {
	return &NoopSender{lg: logger.Component(lg, "noop_sender")}
}

// Send logs the email but does not deliver it.
// PRE: req is a valid SendRequest
// POST: Returns a noop result without actual delivery
func (s *NoopSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	n := s.count.Add(1)
	s.lg.Info().Strs("to", req.To).Str("subject", req.Subject).Int("html_bytes", len(req.HTML)).Msg("noop_email_send")
	return SendResult{
		MessageID: fmt.Sprintf("noop-%d-%d", time.Now().UnixNano(), n),
		SentAt:    time.Now(),
	}, nil
}

// Sent returns how many emails this sender has accepted.
func (s *NoopSender) Sent() uint64 {
	return s.count.Load()
}
