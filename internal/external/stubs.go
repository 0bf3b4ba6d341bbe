package external

import "log/slog"

// StubWebhookVerifier implements WebhookVerifier by always succeeding.
// Used when APP_ENV=local so the webhook endpoint can be exercised with
// curl without a provider-signed payload.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

// NewStubWebhookVerifier creates a new StubWebhookVerifier.
func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Info("stub: payment webhook Verify called",
		"payload_len", len(payload),
	)
	return nil
}

var _ WebhookVerifier = (*StubWebhookVerifier)(nil)
