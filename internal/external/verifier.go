// Package external holds the integration surface for the payment provider.
// The surface consumed by this service is deliberately narrow: webhook
// signature verification. Checkout, card tokenization, and charge execution
// live outside this service entirely; all we receive are signed
// server-to-server event deliveries.
package external

import (
	stripe "github.com/stripe/stripe-go/v82"
)

// WebhookVerifier abstracts payment webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature
	// header and signing secret. Returns nil on success, an error on
	// failure.
	Verify(payload []byte, header string, secret string) error
}

// Payment event type constants prevent magic strings in webhook handlers.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a webhook payload against the signature header and
// signing secret. Uses stripe-go's ValidatePayload which checks both the
// HMAC signature and the timestamp tolerance.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
