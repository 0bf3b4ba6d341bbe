package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"amora/internal/core"
	"amora/internal/external"
	"amora/internal/types"
)

// maxWebhookBodySize limits webhook payloads to 64KB. Provider events are
// small; anything larger is malformed or malicious.
const maxWebhookBodySize = 64 * 1024

// ActivationReconciler is the reconciler surface consumed by the webhook
// handler: apply successful payments exactly once, flag failed renewals.
type ActivationReconciler interface {
	Activate(ctx context.Context, event types.PaymentActivationEvent) (types.ActivationResult, error)
	MarkPastDue(ctx context.Context, userID string) error
}

// paymentWebhookEvent is a minimal representation of the provider's event
// envelope. We avoid importing the provider SDK's event type to keep the
// handler decoupled and to make testing straightforward.
type paymentWebhookEvent struct {
	ID   string             `json:"id"`
	Type string             `json:"type"`
	Data paymentWebhookData `json:"data"`
}

// paymentWebhookData carries the fields this service consumes from payment
// events. Unknown fields in the provider payload are ignored.
type paymentWebhookData struct {
	ProviderPaymentID string `json:"provider_payment_id"`
	UserID            string `json:"user_id"`
	Plan              string `json:"plan"`
	AmountCents       int64  `json:"amount_cents"`
}

// PaymentsWebhookHandler processes server-to-server payment provider events.
//
// This endpoint is NOT behind the auth middleware because the provider
// cannot authenticate with user bearer tokens. Security is provided by
// verifying the signature header against the webhook signing secret.
type PaymentsWebhookHandler struct {
	verifier   external.WebhookVerifier
	reconciler ActivationReconciler
	secret     string
	logger     *slog.Logger
}

// NewPaymentsWebhookHandler creates a new PaymentsWebhookHandler.
func NewPaymentsWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler ActivationReconciler,
	secret string,
	logger *slog.Logger,
) *PaymentsWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentsWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the payments webhook endpoint. This is separate from
// EntitlementHandler.RegisterRoutes because webhook routes are public (no
// auth middleware).
func (h *PaymentsWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payments", h.Handle)
}

// Handle processes incoming payment provider webhook events.
//
//  1. Reads the body and the Stripe-Signature header.
//  2. Verifies the signature using the webhook signing secret.
//  3. Parses the event JSON.
//  4. Routes to the reconciler based on event type.
//  5. Returns 200 OK once the signature checked out, even when internal
//     processing fails, to keep the provider from retrying forever. The
//     reconciler's idempotency record makes redeliveries harmless anyway.
func (h *PaymentsWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing webhook signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing webhook signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event paymentWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing payment webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		// Return 200 anyway to prevent the provider from retrying. The
		// error is logged for investigation; a genuine transient failure
		// is recovered by the provider's next scheduled redelivery.
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches the webhook event to the reconciler based on the
// event type. Unrecognized event types are acknowledged and dropped.
func (h *PaymentsWebhookHandler) routeEvent(ctx context.Context, event *paymentWebhookEvent) error {
	switch event.Type {
	case external.EventPaymentSucceeded:
		return h.handlePaymentSucceeded(ctx, event)

	case external.EventPaymentFailed:
		return h.handlePaymentFailed(ctx, event)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handlePaymentSucceeded applies a confirmed charge through the reconciler.
// Duplicate deliveries short-circuit on the idempotency record.
func (h *PaymentsWebhookHandler) handlePaymentSucceeded(ctx context.Context, event *paymentWebhookEvent) error {
	result, err := h.reconciler.Activate(ctx, types.PaymentActivationEvent{
		ProviderPaymentID: event.Data.ProviderPaymentID,
		UserID:            event.Data.UserID,
		Plan:              types.PlanID(event.Data.Plan),
		AmountCents:       event.Data.AmountCents,
		Status:            types.PaymentSucceeded,
	})
	if err != nil {
		return err
	}

	if !result.Applied {
		h.logger.InfoContext(ctx, "duplicate payment delivery ignored",
			"provider_payment_id", event.Data.ProviderPaymentID,
		)
	}
	return nil
}

// handlePaymentFailed marks the user past_due so the entitlement evaluator
// and the renewal sweep see the lapsed subscription.
func (h *PaymentsWebhookHandler) handlePaymentFailed(ctx context.Context, event *paymentWebhookEvent) error {
	return h.reconciler.MarkPastDue(ctx, event.Data.UserID)
}
