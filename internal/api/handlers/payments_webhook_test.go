package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"amora/internal/external"
	"amora/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

// mockWebhookVerifier implements external.WebhookVerifier for testing.
type mockWebhookVerifier struct {
	shouldFail bool
	err        error
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	if m.shouldFail {
		if m.err != nil {
			return m.err
		}
		return errors.New("signature verification failed")
	}
	return nil
}

// mockReconciler implements ActivationReconciler for testing.
type mockReconciler struct {
	activateCalls []types.PaymentActivationEvent
	pastDueCalls  []string
	activateErr   error
	pastDueErr    error
	applied       bool
}

func (m *mockReconciler) Activate(ctx context.Context, event types.PaymentActivationEvent) (types.ActivationResult, error) {
	m.activateCalls = append(m.activateCalls, event)
	if m.activateErr != nil {
		return types.ActivationResult{}, m.activateErr
	}
	return types.ActivationResult{Applied: m.applied}, nil
}

func (m *mockReconciler) MarkPastDue(ctx context.Context, userID string) error {
	m.pastDueCalls = append(m.pastDueCalls, userID)
	return m.pastDueErr
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// buildPaymentEvent creates a JSON-encoded provider event for testing.
func buildPaymentEvent(eventType, eventID, paymentID, userID, plan string) []byte {
	event := map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{
			"provider_payment_id": paymentID,
			"user_id":             userID,
			"plan":                plan,
			"amount_cents":        999,
		},
	}
	b, _ := json.Marshal(event)
	return b
}

func newTestWebhookHandler(verifier *mockWebhookVerifier, rec *mockReconciler) *PaymentsWebhookHandler {
	return NewPaymentsWebhookHandler(verifier, rec, "whsec_test_secret", nil)
}

// doWebhookRequest performs an HTTP request to the webhook handler.
func doWebhookRequest(handler *PaymentsWebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

func decodeErrCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	code, _ := errResp["error"]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Tests: Signature Verification
// ---------------------------------------------------------------------------

func TestPaymentsWebhookHandler_Handle_MissingSignature(t *testing.T) {
	rec := &mockReconciler{applied: true}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	body := buildPaymentEvent(external.EventPaymentSucceeded, "evt_1", "pay_1", "u1", "premium")
	rr := doWebhookRequest(handler, body, "")

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
	if code := decodeErrCode(t, rr); code != string(types.ErrCodeAuthTokenMissing) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeAuthTokenMissing, code)
	}
	if len(rec.activateCalls) != 0 {
		t.Error("unsigned event must never reach the reconciler")
	}
}

func TestPaymentsWebhookHandler_Handle_InvalidSignature(t *testing.T) {
	rec := &mockReconciler{applied: true}
	handler := newTestWebhookHandler(&mockWebhookVerifier{shouldFail: true}, rec)

	body := buildPaymentEvent(external.EventPaymentSucceeded, "evt_1", "pay_1", "u1", "premium")
	rr := doWebhookRequest(handler, body, "t=12345,v1=bad_signature")

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
	if code := decodeErrCode(t, rr); code != string(types.ErrCodeAuthTokenInvalid) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeAuthTokenInvalid, code)
	}
	if len(rec.activateCalls) != 0 {
		t.Error("badly signed event must never reach the reconciler")
	}
}

// ---------------------------------------------------------------------------
// Tests: Event Routing
// ---------------------------------------------------------------------------

func TestPaymentsWebhookHandler_Handle_PaymentSucceeded(t *testing.T) {
	rec := &mockReconciler{applied: true}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	body := buildPaymentEvent(external.EventPaymentSucceeded, "evt_1", "pay_123", "u1", "premium")
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(rec.activateCalls) != 1 {
		t.Fatalf("expected 1 Activate call, got %d", len(rec.activateCalls))
	}
	got := rec.activateCalls[0]
	if got.ProviderPaymentID != "pay_123" || got.UserID != "u1" || got.Plan != types.PlanPremium {
		t.Errorf("unexpected activation event: %+v", got)
	}
	if got.Status != types.PaymentSucceeded {
		t.Errorf("Status = %s, want succeeded", got.Status)
	}
	if got.AmountCents != 999 {
		t.Errorf("AmountCents = %d, want 999", got.AmountCents)
	}
}

func TestPaymentsWebhookHandler_Handle_DuplicateDelivery(t *testing.T) {
	// Applied=false from the reconciler is still a 200: the idempotency
	// record already absorbed the event.
	rec := &mockReconciler{applied: false}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	body := buildPaymentEvent(external.EventPaymentSucceeded, "evt_1", "pay_123", "u1", "premium")
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestPaymentsWebhookHandler_Handle_PaymentFailed(t *testing.T) {
	rec := &mockReconciler{}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	body := buildPaymentEvent(external.EventPaymentFailed, "evt_2", "pay_456", "u2", "premium")
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(rec.pastDueCalls) != 1 || rec.pastDueCalls[0] != "u2" {
		t.Errorf("expected MarkPastDue(u2), got %v", rec.pastDueCalls)
	}
	if len(rec.activateCalls) != 0 {
		t.Error("failed payment must not trigger activation")
	}
}

func TestPaymentsWebhookHandler_Handle_ProcessingErrorStill200(t *testing.T) {
	rec := &mockReconciler{activateErr: errors.New("db down")}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	body := buildPaymentEvent(external.EventPaymentSucceeded, "evt_1", "pay_123", "u1", "premium")
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Errorf("processing failures must still ack with 200, got %d", rr.Code)
	}
}

func TestPaymentsWebhookHandler_Handle_UnknownEventType(t *testing.T) {
	rec := &mockReconciler{}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	body := buildPaymentEvent("refund.created", "evt_3", "pay_789", "u3", "premium")
	rr := doWebhookRequest(handler, body, "t=12345,v1=sig")

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(rec.activateCalls) != 0 || len(rec.pastDueCalls) != 0 {
		t.Error("unknown event types must be dropped")
	}
}

func TestPaymentsWebhookHandler_Handle_InvalidJSON(t *testing.T) {
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, &mockReconciler{})

	rr := doWebhookRequest(handler, []byte("{not json"), "t=12345,v1=sig")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestPaymentsWebhookHandler_RegisterRoutes(t *testing.T) {
	rec := &mockReconciler{applied: true}
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, rec)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	body := buildPaymentEvent(external.EventPaymentSucceeded, "evt_1", "pay_1", "u1", "pro")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=12345,v1=sig")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}
