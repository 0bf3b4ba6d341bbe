// Package handlers contains the HTTP handler implementations for the Amora
// entitlement API.
//
// This file implements the authenticated metering surface:
//   - Entitlement snapshot (plan, per-action decisions, remaining counts)
//   - Atomic usage consumption (check-and-increment)
//   - Client-confirmed payment activation
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"amora/internal/core"
	"amora/internal/types"
	"amora/internal/usage"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally: the handler states the contract it
// needs and implementations are injected via the constructor. This avoids
// coupling to concrete service types and enables test mocking.

// MeteringService is the authoritative counter store surface the handler
// consumes. TryConsume commits the check-and-increment atomically server
// side, so a client retry after an ambiguous timeout can never double-grant.
type MeteringService interface {
	// TryConsume atomically checks the caller's limit for the given meter
	// kind and increments the counter if allowed.
	TryConsume(ctx context.Context, userID string, kind types.MeterKind) (types.ConsumeResult, error)

	// Entitlement returns the caller's current plan, decision, and usage
	// counters without modifying anything.
	Entitlement(ctx context.Context, userID string) (usage.EntitlementView, error)
}

// ActivationService applies provider-confirmed payments exactly once.
type ActivationService interface {
	// Activate upgrades the user named by the event. Duplicate deliveries
	// of the same provider payment id are no-ops with Applied=false.
	Activate(ctx context.Context, event types.PaymentActivationEvent) (types.ActivationResult, error)
}

// --- Request/Response Models ---

// ConsumeRequest is the request body for POST /v1/usage/consume.
type ConsumeRequest struct {
	Kind types.MeterKind `json:"kind" validate:"required,oneof=message voice_call companion"`
}

// ActivateRequest is the request body for POST /v1/billing/activate. The
// client sends this after the payment provider confirms a charge; the
// provider payment id doubles as the idempotency key, so the request is safe
// to retry.
//
// The free plan is not accepted here: there is nothing to pay for, and
// downgrades happen through cycle expiry, not activation.
type ActivateRequest struct {
	ProviderPaymentID string       `json:"provider_payment_id" validate:"required"`
	Plan              types.PlanID `json:"plan" validate:"required,oneof=premium pro"`
}

// EntitlementResponse is the response for GET /v1/entitlement. The embedded
// decision contributes the can_*/remaining_* fields.
type EntitlementResponse struct {
	Plan types.PlanID `json:"plan"`
	types.EntitlementDecision
	CompanionsCreated int `json:"companions_created"`
	MaxCompanions     int `json:"max_companions"`
}

// --- Entitlement Handler ---

// EntitlementHandler serves the authenticated metering and activation
// endpoints. The user id always comes from the authenticated actor, never
// from the request body.
type EntitlementHandler struct {
	meter      MeteringService
	activation ActivationService
	validator  *core.Validator
	logger     *slog.Logger
}

// NewEntitlementHandler creates a new EntitlementHandler with the provided
// dependencies.
func NewEntitlementHandler(
	meter MeteringService,
	activation ActivationService,
	v *core.Validator,
	l *slog.Logger,
) *EntitlementHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EntitlementHandler{
		meter:      meter,
		activation: activation,
		validator:  v,
		logger:     l,
	}
}

// RegisterRoutes mounts the authenticated entitlement endpoints. The parent
// router has already applied the auth middleware.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/entitlement", h.GetEntitlement)
	r.Post("/usage/consume", h.Consume)
	r.Post("/billing/activate", h.Activate)
}

// GetEntitlement handles GET /v1/entitlement. It returns the caller's plan
// and the evaluated decision for the current moment; stale daily counters
// are reported as if already reset.
func (h *EntitlementHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"authentication required",
			nil,
		))
		return
	}

	view, err := h.meter.Entitlement(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: EntitlementResponse{
		Plan:                view.Plan.ID,
		EntitlementDecision: view.Decision,
		CompanionsCreated:   view.Usage.CompanionsCreated,
		MaxCompanions:       view.Plan.MaxCompanions,
	}})
}

// Consume handles POST /v1/usage/consume. A denial is a successful request
// with granted=false, not an error status: the caller asked a question and
// got an answer.
func (h *EntitlementHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"authentication required",
			nil,
		))
		return
	}

	result, err := h.meter.TryConsume(r.Context(), actor.UserID, req.Kind)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if !result.Granted {
		h.logger.InfoContext(r.Context(), "usage denied",
			"user_id", actor.UserID,
			"kind", req.Kind,
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Activate handles POST /v1/billing/activate, the client-confirmed charge
// path. The webhook path in payments_webhook.go feeds the same reconciler,
// so whichever delivery lands first wins and the other is a no-op.
func (h *EntitlementHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"authentication required",
			nil,
		))
		return
	}

	result, err := h.activation.Activate(r.Context(), types.PaymentActivationEvent{
		ProviderPaymentID: req.ProviderPaymentID,
		UserID:            actor.UserID,
		Plan:              req.Plan,
		Status:            types.PaymentSucceeded,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "activation failed",
			"user_id", actor.UserID,
			"provider_payment_id", req.ProviderPaymentID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}
