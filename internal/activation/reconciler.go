// Package activation reconciles asynchronous payment confirmations into
// entitlement state, exactly once per provider payment id.
package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"amora/internal/billing"
	"amora/internal/types"
)

// DB defines the database operations needed by the reconciler.
// Using an interface allows clean testing without database dependencies.
type DB interface {
	// BeginActivationTx starts a transaction for one activation attempt.
	// The returned Tx must be committed or rolled back by the caller.
	BeginActivationTx(ctx context.Context) (Tx, error)
}

// Tx defines the transactional operations for applying one payment event.
// All methods operate within the transaction started by DB.BeginActivationTx.
type Tx interface {
	// RecordActivation claims the idempotency key for this payment.
	// Returns false when the key was already claimed, meaning the event is
	// a duplicate delivery and nothing else may change.
	//
	// SQL: INSERT INTO processed_activations (provider_payment_id, user_id, created_at)
	//      VALUES ($1, $2, NOW())
	//      ON CONFLICT (provider_payment_id) DO NOTHING
	RecordActivation(ctx context.Context, providerPaymentID, userID string) (bool, error)

	// LockState returns the user's entitlement row locked for the rest of
	// the transaction, creating the default free-plan row first if the
	// user has never been seen.
	LockState(ctx context.Context, userID string) (*types.UserEntitlementState, error)

	// UpdateEntitlement writes back the full entitlement row: plan,
	// status, cycle dates, counters, and reset date.
	UpdateEntitlement(ctx context.Context, state *types.UserEntitlementState) error

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// maxConflictRetries bounds retries on serialization conflicts before the
// error surfaces to the caller, which for webhook deliveries means the
// provider retries the whole event later.
const maxConflictRetries = 3

// Reconciler applies provider-confirmed payments to entitlement state. The
// key claim and the plan change commit or roll back together, so a crash
// between them can never strand a paid user on free limits.
type Reconciler struct {
	db     DB
	logger *slog.Logger

	now func() time.Time
}

// NewReconciler creates a new Reconciler service.
func NewReconciler(db DB, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Activate applies one confirmed payment event. Duplicate deliveries of the
// same provider payment id return Applied=false and change nothing; that is
// the normal webhook-retry outcome, not an error.
//
// A fresh activation sets the plan, marks the subscription active, restarts
// the billing cycle at now, and zeroes the daily counters so the user does
// not start the paid plan already used up from free-tier activity. The
// companion counter is lifetime and survives.
func (r *Reconciler) Activate(ctx context.Context, event types.PaymentActivationEvent) (types.ActivationResult, error) {
	if err := validateEvent(event); err != nil {
		return types.ActivationResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			r.logger.WarnContext(ctx, "retrying activation after conflict",
				"provider_payment_id", event.ProviderPaymentID,
				"attempt", attempt,
			)
			select {
			case <-ctx.Done():
				return types.ActivationResult{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		res, err := r.activateOnce(ctx, event)
		if err == nil {
			return res, nil
		}
		appErr, ok := types.AsAppError(err)
		if !ok || appErr.Code != types.ErrCodeConflictConcurrent {
			return types.ActivationResult{}, err
		}
		lastErr = err
	}
	return types.ActivationResult{}, lastErr
}

func (r *Reconciler) activateOnce(ctx context.Context, event types.PaymentActivationEvent) (types.ActivationResult, error) {
	now := r.now()

	tx, err := r.db.BeginActivationTx(ctx)
	if err != nil {
		return types.ActivationResult{}, fmt.Errorf("beginning activation transaction: %w", err)
	}
	// Ensure rollback on any error path. Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	claimed, err := tx.RecordActivation(ctx, event.ProviderPaymentID, event.UserID)
	if err != nil {
		return types.ActivationResult{}, fmt.Errorf("claiming activation key %s: %w", event.ProviderPaymentID, err)
	}
	if !claimed {
		r.logger.InfoContext(ctx, "duplicate activation ignored",
			"provider_payment_id", event.ProviderPaymentID,
			"user_id", event.UserID,
		)
		return types.ActivationResult{Applied: false}, nil
	}

	state, err := tx.LockState(ctx, event.UserID)
	if err != nil {
		return types.ActivationResult{}, fmt.Errorf("locking entitlement state for user %s: %w", event.UserID, err)
	}

	state.Plan = event.Plan
	state.Status = types.SubStatusActive
	state.BillingCycleStart = now
	state.NextBillingDate = billing.NextBillingDate(now)
	state.MessagesUsedToday = 0
	state.VoiceCallsUsedToday = 0
	state.LastUsageReset = types.UTCDay(now)

	if err := tx.UpdateEntitlement(ctx, state); err != nil {
		return types.ActivationResult{}, fmt.Errorf("applying activation for user %s: %w", event.UserID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ActivationResult{}, fmt.Errorf("committing activation for user %s: %w", event.UserID, err)
	}

	r.logger.InfoContext(ctx, "plan activated",
		"user_id", event.UserID,
		"plan", string(event.Plan),
		"provider_payment_id", event.ProviderPaymentID,
	)
	return types.ActivationResult{Applied: true}, nil
}

// MarkPastDue flags an active subscription after a failed renewal charge.
// The plan itself is untouched; downstream dunning decides the downgrade.
// No-op for users who are not currently active.
func (r *Reconciler) MarkPastDue(ctx context.Context, userID string) error {
	if userID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}

	tx, err := r.db.BeginActivationTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning past-due transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	state, err := tx.LockState(ctx, userID)
	if err != nil {
		return fmt.Errorf("locking entitlement state for user %s: %w", userID, err)
	}
	if state.Status != types.SubStatusActive {
		return nil
	}

	state.Status = types.SubStatusPastDue
	if err := tx.UpdateEntitlement(ctx, state); err != nil {
		return fmt.Errorf("marking user %s past due: %w", userID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing past-due for user %s: %w", userID, err)
	}

	r.logger.WarnContext(ctx, "subscription marked past due", "user_id", userID)
	return nil
}

// validateEvent rejects malformed events before any idempotency key is
// claimed. A bad event must stay retriable once its payload is fixed.
func validateEvent(event types.PaymentActivationEvent) error {
	if event.ProviderPaymentID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "provider payment id is required", nil)
	}
	if event.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}
	if !billing.Known(event.Plan) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			"activation references a plan not in the catalog",
			nil,
			map[string]any{"plan_id": string(event.Plan)},
		)
	}
	return nil
}
