// Package usage implements the authoritative usage counter store: the one
// place where "may I perform this action, and if so, record it" is decided
// and committed as a single critical section per user.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"amora/internal/billing"
	"amora/internal/types"
)

// DB defines the database operations needed by the counter store.
// Using an interface allows clean testing without database dependencies.
type DB interface {
	// BeginConsumeTx starts a transaction scoped to one user's entitlement
	// row. The returned Tx must be committed or rolled back by the caller.
	BeginConsumeTx(ctx context.Context) (Tx, error)

	// GetState returns the user's entitlement state without locking it.
	// Unknown users get the default free-plan state, not an error.
	GetState(ctx context.Context, userID string) (*types.UserEntitlementState, error)
}

// Tx defines the transactional operations for one consume attempt. All
// methods operate within the transaction started by DB.BeginConsumeTx.
type Tx interface {
	// LockState returns the user's entitlement row locked for the rest of
	// the transaction, creating the default free-plan row first if the
	// user has never been seen.
	//
	// SQL: INSERT INTO user_entitlements (user_id) VALUES ($1)
	//        ON CONFLICT (user_id) DO NOTHING;
	//      SELECT ... FROM user_entitlements WHERE user_id = $1 FOR UPDATE
	LockState(ctx context.Context, userID string) (*types.UserEntitlementState, error)

	// UpdateCounters writes back the counter fields and last reset date of
	// the locked row.
	//
	// SQL: UPDATE user_entitlements
	//      SET messages_used_today = $1, voice_calls_used_today = $2,
	//          companions_created = $3, last_usage_reset = $4, updated_at = NOW()
	//      WHERE user_id = $5
	UpdateCounters(ctx context.Context, state *types.UserEntitlementState) error

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// maxConflictRetries bounds the retry loop on serialization conflicts. Row
// locks make conflicts rare; the loop exists for 40001/40P01 aborts under
// load, after which the client-visible error is returned.
const maxConflictRetries = 3

// CounterStore is the authoritative check-and-increment gate for metered
// actions. Two concurrent requests can never both pass a hard limit: the
// check and the increment share one per-user critical section.
type CounterStore struct {
	db      DB
	catalog billing.Catalog
	logger  *slog.Logger

	// now is replaceable so day-boundary behavior is testable.
	now func() time.Time
}

// NewCounterStore creates a new CounterStore service.
func NewCounterStore(db DB, catalog billing.Catalog, logger *slog.Logger) *CounterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CounterStore{
		db:      db,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TryConsume atomically checks the user's limit for kind and records one unit
// of consumption if allowed. A denial is a normal result, not an error.
//
// Inside the critical section, counters last reset before today's UTC date
// are zeroed first (the lazy day-boundary reset), so a user capped yesterday
// is granted today. The companion counter is lifetime and never resets.
func (s *CounterStore) TryConsume(ctx context.Context, userID string, kind types.MeterKind) (types.ConsumeResult, error) {
	if userID == "" {
		return types.ConsumeResult{}, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}
	if !types.ValidMeterKind(kind) {
		return types.ConsumeResult{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidKind,
			"unknown meter kind",
			nil,
			map[string]any{"kind": string(kind)},
		)
	}

	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			s.logger.WarnContext(ctx, "retrying consume after conflict",
				"user_id", userID,
				"attempt", attempt,
			)
			select {
			case <-ctx.Done():
				return types.ConsumeResult{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		res, err := s.consumeOnce(ctx, userID, kind)
		if err == nil {
			return res, nil
		}
		if !isConflict(err) {
			return types.ConsumeResult{}, err
		}
		lastErr = err
	}
	return types.ConsumeResult{}, lastErr
}

// consumeOnce runs one locked check-and-increment attempt.
func (s *CounterStore) consumeOnce(ctx context.Context, userID string, kind types.MeterKind) (types.ConsumeResult, error) {
	now := s.now()

	tx, err := s.db.BeginConsumeTx(ctx)
	if err != nil {
		return types.ConsumeResult{}, fmt.Errorf("beginning consume transaction: %w", err)
	}
	// Ensure rollback on any error path. Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	state, err := tx.LockState(ctx, userID)
	if err != nil {
		return types.ConsumeResult{}, fmt.Errorf("locking entitlement state for user %s: %w", userID, err)
	}

	dirty := resetDailyCounters(state, now)

	plan, err := s.catalog.Get(state.Plan)
	if err != nil {
		return types.ConsumeResult{}, err
	}

	limit := limitFor(plan, kind)
	used := usedFor(state, kind)

	if limit != types.Unlimited && used >= limit {
		// Denied. Persist the lazy reset if one happened so read paths
		// and other devices see the fresh day.
		if dirty {
			if err := tx.UpdateCounters(ctx, state); err != nil {
				return types.ConsumeResult{}, fmt.Errorf("persisting day reset for user %s: %w", userID, err)
			}
			if err := tx.Commit(ctx); err != nil {
				return types.ConsumeResult{}, fmt.Errorf("committing day reset for user %s: %w", userID, err)
			}
		}
		return types.ConsumeResult{Granted: false, Remaining: clampRemaining(limit, used)}, nil
	}

	increment(state, kind)
	if err := tx.UpdateCounters(ctx, state); err != nil {
		return types.ConsumeResult{}, fmt.Errorf("recording consumption for user %s: %w", userID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ConsumeResult{}, fmt.Errorf("committing consumption for user %s: %w", userID, err)
	}

	return types.ConsumeResult{
		Granted:   true,
		Remaining: clampRemaining(limit, usedFor(state, kind)),
	}, nil
}

// EntitlementView is the read model served to API clients: the user's plan,
// the evaluated decision, and the counters the decision was computed from.
type EntitlementView struct {
	Plan     types.Plan
	Decision types.EntitlementDecision
	Usage    types.UsageSnapshot
}

// Entitlement returns the user's entitlement view for the current moment.
// Read-only; stale daily counters are normalized in the returned view
// without writing anything.
func (s *CounterStore) Entitlement(ctx context.Context, userID string) (EntitlementView, error) {
	if userID == "" {
		return EntitlementView{}, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}

	state, err := s.db.GetState(ctx, userID)
	if err != nil {
		return EntitlementView{}, fmt.Errorf("reading entitlement state for user %s: %w", userID, err)
	}

	plan, err := s.catalog.Get(state.Plan)
	if err != nil {
		return EntitlementView{}, err
	}

	now := s.now()
	normalized := *state
	resetDailyCounters(&normalized, now)

	return EntitlementView{
		Plan:     plan,
		Decision: billing.Evaluate(plan, state.Snapshot(), now),
		Usage:    normalized.Snapshot(),
	}, nil
}

// resetDailyCounters zeroes the daily counters when the stored reset date is
// not today's UTC date. Reports whether the state was modified. The companion
// counter is monotonic and untouched.
func resetDailyCounters(state *types.UserEntitlementState, now time.Time) bool {
	if types.SameUTCDay(state.LastUsageReset, now) {
		return false
	}
	state.MessagesUsedToday = 0
	state.VoiceCallsUsedToday = 0
	state.LastUsageReset = types.UTCDay(now)
	return true
}

func limitFor(plan types.Plan, kind types.MeterKind) int {
	switch kind {
	case types.MeterMessage:
		return plan.MessagesPerDay
	case types.MeterVoiceCall:
		return plan.VoiceCallsPerDay
	default:
		return plan.MaxCompanions
	}
}

func usedFor(state *types.UserEntitlementState, kind types.MeterKind) int {
	switch kind {
	case types.MeterMessage:
		return state.MessagesUsedToday
	case types.MeterVoiceCall:
		return state.VoiceCallsUsedToday
	default:
		return state.CompanionsCreated
	}
}

func increment(state *types.UserEntitlementState, kind types.MeterKind) {
	switch kind {
	case types.MeterMessage:
		state.MessagesUsedToday++
	case types.MeterVoiceCall:
		state.VoiceCallsUsedToday++
	default:
		state.CompanionsCreated++
	}
}

func clampRemaining(limit, used int) int {
	if limit == types.Unlimited {
		return types.Unlimited
	}
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}

func isConflict(err error) bool {
	appErr, ok := types.AsAppError(err)
	return ok && appErr.Code == types.ErrCodeConflictConcurrent
}
