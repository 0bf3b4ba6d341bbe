package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"amora/internal/activation"
	"amora/internal/billing"
	"amora/internal/types"
	"amora/internal/usage"
)

// sweepAdvisoryLockID keys the transaction-scoped advisory lock serializing
// renewal sweeps. Arbitrary but stable; shared by every sweeper process.
const sweepAdvisoryLockID = 0x616d6f7261 // "amora"

// EntitlementRepo is the PostgreSQL store for entitlement state, activation
// idempotency keys, and renewal records. One repository serves the usage
// counter store, the activation reconciler, and the billing cycle manager so
// all three serialize on the same row locks.
//
// Schema:
//
//	CREATE TABLE user_entitlements (
//	    user_id                TEXT PRIMARY KEY,
//	    plan                   TEXT NOT NULL DEFAULT 'free',
//	    status                 TEXT NOT NULL DEFAULT 'free',
//	    billing_cycle_start    TIMESTAMPTZ,
//	    next_billing_date      TIMESTAMPTZ,
//	    last_usage_reset       TIMESTAMPTZ,
//	    messages_used_today    INT NOT NULL DEFAULT 0,
//	    voice_calls_used_today INT NOT NULL DEFAULT 0,
//	    companions_created     INT NOT NULL DEFAULT 0,
//	    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE processed_activations (
//	    provider_payment_id TEXT PRIMARY KEY,
//	    user_id             TEXT NOT NULL,
//	    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE renewal_records (
//	    id           UUID PRIMARY KEY,
//	    user_id      TEXT NOT NULL,
//	    plan         TEXT NOT NULL,
//	    period_start TIMESTAMPTZ NOT NULL,
//	    period_end   TIMESTAMPTZ NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_entitlements_renewal
//	    ON user_entitlements (next_billing_date)
//	    WHERE status = 'active' AND plan <> 'free';
type EntitlementRepo struct {
	pool Pool
}

// NewEntitlementRepo creates a repository backed by the given pool.
func NewEntitlementRepo(pool Pool) *EntitlementRepo {
	return &EntitlementRepo{pool: pool}
}

// Compile-time interface checks.
var (
	_ usage.DB        = (*EntitlementRepo)(nil)
	_ activation.DB   = (*EntitlementRepo)(nil)
	_ billing.SweepDB = (*EntitlementRepo)(nil)
)

// GetState returns the user's entitlement state without locking. Unknown
// users get the default free-plan state, not an error.
func (r *EntitlementRepo) GetState(ctx context.Context, userID string) (*types.UserEntitlementState, error) {
	state, err := scanState(ctx, r.pool, userID, false)
	if err != nil {
		return nil, err
	}
	if state == nil {
		s := defaultState(userID)
		return &s, nil
	}
	return state, nil
}

// BeginConsumeTx starts a transaction for one consume attempt.
func (r *EntitlementRepo) BeginConsumeTx(ctx context.Context) (usage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapDBError(err, "failed to begin transaction")
	}
	return &entitlementTx{tx: tx}, nil
}

// BeginActivationTx starts a transaction for one activation attempt.
func (r *EntitlementRepo) BeginActivationTx(ctx context.Context) (activation.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapDBError(err, "failed to begin transaction")
	}
	return &entitlementTx{tx: tx}, nil
}

// BeginSweepTx starts a transaction for one renewal sweep batch.
func (r *EntitlementRepo) BeginSweepTx(ctx context.Context) (billing.SweepTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapDBError(err, "failed to begin transaction")
	}
	return &sweepTx{tx: tx}, nil
}

// entitlementTx implements the usage and activation transaction interfaces
// over one pgx transaction.
type entitlementTx struct {
	tx TxConn
}

// LockState creates the default row if needed and locks it for the rest of
// the transaction. Two concurrent consumes for one user queue here.
func (t *entitlementTx) LockState(ctx context.Context, userID string) (*types.UserEntitlementState, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO user_entitlements (user_id)
		 VALUES ($1)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, mapDBError(err, "failed to ensure entitlement row")
	}

	state, err := scanState(ctx, t.tx, userID, true)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// The row was inserted or already present; absence here means
		// something deleted it mid-transaction.
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "entitlement row vanished under lock", nil)
	}
	return state, nil
}

// UpdateCounters writes back the counter fields of the locked row.
func (t *entitlementTx) UpdateCounters(ctx context.Context, state *types.UserEntitlementState) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_entitlements
		 SET messages_used_today = $1,
		     voice_calls_used_today = $2,
		     companions_created = $3,
		     last_usage_reset = $4,
		     updated_at = NOW()
		 WHERE user_id = $5`,
		state.MessagesUsedToday,
		state.VoiceCallsUsedToday,
		state.CompanionsCreated,
		nilIfZeroTime(state.LastUsageReset),
		state.UserID,
	)
	if err != nil {
		return mapDBError(err, "failed to update usage counters")
	}
	return nil
}

// UpdateEntitlement writes back the full entitlement row.
func (t *entitlementTx) UpdateEntitlement(ctx context.Context, state *types.UserEntitlementState) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_entitlements
		 SET plan = $1,
		     status = $2,
		     billing_cycle_start = $3,
		     next_billing_date = $4,
		     last_usage_reset = $5,
		     messages_used_today = $6,
		     voice_calls_used_today = $7,
		     companions_created = $8,
		     updated_at = NOW()
		 WHERE user_id = $9`,
		string(state.Plan),
		string(state.Status),
		nilIfZeroTime(state.BillingCycleStart),
		nilIfZeroTime(state.NextBillingDate),
		nilIfZeroTime(state.LastUsageReset),
		state.MessagesUsedToday,
		state.VoiceCallsUsedToday,
		state.CompanionsCreated,
		state.UserID,
	)
	if err != nil {
		return mapDBError(err, "failed to update entitlement")
	}
	return nil
}

// RecordActivation claims the idempotency key for one payment. The insert's
// row lock makes a concurrent duplicate block until this transaction
// finishes, then observe the claim.
func (t *entitlementTx) RecordActivation(ctx context.Context, providerPaymentID, userID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO processed_activations (provider_payment_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (provider_payment_id) DO NOTHING`,
		providerPaymentID,
		userID,
	)
	if err != nil {
		return false, mapDBError(err, "failed to record activation")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *entitlementTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapDBError(err, "failed to commit transaction")
	}
	return nil
}

func (t *entitlementTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// sweepTx implements billing.SweepTx over one pgx transaction.
type sweepTx struct {
	tx TxConn
}

func (t *sweepTx) TryLock(ctx context.Context) (bool, error) {
	var locked bool
	err := t.tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`,
		sweepAdvisoryLockID,
	).Scan(&locked)
	if err != nil {
		return false, mapDBError(err, "failed to acquire sweep lock")
	}
	return locked, nil
}

func (t *sweepTx) ListDue(ctx context.Context, now time.Time, limit int) ([]billing.DueRenewal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, plan, next_billing_date
		 FROM user_entitlements
		 WHERE next_billing_date <= $1
		   AND status = 'active'
		   AND plan <> 'free'
		 ORDER BY next_billing_date
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now,
		limit,
	)
	if err != nil {
		return nil, mapDBError(err, "failed to list due renewals")
	}
	defer rows.Close()

	var due []billing.DueRenewal
	for rows.Next() {
		var d billing.DueRenewal
		var plan string
		if err := rows.Scan(&d.UserID, &plan, &d.NextBillingDate); err != nil {
			return nil, mapDBError(err, "failed to scan due renewal")
		}
		d.Plan = types.PlanID(plan)
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapDBError(err, "failed to iterate due renewals")
	}
	return due, nil
}

func (t *sweepTx) AdvanceCycle(ctx context.Context, userID string, newStart, newNext, observedNext time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE user_entitlements
		 SET billing_cycle_start = $1,
		     next_billing_date = $2,
		     updated_at = NOW()
		 WHERE user_id = $3
		   AND next_billing_date = $4`,
		newStart,
		newNext,
		userID,
		observedNext,
	)
	if err != nil {
		return false, mapDBError(err, "failed to advance billing cycle")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *sweepTx) InsertRenewalRecord(ctx context.Context, rec types.RenewalRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO renewal_records (id, user_id, plan, period_start, period_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID,
		rec.UserID,
		string(rec.Plan),
		rec.PeriodStart,
		rec.PeriodEnd,
		rec.CreatedAt,
	)
	if err != nil {
		return mapDBError(err, "failed to insert renewal record")
	}
	return nil
}

func (t *sweepTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapDBError(err, "failed to commit sweep batch")
	}
	return nil
}

func (t *sweepTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// scanState reads one entitlement row, optionally locking it. Returns nil
// without error when the row does not exist.
func scanState(ctx context.Context, q DBTX, userID string, forUpdate bool) (*types.UserEntitlementState, error) {
	query := `SELECT user_id, plan, status,
	                 billing_cycle_start, next_billing_date, last_usage_reset,
	                 messages_used_today, voice_calls_used_today, companions_created
	          FROM user_entitlements
	          WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		state                         types.UserEntitlementState
		plan, status                  string
		cycleStart, nextBill, lastRst *time.Time
	)
	err := q.QueryRow(ctx, query, userID).Scan(
		&state.UserID,
		&plan,
		&status,
		&cycleStart,
		&nextBill,
		&lastRst,
		&state.MessagesUsedToday,
		&state.VoiceCallsUsedToday,
		&state.CompanionsCreated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapDBError(err, "failed to read entitlement state")
	}

	state.Plan = types.PlanID(plan)
	state.Status = types.SubscriptionStatus(status)
	state.BillingCycleStart = derefTime(cycleStart)
	state.NextBillingDate = derefTime(nextBill)
	state.LastUsageReset = derefTime(lastRst)
	return &state, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// nilIfZeroTime lets NULL represent "never" instead of the zero time.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// mapDBError wraps a driver error as an AppError. Serialization failures and
// deadlocks (40001, 40P01) become concurrency conflicts the services retry;
// everything else is an internal database error.
func mapDBError(err error, message string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return types.NewAppError(types.ErrCodeConflictConcurrent, message, err)
		}
	}
	return types.NewAppError(types.ErrCodeInternalDB, message, err)
}
