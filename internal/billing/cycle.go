package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"amora/internal/types"
)

// NextBillingDate computes the end of the cycle starting at start: one
// calendar month later. AddDate normalizes overflow, so a cycle starting
// Jan 31 renews Mar 2/3 rather than an invalid Feb 31. Accepted drift; the
// original product behaves the same way.
func NextBillingDate(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// DueRenewal is a paying user whose billing date has passed and whose cycle
// must be advanced by the sweep.
type DueRenewal struct {
	UserID          string
	Plan            types.PlanID
	NextBillingDate time.Time
}

// SweepDB defines the database operations needed by the renewal sweep.
// Using an interface allows clean testing without database dependencies.
type SweepDB interface {
	// BeginSweepTx starts a transaction for one sweep batch. The returned
	// SweepTx must be committed or rolled back by the caller.
	BeginSweepTx(ctx context.Context) (SweepTx, error)
}

// SweepTx defines the transactional operations for one sweep batch. All
// methods operate within the transaction started by SweepDB.BeginSweepTx.
type SweepTx interface {
	// TryLock attempts the sweep's transaction-scoped advisory lock.
	// Returns false without blocking when another sweep holds it. The lock
	// releases automatically at commit or rollback.
	//
	// SQL: SELECT pg_try_advisory_xact_lock($1)
	TryLock(ctx context.Context) (bool, error)

	// ListDue returns paying users whose next_billing_date has passed,
	// row-locked for the rest of the transaction. SKIP LOCKED keeps a
	// concurrent consume on one of these users from stalling the batch.
	//
	// SQL: SELECT user_id, plan, next_billing_date FROM user_entitlements
	//      WHERE next_billing_date <= $1 AND status = 'active' AND plan <> 'free'
	//      ORDER BY next_billing_date LIMIT $2
	//      FOR UPDATE SKIP LOCKED
	ListDue(ctx context.Context, now time.Time, limit int) ([]DueRenewal, error)

	// AdvanceCycle moves one user's cycle forward, guarded on the date the
	// sweep observed so a concurrent advance makes this a no-op. Returns
	// whether a row actually changed.
	//
	// SQL: UPDATE user_entitlements
	//      SET billing_cycle_start = $1, next_billing_date = $2, updated_at = NOW()
	//      WHERE user_id = $3 AND next_billing_date = $4
	AdvanceCycle(ctx context.Context, userID string, newStart, newNext, observedNext time.Time) (bool, error)

	// InsertRenewalRecord persists the audit row consumed by downstream
	// charging.
	//
	// SQL: INSERT INTO renewal_records (id, user_id, plan, period_start, period_end, created_at)
	//      VALUES ($1, $2, $3, $4, $5, $6)
	InsertRenewalRecord(ctx context.Context, rec types.RenewalRecord) error

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// DefaultSweepBatchLimit caps the users advanced per transaction so a large
// backlog never holds one transaction open for minutes.
const DefaultSweepBatchLimit = 100

// NewRenewalID is the id generator for renewal records. Swappable in tests.
var NewRenewalID = uuid.NewString

// CycleManager owns the billing schedule: cycle computation at activation and
// the periodic renewal sweep. It never charges anyone; downstream billing
// consumes the renewal records it emits.
type CycleManager struct {
	db     SweepDB
	logger *slog.Logger
}

// NewCycleManager creates a new CycleManager service.
func NewCycleManager(db SweepDB, logger *slog.Logger) *CycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CycleManager{db: db, logger: logger}
}

// RunSweep advances every due paying user by one month and emits a renewal
// record per advance. Idempotent: advancing immediately sets a future date,
// so a re-run in the same period sees nothing due and is a no-op. Returns the
// number of users advanced.
//
// Batches run in separate transactions, each holding the sweep advisory lock,
// so two overlapping sweep processes interleave batches instead of double
// processing. The per-user date guard in AdvanceCycle covers the window
// between batches.
func (m *CycleManager) RunSweep(ctx context.Context, now time.Time) (int, error) {
	totalAdvanced := 0

	for {
		advanced, err := m.sweepBatch(ctx, now)
		if err != nil {
			return totalAdvanced, err
		}
		if advanced == 0 {
			break
		}
		totalAdvanced += advanced
	}

	m.logger.InfoContext(ctx, "renewal sweep complete",
		"total_advanced", totalAdvanced,
	)
	return totalAdvanced, nil
}

// sweepBatch processes up to DefaultSweepBatchLimit due users in one
// transaction. Returns the number of users advanced, 0 when nothing is due
// or another sweep holds the lock.
func (m *CycleManager) sweepBatch(ctx context.Context, now time.Time) (int, error) {
	tx, err := m.db.BeginSweepTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning sweep transaction: %w", err)
	}
	// Ensure rollback on any error path. Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	locked, err := tx.TryLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring sweep lock: %w", err)
	}
	if !locked {
		m.logger.InfoContext(ctx, "sweep lock held elsewhere, skipping run")
		return 0, nil
	}

	due, err := tx.ListDue(ctx, now, DefaultSweepBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing due renewals: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	advanced := 0
	for _, d := range due {
		// The new cycle starts where the old one ended, not at sweep
		// time, so users lagging behind the sweep schedule are not
		// granted free days.
		newStart := d.NextBillingDate
		newNext := NextBillingDate(newStart)

		changed, err := tx.AdvanceCycle(ctx, d.UserID, newStart, newNext, d.NextBillingDate)
		if err != nil {
			return 0, fmt.Errorf("advancing cycle for user %s: %w", d.UserID, err)
		}
		if !changed {
			// Another sweep got here first between batches.
			continue
		}

		rec := types.RenewalRecord{
			ID:          NewRenewalID(),
			UserID:      d.UserID,
			Plan:        d.Plan,
			PeriodStart: newStart,
			PeriodEnd:   newNext,
			CreatedAt:   now,
		}
		if err := tx.InsertRenewalRecord(ctx, rec); err != nil {
			return 0, fmt.Errorf("inserting renewal record for user %s: %w", d.UserID, err)
		}
		advanced++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing sweep batch: %w", err)
	}

	m.logger.InfoContext(ctx, "sweep batch committed",
		"batch_size", len(due),
		"advanced", advanced,
	)
	return advanced, nil
}
