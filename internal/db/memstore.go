package db

import (
	"context"
	"sync"
	"time"

	"amora/internal/activation"
	"amora/internal/billing"
	"amora/internal/types"
	"amora/internal/usage"
)

// MemStore is an in-process entitlement store backing local development and
// the concurrency tests. It provides the same per-user serialization the
// Postgres repository gets from row locks: each user has a mutex held for the
// duration of a transaction touching that user.
type MemStore struct {
	mu          sync.Mutex
	users       map[string]*userRow
	activations map[string]string // provider payment id -> user id
	renewals    []types.RenewalRecord

	// sweepLock mirrors the advisory lock: at most one sweep at a time.
	sweepLock sync.Mutex
}

type userRow struct {
	mu    sync.Mutex
	state types.UserEntitlementState
}

// Compile-time interface checks.
var (
	_ usage.DB        = (*MemStore)(nil)
	_ activation.DB   = (*MemStore)(nil)
	_ billing.SweepDB = (*MemStore)(nil)
)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*userRow),
		activations: make(map[string]string),
	}
}

func defaultState(userID string) types.UserEntitlementState {
	return types.UserEntitlementState{
		UserID: userID,
		Plan:   types.DefaultPlan,
		Status: types.SubStatusFree,
	}
}

// getOrCreate returns the row for userID, creating the default free-plan row
// on first sight.
func (m *MemStore) getOrCreate(userID string) *userRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.users[userID]
	if !ok {
		row = &userRow{state: defaultState(userID)}
		m.users[userID] = row
	}
	return row
}

// Seed installs a user's state directly, replacing any existing row. Test
// setup and local fixtures only.
func (m *MemStore) Seed(state types.UserEntitlementState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[state.UserID] = &userRow{state: state}
}

// GetState returns a copy of the user's state without locking it for update.
// Unknown users get the default free-plan state.
func (m *MemStore) GetState(_ context.Context, userID string) (*types.UserEntitlementState, error) {
	m.mu.Lock()
	row, ok := m.users[userID]
	m.mu.Unlock()
	if !ok {
		s := defaultState(userID)
		return &s, nil
	}
	row.mu.Lock()
	s := row.state
	row.mu.Unlock()
	return &s, nil
}

// RenewalRecords returns a copy of all emitted renewal records, for tests and
// the sweeper's logging.
func (m *MemStore) RenewalRecords() []types.RenewalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RenewalRecord, len(m.renewals))
	copy(out, m.renewals)
	return out
}

// BeginConsumeTx starts a transaction for a consume attempt.
func (m *MemStore) BeginConsumeTx(_ context.Context) (usage.Tx, error) {
	return &memTx{store: m}, nil
}

// BeginActivationTx starts a transaction for an activation attempt.
func (m *MemStore) BeginActivationTx(_ context.Context) (activation.Tx, error) {
	return &memTx{store: m}, nil
}

// memTx is a single-user transaction: the user's mutex is acquired on first
// touch and held until Commit or Rollback, and all writes are staged on a
// copy so Rollback discards them.
type memTx struct {
	store *MemStore

	row    *userRow
	staged *types.UserEntitlementState

	claimedKey string
	done       bool
}

// lockUser acquires the per-user mutex once per transaction.
func (t *memTx) lockUser(userID string) {
	if t.row != nil {
		return
	}
	t.row = t.store.getOrCreate(userID)
	t.row.mu.Lock()
	s := t.row.state
	t.staged = &s
}

func (t *memTx) LockState(_ context.Context, userID string) (*types.UserEntitlementState, error) {
	t.lockUser(userID)
	return t.staged, nil
}

func (t *memTx) UpdateCounters(_ context.Context, _ *types.UserEntitlementState) error {
	// Mutations land on the staged copy handed out by LockState; Commit
	// publishes them.
	return nil
}

func (t *memTx) UpdateEntitlement(_ context.Context, _ *types.UserEntitlementState) error {
	return nil
}

func (t *memTx) RecordActivation(_ context.Context, providerPaymentID, userID string) (bool, error) {
	// Locking the user first serializes duplicate deliveries the same way
	// the Postgres insert's row lock does.
	t.lockUser(userID)
	t.store.mu.Lock()
	_, exists := t.store.activations[providerPaymentID]
	t.store.mu.Unlock()
	if exists {
		return false, nil
	}
	t.claimedKey = providerPaymentID
	return true, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.row != nil {
		t.row.state = *t.staged
	}
	if t.claimedKey != "" {
		t.store.mu.Lock()
		t.store.activations[t.claimedKey] = t.staged.UserID
		t.store.mu.Unlock()
	}
	if t.row != nil {
		t.row.mu.Unlock()
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.row != nil {
		t.row.mu.Unlock()
	}
	return nil
}

// BeginSweepTx starts a renewal sweep batch. Sweep mutations are applied
// per user as they happen rather than staged; the per-user date guard in
// AdvanceCycle keeps re-runs and overlapping sweeps idempotent.
func (m *MemStore) BeginSweepTx(_ context.Context) (billing.SweepTx, error) {
	return &memSweepTx{store: m}, nil
}

type memSweepTx struct {
	store *MemStore
	held  bool
	done  bool
}

func (t *memSweepTx) TryLock(_ context.Context) (bool, error) {
	t.held = t.store.sweepLock.TryLock()
	return t.held, nil
}

func (t *memSweepTx) ListDue(_ context.Context, now time.Time, limit int) ([]billing.DueRenewal, error) {
	t.store.mu.Lock()
	rows := make([]*userRow, 0, len(t.store.users))
	for _, row := range t.store.users {
		rows = append(rows, row)
	}
	t.store.mu.Unlock()

	var due []billing.DueRenewal
	for _, row := range rows {
		row.mu.Lock()
		s := row.state
		row.mu.Unlock()
		if s.Status != types.SubStatusActive || s.Plan == types.PlanFree {
			continue
		}
		if s.NextBillingDate.IsZero() || s.NextBillingDate.After(now) {
			continue
		}
		due = append(due, billing.DueRenewal{
			UserID:          s.UserID,
			Plan:            s.Plan,
			NextBillingDate: s.NextBillingDate,
		})
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (t *memSweepTx) AdvanceCycle(_ context.Context, userID string, newStart, newNext, observedNext time.Time) (bool, error) {
	row := t.store.getOrCreate(userID)
	row.mu.Lock()
	defer row.mu.Unlock()
	if !row.state.NextBillingDate.Equal(observedNext) {
		return false, nil
	}
	row.state.BillingCycleStart = newStart
	row.state.NextBillingDate = newNext
	return true, nil
}

func (t *memSweepTx) InsertRenewalRecord(_ context.Context, rec types.RenewalRecord) error {
	t.store.mu.Lock()
	t.store.renewals = append(t.store.renewals, rec)
	t.store.mu.Unlock()
	return nil
}

func (t *memSweepTx) Commit(_ context.Context) error {
	return t.release()
}

func (t *memSweepTx) Rollback(_ context.Context) error {
	return t.release()
}

func (t *memSweepTx) release() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.held {
		t.store.sweepLock.Unlock()
	}
	return nil
}
