package activation_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"amora/internal/activation"
	"amora/internal/billing"
	"amora/internal/db"
	"amora/internal/types"
	"amora/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func premiumEvent(paymentID, userID string) types.PaymentActivationEvent {
	return types.PaymentActivationEvent{
		ProviderPaymentID: paymentID,
		UserID:            userID,
		Plan:              types.PlanPremium,
		AmountCents:       999,
		Status:            types.PaymentSucceeded,
	}
}

func TestActivateAppliesPlanAndResetsUsage(t *testing.T) {
	mem := db.NewMemStore()
	rec := activation.NewReconciler(mem, testLogger())

	// A free user at their daily message cap.
	mem.Seed(types.UserEntitlementState{
		UserID:              "u1",
		Plan:                types.PlanFree,
		Status:              types.SubStatusFree,
		LastUsageReset:      types.UTCDay(time.Now().UTC()),
		MessagesUsedToday:   5,
		VoiceCallsUsedToday: 1,
		CompanionsCreated:   1,
	})

	res, err := rec.Activate(context.Background(), premiumEvent("pay_123", "u1"))
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !res.Applied {
		t.Fatal("first delivery must apply")
	}

	state, err := mem.GetState(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Plan != types.PlanPremium || state.Status != types.SubStatusActive {
		t.Errorf("plan/status = %s/%s, want premium/active", state.Plan, state.Status)
	}
	if state.MessagesUsedToday != 0 || state.VoiceCallsUsedToday != 0 {
		t.Error("daily counters must reset on activation")
	}
	if state.CompanionsCreated != 1 {
		t.Error("companion counter is lifetime and must survive activation")
	}
	if state.BillingCycleStart.IsZero() {
		t.Error("billing cycle start must be set")
	}
	if want := billing.NextBillingDate(state.BillingCycleStart); !state.NextBillingDate.Equal(want) {
		t.Errorf("NextBillingDate = %v, want %v", state.NextBillingDate, want)
	}

	// The just-upgraded user can consume immediately on the new plan.
	store := usage.NewCounterStore(mem, billing.NewStaticCatalog(), testLogger())
	consume, err := store.TryConsume(context.Background(), "u1", types.MeterMessage)
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if !consume.Granted {
		t.Error("freshly upgraded user must be able to send immediately")
	}
	if consume.Remaining != 49 {
		t.Errorf("remaining = %d, want 49 on premium", consume.Remaining)
	}
}

func TestActivateDuplicateDeliveryIsNoOp(t *testing.T) {
	mem := db.NewMemStore()
	rec := activation.NewReconciler(mem, testLogger())
	ctx := context.Background()

	first, err := rec.Activate(ctx, premiumEvent("pay_123", "u1"))
	if err != nil || !first.Applied {
		t.Fatalf("first delivery: applied=%v err=%v", first.Applied, err)
	}

	// Normal usage happens between deliveries.
	store := usage.NewCounterStore(mem, billing.NewStaticCatalog(), testLogger())
	if _, err := store.TryConsume(ctx, "u1", types.MeterMessage); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}

	second, err := rec.Activate(ctx, premiumEvent("pay_123", "u1"))
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if second.Applied {
		t.Error("duplicate delivery must not apply")
	}

	state, err := mem.GetState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.MessagesUsedToday != 1 {
		t.Errorf("MessagesUsedToday = %d, duplicate must not reset counters", state.MessagesUsedToday)
	}
}

func TestActivateConcurrentDuplicatesApplyOnce(t *testing.T) {
	mem := db.NewMemStore()
	rec := activation.NewReconciler(mem, testLogger())

	const deliveries = 8
	var wg sync.WaitGroup
	applied := make(chan bool, deliveries)

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rec.Activate(context.Background(), premiumEvent("pay_123", "u1"))
			if err != nil {
				t.Errorf("Activate: %v", err)
				return
			}
			applied <- res.Applied
		}()
	}
	wg.Wait()
	close(applied)

	count := 0
	for a := range applied {
		if a {
			count++
		}
	}
	if count != 1 {
		t.Errorf("applied count = %d, want exactly 1", count)
	}
}

func TestActivateValidationDoesNotBurnKey(t *testing.T) {
	mem := db.NewMemStore()
	rec := activation.NewReconciler(mem, testLogger())
	ctx := context.Background()

	bad := premiumEvent("pay_456", "u1")
	bad.Plan = types.PlanID("platinum")

	_, err := rec.Activate(ctx, bad)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidPlan {
		t.Fatalf("expected %s, got %v", types.ErrCodeValidationInvalidPlan, err)
	}

	// The provider fixes the payload and redelivers under the same id.
	res, err := rec.Activate(ctx, premiumEvent("pay_456", "u1"))
	if err != nil {
		t.Fatalf("corrected redelivery: %v", err)
	}
	if !res.Applied {
		t.Error("a rejected event must not claim its idempotency key")
	}
}

func TestActivateMissingFields(t *testing.T) {
	rec := activation.NewReconciler(db.NewMemStore(), testLogger())
	ctx := context.Background()

	cases := []types.PaymentActivationEvent{
		{UserID: "u1", Plan: types.PlanPremium},                        // no payment id
		{ProviderPaymentID: "pay_1", Plan: types.PlanPremium},          // no user
	}
	for _, event := range cases {
		_, err := rec.Activate(ctx, event)
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationMissingField {
			t.Errorf("event %+v: expected %s, got %v", event, types.ErrCodeValidationMissingField, err)
		}
	}
}

func TestMarkPastDue(t *testing.T) {
	mem := db.NewMemStore()
	rec := activation.NewReconciler(mem, testLogger())
	ctx := context.Background()

	mem.Seed(types.UserEntitlementState{
		UserID: "u1",
		Plan:   types.PlanPremium,
		Status: types.SubStatusActive,
	})

	if err := rec.MarkPastDue(ctx, "u1"); err != nil {
		t.Fatalf("MarkPastDue: %v", err)
	}

	state, _ := mem.GetState(ctx, "u1")
	if state.Status != types.SubStatusPastDue {
		t.Errorf("status = %s, want past_due", state.Status)
	}
	if state.Plan != types.PlanPremium {
		t.Error("plan must not change on past due")
	}

	// Not active: nothing changes.
	mem.Seed(types.UserEntitlementState{UserID: "u2", Plan: types.PlanFree, Status: types.SubStatusFree})
	if err := rec.MarkPastDue(ctx, "u2"); err != nil {
		t.Fatalf("MarkPastDue free user: %v", err)
	}
	state, _ = mem.GetState(ctx, "u2")
	if state.Status != types.SubStatusFree {
		t.Errorf("free user status = %s, want unchanged", state.Status)
	}
}
