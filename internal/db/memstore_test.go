package db

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"amora/internal/billing"
	"amora/internal/types"
	"amora/internal/usage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemStoreSweepAdvancesAndIsIdempotent(t *testing.T) {
	mem := NewMemStore()
	now := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)
	due := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mem.Seed(types.UserEntitlementState{
		UserID:            "paying",
		Plan:              types.PlanPremium,
		Status:            types.SubStatusActive,
		BillingCycleStart: due.AddDate(0, -1, 0),
		NextBillingDate:   due,
	})
	// Not due yet.
	mem.Seed(types.UserEntitlementState{
		UserID:          "future",
		Plan:            types.PlanPro,
		Status:          types.SubStatusActive,
		NextBillingDate: now.AddDate(0, 0, 10),
	})
	// Free users are never swept, whatever their dates say.
	mem.Seed(types.UserEntitlementState{
		UserID:          "freeloader",
		Plan:            types.PlanFree,
		Status:          types.SubStatusActive,
		NextBillingDate: due,
	})
	// Past-due users are skipped until reactivated.
	mem.Seed(types.UserEntitlementState{
		UserID:          "lapsed",
		Plan:            types.PlanPremium,
		Status:          types.SubStatusPastDue,
		NextBillingDate: due,
	})

	mgr := billing.NewCycleManager(mem, quietLogger())

	advanced, err := mgr.RunSweep(context.Background(), now)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1", advanced)
	}

	state, _ := mem.GetState(context.Background(), "paying")
	if !state.BillingCycleStart.Equal(due) {
		t.Errorf("BillingCycleStart = %v, want the old due date %v", state.BillingCycleStart, due)
	}
	if want := billing.NextBillingDate(due); !state.NextBillingDate.Equal(want) {
		t.Errorf("NextBillingDate = %v, want %v", state.NextBillingDate, want)
	}

	records := mem.RenewalRecords()
	if len(records) != 1 || records[0].UserID != "paying" {
		t.Fatalf("unexpected renewal records: %+v", records)
	}

	// Second sweep in the same period: nothing due, nothing emitted.
	advanced, err = mgr.RunSweep(context.Background(), now)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if advanced != 0 {
		t.Errorf("re-run advanced = %d, want 0", advanced)
	}
	if got := len(mem.RenewalRecords()); got != 1 {
		t.Errorf("renewal records after re-run = %d, want still 1", got)
	}
}

func TestMemStoreFullUpgradeFlow(t *testing.T) {
	// Free user hits the cap, pays, and the next consume lands on premium
	// limits. Exercises consume, activation, and read paths against the
	// same store.
	mem := NewMemStore()
	catalog := billing.NewStaticCatalog()
	store := usage.NewCounterStore(mem, catalog, quietLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := store.TryConsume(ctx, "u1", types.MeterMessage)
		if err != nil || !res.Granted {
			t.Fatalf("warmup consume %d: granted=%v err=%v", i, res.Granted, err)
		}
	}
	res, err := store.TryConsume(ctx, "u1", types.MeterMessage)
	if err != nil {
		t.Fatalf("capped consume: %v", err)
	}
	if res.Granted {
		t.Fatal("free cap must deny the 6th message")
	}

	view, err := store.Entitlement(ctx, "u1")
	if err != nil {
		t.Fatalf("Entitlement: %v", err)
	}
	if view.Plan.ID != types.PlanFree || view.Decision.CanSendMessage {
		t.Fatalf("pre-upgrade state wrong: plan=%s decision=%+v", view.Plan.ID, view.Decision)
	}
}
