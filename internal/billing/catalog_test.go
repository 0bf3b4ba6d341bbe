package billing

import (
	"errors"
	"testing"

	"amora/internal/types"
)

func TestCatalogGetKnownPlans(t *testing.T) {
	c := NewStaticCatalog()

	free, err := c.Get(types.PlanFree)
	if err != nil {
		t.Fatalf("Get(free): %v", err)
	}
	if free.MessagesPerDay != 5 || free.VoiceCallsPerDay != 1 || free.MaxCompanions != 1 {
		t.Errorf("unexpected free limits: %+v", free)
	}
	if free.MonthlyPriceCents != 0 {
		t.Errorf("free plan should cost nothing, got %d", free.MonthlyPriceCents)
	}

	premium, err := c.Get(types.PlanPremium)
	if err != nil {
		t.Fatalf("Get(premium): %v", err)
	}
	if premium.MessagesPerDay != 50 || premium.VoiceCallsPerDay != 10 || premium.MaxCompanions != 3 {
		t.Errorf("unexpected premium limits: %+v", premium)
	}

	pro, err := c.Get(types.PlanPro)
	if err != nil {
		t.Fatalf("Get(pro): %v", err)
	}
	if pro.MessagesPerDay != types.Unlimited || pro.VoiceCallsPerDay != types.Unlimited || pro.MaxCompanions != types.Unlimited {
		t.Errorf("pro plan should be uncapped: %+v", pro)
	}
}

func TestCatalogGetUnknownPlanIsConfigError(t *testing.T) {
	c := NewStaticCatalog()

	_, err := c.Get(types.PlanID("platinum"))
	if err == nil {
		t.Fatal("expected error for unknown plan id")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeConfigUnknownPlan {
		t.Errorf("code = %s, want %s", appErr.Code, types.ErrCodeConfigUnknownPlan)
	}
	if appErr.Details["plan_id"] != "platinum" {
		t.Errorf("details missing offending plan id: %+v", appErr.Details)
	}
}

func TestKnown(t *testing.T) {
	if !Known(types.PlanFree) || !Known(types.PlanPremium) || !Known(types.PlanPro) {
		t.Error("catalog plans should be known")
	}
	if Known(types.PlanID("platinum")) || Known(types.PlanID("")) {
		t.Error("non-catalog ids should not be known")
	}
}
