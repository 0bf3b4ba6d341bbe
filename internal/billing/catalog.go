// Package billing provides the plan catalog, entitlement evaluation, and
// billing cycle management.
package billing

import (
	"amora/internal/types"
)

// Catalog is the authoritative mapping from plan id to limits and price.
// This is the single source of truth for what each plan allows.
type Catalog interface {
	// Get returns the plan for the given id. An unknown id is a
	// configuration error, surfaced distinctly from "user has no plan"
	// (callers default that case to types.DefaultPlan before asking).
	Get(id types.PlanID) (types.Plan, error)
}

// staticCatalog is a compile-time catalog backed by an in-memory map.
// It implements Catalog and is the standard implementation for production use.
type staticCatalog struct {
	plans map[types.PlanID]types.Plan
}

// planDefaults defines the hardcoded plan tiers. Plans change only with a
// deploy; there is no runtime mutation path.
//
//	| Plan    | Messages/Day | Voice Calls/Day | Companions | Price    |
//	|---------|--------------|-----------------|------------|----------|
//	| Free    | 5            | 1               | 1          | $0       |
//	| Premium | 50           | 10              | 3          | $9.99/mo |
//	| Pro     | unlimited    | unlimited       | unlimited  | $19.99/mo|
var planDefaults = map[types.PlanID]types.Plan{
	types.PlanFree: {
		ID:                types.PlanFree,
		MessagesPerDay:    5,
		VoiceCallsPerDay:  1,
		MaxCompanions:     1,
		MonthlyPriceCents: 0,
		Currency:          "usd",
	},
	types.PlanPremium: {
		ID:                types.PlanPremium,
		MessagesPerDay:    50,
		VoiceCallsPerDay:  10,
		MaxCompanions:     3,
		MonthlyPriceCents: 999,
		Currency:          "usd",
	},
	types.PlanPro: {
		ID:                types.PlanPro,
		MessagesPerDay:    types.Unlimited,
		VoiceCallsPerDay:  types.Unlimited,
		MaxCompanions:     types.Unlimited,
		MonthlyPriceCents: 1999,
		Currency:          "usd",
	},
}

// NewStaticCatalog returns a Catalog backed by the hardcoded plan tiers.
// This is the standard production implementation; no database or external
// service is required.
func NewStaticCatalog() Catalog {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanID]types.Plan, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticCatalog{plans: m}
}

// Get returns the plan for the given id. An unknown id means live state
// references a tier this build does not know about; that is reported as a
// configuration error rather than silently downgraded to free limits.
func (c *staticCatalog) Get(id types.PlanID) (types.Plan, error) {
	if plan, ok := c.plans[id]; ok {
		return plan, nil
	}
	return types.Plan{}, types.NewAppErrorWithDetails(
		types.ErrCodeConfigUnknownPlan,
		"plan id is not in the catalog",
		nil,
		map[string]any{"plan_id": string(id)},
	)
}

// Known reports whether id is a catalog plan. Used to validate inbound
// activation events before any state is touched.
func Known(id types.PlanID) bool {
	_, ok := planDefaults[id]
	return ok
}
