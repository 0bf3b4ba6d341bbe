package types

// PlanID identifies a subscription plan in the catalog.
type PlanID string

const (
	PlanFree    PlanID = "free"
	PlanPremium PlanID = "premium"
	PlanPro     PlanID = "pro"
)

// DefaultPlan is the plan assigned to users who have never subscribed.
// "User has no plan" is distinct from "unknown plan id": the former defaults
// here, the latter is a configuration error.
const DefaultPlan = PlanFree

// SubscriptionStatus represents the billing state of a user's subscription.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusFree     SubscriptionStatus = "free"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// MeterKind identifies a metered action subject to plan limits.
type MeterKind string

const (
	// MeterMessage is a chat message send. Daily counter.
	MeterMessage MeterKind = "message"
	// MeterVoiceCall is a voice call placement. Daily counter.
	MeterVoiceCall MeterKind = "voice_call"
	// MeterCompanion is a companion creation. Lifetime counter, never
	// reset on day boundaries.
	MeterCompanion MeterKind = "companion"
)

// ValidMeterKind reports whether k is one of the defined meter kinds.
func ValidMeterKind(k MeterKind) bool {
	switch k {
	case MeterMessage, MeterVoiceCall, MeterCompanion:
		return true
	}
	return false
}

// PaymentEventStatus is the outcome reported by the payment provider for a
// charge attempt.
type PaymentEventStatus string

const (
	PaymentSucceeded PaymentEventStatus = "succeeded"
	PaymentFailed    PaymentEventStatus = "failed"
)
