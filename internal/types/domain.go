package types

import "time"

// Unlimited is the sentinel limit value meaning "no cap". A limit of 0 means
// the action is not allowed at all on the plan; the two are never conflated.
const Unlimited = -1

// Plan is an immutable catalog entry. Plans are defined at deploy time and
// never mutated at runtime; adding a tier is a code change.
type Plan struct {
	ID                PlanID `json:"id"`
	MessagesPerDay    int    `json:"messages_per_day"`
	VoiceCallsPerDay  int    `json:"voice_calls_per_day"`
	MaxCompanions     int    `json:"max_companions"`
	MonthlyPriceCents int64  `json:"monthly_price_cents"`
	Currency          string `json:"currency"`
}

// UserEntitlementState is the single shared mutable record per user. It is
// mutated exclusively through the usage counter store, the activation
// reconciler, and the billing cycle manager, all of which serialize on the
// same per-user boundary.
type UserEntitlementState struct {
	UserID              string
	Plan                PlanID
	Status              SubscriptionStatus
	BillingCycleStart   time.Time // zero until first activation
	NextBillingDate     time.Time // zero until first activation
	LastUsageReset      time.Time // UTC calendar date of the last known counter reset
	MessagesUsedToday   int
	VoiceCallsUsedToday int
	CompanionsCreated   int
}

// UsageSnapshot is the read-only view of a user's counters handed to the
// entitlement evaluator.
type UsageSnapshot struct {
	LastUsageReset      time.Time
	MessagesUsedToday   int
	VoiceCallsUsedToday int
	CompanionsCreated   int
}

// Snapshot extracts the evaluator's view from the full state.
func (s *UserEntitlementState) Snapshot() UsageSnapshot {
	return UsageSnapshot{
		LastUsageReset:      s.LastUsageReset,
		MessagesUsedToday:   s.MessagesUsedToday,
		VoiceCallsUsedToday: s.VoiceCallsUsedToday,
		CompanionsCreated:   s.CompanionsCreated,
	}
}

// EntitlementDecision is the computed answer for whether a user may perform
// each metered action right now. Remaining counts are never negative;
// Unlimited (-1) marks uncapped actions.
type EntitlementDecision struct {
	CanSendMessage      bool `json:"can_send_message"`
	CanPlaceVoiceCall   bool `json:"can_place_voice_call"`
	CanCreateCompanion  bool `json:"can_create_companion"`
	RemainingMessages   int  `json:"remaining_messages"`
	RemainingVoiceCalls int  `json:"remaining_voice_calls"`
	RemainingCompanions int  `json:"remaining_companions"`
}

// ConsumeResult is the outcome of an atomic check-and-increment. Remaining is
// the post-increment remaining count for the consumed kind (Unlimited for
// uncapped plans, 0 on denial).
type ConsumeResult struct {
	Granted   bool `json:"granted"`
	Remaining int  `json:"remaining"`
}

// PaymentActivationEvent is the provider-confirmed payment that triggers plan
// activation. ProviderPaymentID doubles as the idempotency key: the event is
// applied at most once no matter how often it is delivered.
type PaymentActivationEvent struct {
	ProviderPaymentID string
	UserID            string
	Plan              PlanID
	AmountCents       int64
	Status            PaymentEventStatus
}

// ActivationResult reports whether an activation event was applied or was a
// duplicate no-op.
type ActivationResult struct {
	Applied bool `json:"applied"`
}

// RenewalRecord is the audit trail row emitted by the renewal sweep for each
// advanced billing cycle. Downstream charging consumes these; this service
// owns only the schedule.
type RenewalRecord struct {
	ID          string
	UserID      string
	Plan        PlanID
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}

// UTCDay truncates t to its UTC calendar date (midnight UTC).
func UTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar date.
// A zero time is never the same day as a non-zero time.
func SameUTCDay(a, b time.Time) bool {
	if a.IsZero() != b.IsZero() {
		return false
	}
	return UTCDay(a).Equal(UTCDay(b))
}
