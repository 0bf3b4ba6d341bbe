package billing

import (
	"time"

	"amora/internal/types"
)

// Evaluate answers "what may this user do right now" from a plan and a usage
// snapshot. Pure function: no clock reads, no storage, no mutation. The
// caller supplies now so evaluation is deterministic and testable.
//
// A snapshot whose counters were last reset before today's UTC date is
// normalized as if the daily counters were zero. The stored counters are NOT
// mutated here; the authoritative reset happens inside the usage store's
// critical section on the next consume.
func Evaluate(plan types.Plan, usage types.UsageSnapshot, now time.Time) types.EntitlementDecision {
	messages := usage.MessagesUsedToday
	voiceCalls := usage.VoiceCallsUsedToday
	if !types.SameUTCDay(usage.LastUsageReset, now) {
		messages = 0
		voiceCalls = 0
	}

	return types.EntitlementDecision{
		CanSendMessage:      allowed(plan.MessagesPerDay, messages),
		CanPlaceVoiceCall:   allowed(plan.VoiceCallsPerDay, voiceCalls),
		CanCreateCompanion:  allowed(plan.MaxCompanions, usage.CompanionsCreated),
		RemainingMessages:   remaining(plan.MessagesPerDay, messages),
		RemainingVoiceCalls: remaining(plan.VoiceCallsPerDay, voiceCalls),
		RemainingCompanions: remaining(plan.MaxCompanions, usage.CompanionsCreated),
	}
}

func allowed(limit, used int) bool {
	return limit == types.Unlimited || used < limit
}

// remaining is limit-used, clamped at zero. Unlimited passes through as the
// sentinel so clients can render "unlimited" instead of a number.
func remaining(limit, used int) int {
	if limit == types.Unlimited {
		return types.Unlimited
	}
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}
