// Package quotacache implements the client-side advisory quota mirror: a
// per-device copy of the remaining counts used to disable UI controls
// without a round trip. The mirror never decides anything. Every metered
// action still goes through the server's atomic consume, and every server
// response overwrites whatever the mirror believed.
package quotacache

import (
	"sync"
	"time"

	"amora/internal/types"
)

// Mirror holds the last server-reported quota state for one user on one
// device. Safe for concurrent use.
type Mirror struct {
	mu sync.Mutex

	// now is swappable for tests.
	now func() time.Time

	populated bool
	plan      types.PlanID
	remaining map[types.MeterKind]int

	// fetchedDay is the local calendar date the snapshot was taken on.
	// The mirror is stale as soon as the device crosses into a new day:
	// only the server knows whether the authoritative reset has actually
	// happened for this account, since other devices may have consumed
	// quota in the meantime.
	fetchedDay time.Time
}

// NewMirror creates an empty Mirror. An empty mirror is stale and allows
// everything until the first reconcile.
func NewMirror() *Mirror {
	return &Mirror{
		now:       time.Now,
		remaining: make(map[types.MeterKind]int),
	}
}

// Reconcile overwrites the mirror with a full entitlement snapshot from the
// server, typically the GET /v1/entitlement response.
func (m *Mirror) Reconcile(plan types.PlanID, decision types.EntitlementDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.populated = true
	m.plan = plan
	m.remaining[types.MeterMessage] = decision.RemainingMessages
	m.remaining[types.MeterVoiceCall] = decision.RemainingVoiceCalls
	m.remaining[types.MeterCompanion] = decision.RemainingCompanions
	m.fetchedDay = localDay(m.now())
}

// ApplyConsume folds a consume response into the mirror. Only the consumed
// kind's remaining count is server-reported, so only that entry changes.
// A denial carries the authoritative remaining count too (usually 0), which
// is exactly what should disable the control.
func (m *Mirror) ApplyConsume(kind types.MeterKind, result types.ConsumeResult) {
	if !types.ValidMeterKind(kind) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.populated {
		// A lone consume response is not a full snapshot; remember the
		// one count we learned but stay unpopulated until a reconcile.
		m.remaining[kind] = result.Remaining
		return
	}
	m.remaining[kind] = result.Remaining
	m.fetchedDay = localDay(m.now())
}

// Allow reports whether the UI should treat the action as available. True
// means "let the user try"; the server still has the final word. Unknown
// and stale mirrors allow everything, because graying out a control on
// guessed-at data is worse than an occasional server-side denial.
func (m *Mirror) Allow(kind types.MeterKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.populated || m.staleLocked() {
		return true
	}
	rem, ok := m.remaining[kind]
	if !ok {
		return true
	}
	return rem == types.Unlimited || rem > 0
}

// Plan returns the cached plan id and whether the mirror holds one.
func (m *Mirror) Plan() (types.PlanID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan, m.populated
}

// Stale reports whether the mirror must be discarded and refetched. It is
// stale when empty or when the device's local calendar day has advanced
// past the day the snapshot was taken. The counters are never locally
// zeroed on a day change; the refetch carries the server's truth.
func (m *Mirror) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.populated || m.staleLocked()
}

// Invalidate empties the mirror, forcing a refetch. Called on logout and
// whenever the device detects a day rollover.
func (m *Mirror) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.populated = false
	m.plan = ""
	m.remaining = make(map[types.MeterKind]int)
	m.fetchedDay = time.Time{}
}

func (m *Mirror) staleLocked() bool {
	return !localDay(m.now()).Equal(m.fetchedDay)
}

// localDay truncates t to the device's local calendar date. Deliberately
// local, not UTC: the user experiences day boundaries in their own
// timezone, and crossing one is merely a signal to refetch.
func localDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
