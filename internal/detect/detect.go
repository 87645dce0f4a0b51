// Package detect classifies PTY output into agent presence/activity
// states (spec §4.4). The scanning style is grounded on the teacher's
// internal/notification.Detect (stateless substring/byte scanning);
// exact per-agent semantics are ported from
// original_source/ccmux-server/src/claude.rs and
// original_source/fugue-server/src/agents/gemini/mod.rs.
package detect

import "time"

// Activity mirrors the Rust AgentActivity enum (spec §3).
type Activity string

const (
	ActivityIdle                 Activity = "idle"
	ActivityProcessing           Activity = "processing"
	ActivityGenerating           Activity = "generating"
	ActivityToolUse              Activity = "tool_use"
	ActivityAwaitingConfirmation Activity = "awaiting_confirmation"
)

// State is the AgentState spec §3 describes.
type State struct {
	AgentType string
	Activity  Activity
	Metadata  map[string]string
}

// Detector is the common contract every agent classifier implements
// (spec §4.4's table).
type Detector interface {
	AgentType() string
	DetectPresence(text string) bool
	DetectActivity(text string) Activity
	ExtractMetadata(text string) map[string]string
	Confidence() uint8
	IsActive() bool
	State() *State
	Reset()
	MarkAsActive()
	// Analyze runs the full presence/activity/metadata/debounce pipeline
	// and returns a state update only when the broadcast contract (spec
	// §4.4) permits it.
	Analyze(text string) *State
}

// broadcastGate centralizes the debounce bookkeeping shared by every
// detector: "return an update only when just-detected, or when the newly
// computed activity differs from the *last broadcast* activity and the
// debounce window has elapsed since that broadcast" (spec §4.4).
type broadcastGate struct {
	debounce              time.Duration
	lastBroadcastActivity Activity
	lastBroadcastAt       time.Time
	hasBroadcast          bool
}

func newBroadcastGate(debounce time.Duration) broadcastGate {
	return broadcastGate{debounce: debounce, lastBroadcastActivity: ActivityIdle}
}

// shouldBroadcast decides whether `activity` should be broadcast given
// `justDetected` (first-ever presence this call) and the current time.
func (g *broadcastGate) shouldBroadcast(activity Activity, justDetected bool, now time.Time) bool {
	if justDetected {
		g.lastBroadcastActivity = activity
		g.lastBroadcastAt = now
		g.hasBroadcast = true
		return true
	}

	if activity == g.lastBroadcastActivity {
		return false
	}

	if !g.hasBroadcast || now.Sub(g.lastBroadcastAt) > g.debounce {
		g.lastBroadcastActivity = activity
		g.lastBroadcastAt = now
		g.hasBroadcast = true
		return true
	}
	return false
}

func (g *broadcastGate) reset() {
	g.lastBroadcastActivity = ActivityIdle
	g.lastBroadcastAt = time.Time{}
	g.hasBroadcast = false
}

// DefaultBroadcastDebounce is the 100ms default spec §4.4 names.
const DefaultBroadcastDebounce = 100 * time.Millisecond
