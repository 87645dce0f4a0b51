package detect

import (
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// claudeModelPatterns is the small allowlist spec §4.4 calls for.
var claudeModelPatterns = []string{
	"claude-3-opus",
	"claude-3-sonnet",
	"claude-3-haiku",
	"claude-3.5-sonnet",
	"claude-opus-4",
	"claude-sonnet-4",
}

var spinnerChars = []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}

// ClaudeDetector implements Detector for Claude Code, ported from
// original_source/ccmux-server/src/claude.rs with the broadcast-debounce
// contract generalized to compare against the last *broadcast* activity
// per spec §4.4 (rather than the last computed value claude.rs uses).
type ClaudeDetector struct {
	isActive   bool
	confidence uint8
	activity   Activity
	sessionID  string
	model      string
	gate       broadcastGate
}

// NewClaudeDetector creates a detector with the spec-default 100ms debounce.
func NewClaudeDetector() *ClaudeDetector {
	return &ClaudeDetector{activity: ActivityIdle, gate: newBroadcastGate(DefaultBroadcastDebounce)}
}

// NewClaudeDetectorWithDebounce creates a detector with a custom debounce.
func NewClaudeDetectorWithDebounce(debounce time.Duration) *ClaudeDetector {
	return &ClaudeDetector{activity: ActivityIdle, gate: newBroadcastGate(debounce)}
}

func (d *ClaudeDetector) AgentType() string { return "claude" }

func (d *ClaudeDetector) Confidence() uint8 { return d.confidence }
func (d *ClaudeDetector) IsActive() bool    { return d.isActive }

func (d *ClaudeDetector) MarkAsActive() {
	d.isActive = true
	d.confidence = 100
}

func (d *ClaudeDetector) Reset() {
	d.isActive = false
	d.activity = ActivityIdle
	d.sessionID = ""
	d.model = ""
	d.confidence = 0
	d.gate.reset()
}

func (d *ClaudeDetector) State() *State {
	if !d.isActive {
		return nil
	}
	meta := map[string]string{}
	if d.sessionID != "" {
		meta["session_id"] = d.sessionID
	}
	if d.model != "" {
		meta["model"] = d.model
	}
	return &State{AgentType: "claude", Activity: d.activity, Metadata: meta}
}

// DetectPresence returns true once Claude has been detected; it latches
// (spec property 6: "once detect_presence has returned true, it remains
// true until reset").
func (d *ClaudeDetector) DetectPresence(text string) bool {
	if d.isActive {
		return true
	}
	if d.checkPresence(text) {
		d.isActive = true
		return true
	}
	return false
}

func (d *ClaudeDetector) checkPresence(text string) bool {
	if strings.Contains(text, "Claude Code") || strings.Contains(text, "claude-code") {
		d.confidence = 95
		return true
	}
	if strings.Contains(text, "Anthropic") && strings.Contains(text, "Claude") {
		d.confidence = 90
		return true
	}
	if hasClaudePrompt(text) {
		d.confidence = 75
		return true
	}
	if strings.Contains(text, "⠋ Thinking") || strings.Contains(text, "⠙ Thinking") {
		d.confidence = 85
		return true
	}
	return false
}

// DetectActivity returns the best-guess activity, respecting spec §4.4's
// priority order: AwaitingConfirmation > ToolUse > spinner-Thinking >
// spinner-Writing/Generating > bare prompt > current.
func (d *ClaudeDetector) DetectActivity(text string) Activity {
	if isAwaitingConfirmation(text) {
		return ActivityAwaitingConfirmation
	}
	if isToolUse(text) {
		return ActivityToolUse
	}

	hasSpinner := strings.ContainsRune(text, '\r') || hasSpinnerInLastLines(text)
	if hasSpinner {
		if isThinking(text) {
			return ActivityProcessing
		}
		if isCoding(text) {
			return ActivityGenerating
		}
	}

	if isThinking(text) {
		return ActivityProcessing
	}
	if isCoding(text) {
		return ActivityGenerating
	}
	if hasClaudePrompt(text) {
		return ActivityIdle
	}
	return d.activity
}

func (d *ClaudeDetector) ExtractMetadata(text string) map[string]string {
	d.extractSessionID(text)
	d.extractModel(text)
	meta := map[string]string{}
	if d.sessionID != "" {
		meta["session_id"] = d.sessionID
	}
	if d.model != "" {
		meta["model"] = d.model
	}
	return meta
}

func (d *ClaudeDetector) extractSessionID(text string) {
	if d.sessionID != "" {
		return
	}
	if !strings.Contains(strings.ToLower(text), "session") {
		return
	}
	for _, word := range strings.Fields(text) {
		if isUUIDLike(word) {
			d.sessionID = word
			return
		}
	}
	for _, line := range strings.Split(text, "\n") {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		after := strings.TrimSpace(line[idx+1:])
		first := firstField(after)
		if isUUIDLike(first) {
			d.sessionID = first
			return
		}
	}
}

func (d *ClaudeDetector) extractModel(text string) {
	if d.model != "" {
		return
	}
	for _, pattern := range claudeModelPatterns {
		if strings.Contains(text, pattern) {
			d.model = pattern
			return
		}
	}
}

// Analyze runs the end-to-end presence/activity/metadata pipeline and
// applies the unified broadcast-debounce gate. Cursor/SGR escape
// sequences are stripped first so the pattern matching never has to
// see them.
func (d *ClaudeDetector) Analyze(text string) *State {
	text = ansi.Strip(text)
	wasActive := d.isActive
	d.checkPresence(text)
	if !d.isActive {
		return nil
	}

	newActivity := d.DetectActivity(text)
	d.activity = newActivity
	d.ExtractMetadata(text)

	justDetected := !wasActive && d.isActive
	if d.gate.shouldBroadcast(newActivity, justDetected, time.Now()) {
		return d.State()
	}
	return nil
}

func isThinking(text string) bool {
	return strings.Contains(text, "Thinking") || strings.Contains(text, "thinking") ||
		strings.Contains(text, "Processing") || strings.Contains(text, "Analyzing")
}

func isCoding(text string) bool {
	return strings.Contains(text, "Writing") || strings.Contains(text, "Coding") ||
		strings.Contains(text, "Channelling") || strings.Contains(text, "Generating") ||
		strings.Contains(text, "Creating file") || strings.Contains(text, "Editing")
}

func isToolUse(text string) bool {
	return strings.Contains(text, "Running:") || strings.Contains(text, "Executing:") ||
		strings.Contains(text, "⚡") || strings.Contains(text, "Read(") ||
		strings.Contains(text, "Write(") || strings.Contains(text, "Edit(") ||
		strings.Contains(text, "Bash(") || strings.Contains(text, "Glob(") ||
		strings.Contains(text, "Grep(")
}

func isAwaitingConfirmation(text string) bool {
	return strings.Contains(text, "[Y/n]") || strings.Contains(text, "[y/N]") ||
		strings.Contains(text, "[Yes/no]") || strings.Contains(text, "Allow?") ||
		strings.Contains(text, "Proceed?") || strings.Contains(text, "Continue?") ||
		strings.Contains(text, "(y/n)")
}

func hasClaudePrompt(text string) bool {
	if strings.HasSuffix(text, "> ") || strings.HasSuffix(text, "❯ ") {
		return true
	}
	if strings.Contains(text, "\n> ") || strings.Contains(text, "\n❯ ") {
		return true
	}
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return false
	}
	return isPromptLine(lines[len(lines)-1])
}

func isPromptLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == ">" || trimmed == "❯" ||
		strings.HasSuffix(trimmed, "> ") || strings.HasSuffix(trimmed, "❯ ")
}

func hasSpinnerInLastLines(text string) bool {
	lines := strings.Split(text, "\n")
	start := len(lines) - 3
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		for _, c := range spinnerChars {
			if strings.ContainsRune(line, c) {
				return true
			}
		}
	}
	return false
}

func isUUIDLike(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return false
	}
	expected := [5]int{8, 4, 4, 4, 12}
	for i, part := range parts {
		if len(part) != expected[i] || !isHex(part) {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, c := range s {
		isHexDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHexDigit {
			return false
		}
	}
	return true
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
