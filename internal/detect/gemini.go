package detect

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// GeminiDetector implements Detector for Gemini CLI, ported from
// original_source/fugue-server/src/agents/gemini/mod.rs.
type GeminiDetector struct {
	isActive   bool
	confidence uint8
	activity   Activity
	model      string
	gate       broadcastGate
}

func NewGeminiDetector() *GeminiDetector {
	return &GeminiDetector{activity: ActivityIdle, gate: newBroadcastGate(DefaultBroadcastDebounce)}
}

func NewGeminiDetectorWithDebounce(debounce time.Duration) *GeminiDetector {
	return &GeminiDetector{activity: ActivityIdle, gate: newBroadcastGate(debounce)}
}

func (d *GeminiDetector) AgentType() string { return "gemini" }
func (d *GeminiDetector) Confidence() uint8 { return d.confidence }
func (d *GeminiDetector) IsActive() bool    { return d.isActive }

func (d *GeminiDetector) MarkAsActive() {
	d.isActive = true
	d.confidence = 100
}

func (d *GeminiDetector) Reset() {
	d.isActive = false
	d.confidence = 0
	d.activity = ActivityIdle
	d.model = ""
	d.gate.reset()
}

func (d *GeminiDetector) State() *State {
	if !d.isActive {
		return nil
	}
	meta := map[string]string{}
	if d.model != "" {
		meta["model"] = d.model
	}
	return &State{AgentType: "gemini", Activity: d.activity, Metadata: meta}
}

func (d *GeminiDetector) DetectPresence(text string) bool {
	return d.checkPresence(text) || d.isActive
}

func (d *GeminiDetector) checkPresence(text string) bool {
	strongPatterns := []string{"GEMINI.md file", "Welcome to Gemini", "Gemini CLI", "gemini>"}
	for _, p := range strongPatterns {
		if strings.Contains(text, p) {
			d.confidence = 100
			d.isActive = true
			return true
		}
	}

	if strings.Contains(text, "(Gemini") {
		d.confidence = 100
		d.isActive = true
		if model, ok := extractParenModel(text); ok {
			d.model = model
		}
		return true
	}

	if strings.Contains(text, "Gemini") {
		if d.confidence < 70 {
			d.confidence = 70
		}
		d.isActive = true
		return true
	}

	if strings.Contains(text, "> ") && strings.Contains(text, "Type your message") {
		if d.confidence < 50 {
			d.confidence = 50
		}
		d.isActive = true
		return true
	}

	return false
}

func extractParenModel(text string) (string, bool) {
	start := strings.Index(text, "(Gemini")
	if start < 0 {
		return "", false
	}
	rest := text[start:]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return "", false
	}
	return rest[1:end], true
}

func (d *GeminiDetector) DetectActivity(text string) Activity {
	if !d.isActive {
		return ActivityIdle
	}
	return d.detectActivityFromText(text)
}

func (d *GeminiDetector) detectActivityFromText(text string) Activity {
	hasSpinner := false
	for _, c := range spinnerChars {
		if strings.ContainsRune(text, c) {
			hasSpinner = true
			break
		}
	}

	if hasSpinner {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "tool") || strings.Contains(lower, "executing"):
			return ActivityToolUse
		case strings.Contains(lower, "writing") || strings.Contains(lower, "generating"):
			return ActivityGenerating
		default:
			return ActivityProcessing
		}
	}

	if strings.Contains(text, "[Y/n]") || strings.Contains(text, "[y/N]") ||
		strings.Contains(text, "confirm") || strings.Contains(text, "Continue?") {
		return ActivityAwaitingConfirmation
	}

	if strings.Contains(text, "\n> ") || strings.HasSuffix(text, "> ") || strings.Contains(text, "> \x1b") {
		return ActivityIdle
	}

	return d.activity
}

func (d *GeminiDetector) ExtractMetadata(text string) map[string]string {
	if d.model == "" {
		if model, ok := extractParenModel(text); ok {
			d.model = model
		}
	}

	meta := map[string]string{}
	if d.model != "" {
		meta["model"] = d.model
	}
	if count, ok := extractSkillsCount(text); ok {
		meta["skills_count"] = strconv.Itoa(count)
	}
	return meta
}

// extractSkillsCount finds a leading integer immediately before " skills",
// e.g. "Available: 14 skills" -> 14.
func extractSkillsCount(text string) (int, bool) {
	idx := strings.Index(text, " skills")
	if idx < 0 {
		return 0, false
	}
	prefix := text[:idx]
	end := len(prefix)
	start := end
	for start > 0 && unicode.IsDigit(rune(prefix[start-1])) {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(prefix[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Analyze strips cursor/SGR escape sequences before running the
// presence/activity/metadata pipeline, same contract as ClaudeDetector.
func (d *GeminiDetector) Analyze(text string) *State {
	text = ansi.Strip(text)
	wasActive := d.isActive
	d.checkPresence(text)
	if !d.isActive {
		return nil
	}

	newActivity := d.detectActivityFromText(text)
	d.activity = newActivity
	d.ExtractMetadata(text)

	justDetected := !wasActive && d.isActive
	if d.gate.shouldBroadcast(newActivity, justDetected, time.Now()) {
		return d.State()
	}
	return nil
}
