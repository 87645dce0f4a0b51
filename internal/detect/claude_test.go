package detect

import (
	"testing"
	"time"
)

func TestClaudeDetectPresenceLatches(t *testing.T) {
	d := NewClaudeDetector()
	if d.DetectPresence("just a shell prompt") {
		t.Fatal("should not detect presence from generic text")
	}
	if !d.DetectPresence("Welcome to Claude Code") {
		t.Fatal("should detect Claude Code presence")
	}
	if !d.DetectPresence("totally unrelated text") {
		t.Fatal("presence must latch true until Reset")
	}
}

func TestClaudeDetectActivityPriority(t *testing.T) {
	d := NewClaudeDetector()
	d.MarkAsActive()

	if got := d.DetectActivity("Allow? [Y/n]"); got != ActivityAwaitingConfirmation {
		t.Fatalf("got %v, want AwaitingConfirmation", got)
	}
	if got := d.DetectActivity("Running: Bash(ls)"); got != ActivityToolUse {
		t.Fatalf("got %v, want ToolUse", got)
	}
	if got := d.DetectActivity("⠋ Thinking...\r"); got != ActivityProcessing {
		t.Fatalf("got %v, want Processing", got)
	}
	if got := d.DetectActivity("> "); got != ActivityIdle {
		t.Fatalf("got %v, want Idle", got)
	}
}

func TestClaudeExtractModel(t *testing.T) {
	d := NewClaudeDetector()
	d.MarkAsActive()
	meta := d.ExtractMetadata("Using claude-sonnet-4 for this task")
	if meta["model"] != "claude-sonnet-4" {
		t.Fatalf("expected model claude-sonnet-4, got %q", meta["model"])
	}
}

func TestClaudeExtractSessionID(t *testing.T) {
	d := NewClaudeDetector()
	d.MarkAsActive()
	meta := d.ExtractMetadata("Session: 12345678-1234-1234-1234-123456789012 started")
	if meta["session_id"] != "12345678-1234-1234-1234-123456789012" {
		t.Fatalf("unexpected session id: %q", meta["session_id"])
	}
}

func TestClaudeAnalyzeDebounce(t *testing.T) {
	d := NewClaudeDetectorWithDebounce(50 * time.Millisecond)

	state := d.Analyze("Welcome to Claude Code")
	if state == nil {
		t.Fatal("first detection should broadcast")
	}

	time.Sleep(60 * time.Millisecond)
	state = d.Analyze("Running: Bash(ls)")
	if state == nil {
		t.Fatal("activity change once the debounce window elapses should broadcast")
	}

	state = d.Analyze("> ")
	if state != nil {
		t.Fatal("rapid change within debounce window should be suppressed")
	}

	time.Sleep(60 * time.Millisecond)
	state = d.Analyze("> ")
	if state == nil {
		t.Fatal("change should broadcast once debounce window elapses")
	}
	if state.Activity != ActivityIdle {
		t.Fatalf("expected Idle, got %v", state.Activity)
	}
}

func TestClaudeResetClearsState(t *testing.T) {
	d := NewClaudeDetector()
	d.MarkAsActive()
	d.Reset()
	if d.IsActive() {
		t.Fatal("expected inactive after reset")
	}
	if d.Confidence() != 0 {
		t.Fatal("expected confidence 0 after reset")
	}
}

func TestClaudeAnalyzeStripsEscapeSequencesBeforeMatching(t *testing.T) {
	d := NewClaudeDetector()
	raw := "\x1b[1mWelcome to \x1b[32mClaude Code\x1b[0m\x1b[2K\r"
	state := d.Analyze(raw)
	if state == nil {
		t.Fatal("expected presence to be detected through escape sequences")
	}
	if state.AgentType != "claude" {
		t.Fatalf("got agent type %q, want claude", state.AgentType)
	}
}
