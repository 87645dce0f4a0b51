package scrollback

import "testing"

func TestPushLineEvictsOldestAtCapacity(t *testing.T) {
	ResetGlobalBytesForTest()
	b := New(2)
	b.PushLine("one")
	b.PushLine("two")
	b.PushLine("three")

	lines := b.Lines()
	if len(lines) != 2 || lines[0] != "two" || lines[1] != "three" {
		t.Fatalf("unexpected lines after eviction: %v", lines)
	}
}

func TestPushBytesSplitsOnNewlines(t *testing.T) {
	ResetGlobalBytesForTest()
	b := New(10)
	b.PushBytes([]byte("hello\r\nworld\n"))
	lines := b.Lines()
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("unexpected split lines: %v", lines)
	}
}

func TestPushBytesBuffersIncompleteTrailingSegment(t *testing.T) {
	ResetGlobalBytesForTest()
	b := New(10)
	b.PushBytes([]byte("partial"))
	if b.Len() != 0 {
		t.Fatalf("expected no complete lines yet, got %d", b.Len())
	}
	b.PushBytes([]byte(" line\n"))
	lines := b.Lines()
	if len(lines) != 1 || lines[0] != "partial line" {
		t.Fatalf("unexpected reassembled line: %v", lines)
	}
}

func TestGlobalByteAccounting(t *testing.T) {
	ResetGlobalBytesForTest()
	a := New(100)
	b := New(100)

	a.PushLine("abcde")
	b.PushLine("xy")

	if got, want := GlobalBytes(), int64(7); got != want {
		t.Fatalf("GlobalBytes() = %d, want %d", got, want)
	}
	if got, want := a.TotalBytes()+b.TotalBytes(), GlobalBytes(); got != want {
		t.Fatalf("sum of buffer totals %d != global %d", got, want)
	}

	a.Close()
	if got, want := GlobalBytes(), int64(2); got != want {
		t.Fatalf("after close, GlobalBytes() = %d, want %d", got, want)
	}
	b.Close()
	if got, want := GlobalBytes(), int64(0); got != want {
		t.Fatalf("after both closed, GlobalBytes() = %d, want %d", got, want)
	}
}

func TestClearDecrementsGlobalByExactAmount(t *testing.T) {
	ResetGlobalBytesForTest()
	b := New(100)
	b.PushLine("123456789")
	before := GlobalBytes()
	b.Clear()
	if got, want := before-GlobalBytes(), int64(9); got != want {
		t.Fatalf("Clear decremented by %d, want %d", got, want)
	}
}

func TestThresholdsClassify(t *testing.T) {
	th := Thresholds{WarningBytes: 100, CriticalBytes: 200}
	if th.Classify(50) != LevelNormal {
		t.Fatal("expected normal")
	}
	if th.Classify(150) != LevelWarning {
		t.Fatal("expected warning")
	}
	if th.Classify(250) != LevelCritical {
		t.Fatal("expected critical")
	}
}

func TestViewportOffsetRoundTrip(t *testing.T) {
	b := New(10)
	b.SetViewportOffset(5)
	if got := b.ViewportOffset(); got != 5 {
		t.Fatalf("ViewportOffset() = %d, want 5", got)
	}
	b.SetViewportOffset(-3)
	if got := b.ViewportOffset(); got != 0 {
		t.Fatalf("negative offset should clamp to 0, got %d", got)
	}
}
