// Package scrollback implements the bounded per-pane line ring described
// in spec §4.1, generalized from the teacher's internal/agent.RingBuffer
// (a fixed-capacity byte-chunk ring) to line granularity, and from
// internal/pty/session.go's addToBuffer eviction-from-front policy.
package scrollback

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Default and minimum capacities per session type (spec §4.1: "capacity
// configurable per session type... orchestrator panes default to a large
// cap, worker panes to a small one").
const (
	DefaultWorkerCapacity       = 2000
	DefaultOrchestratorCapacity = 20000
)

// globalBytes is the process-wide scrollback-bytes counter (spec §3, §4.1,
// §9: "pure telemetry; saturating arithmetic").
var globalBytes int64

// GlobalBytes returns the current process-wide scrollback byte count.
func GlobalBytes() int64 {
	return atomic.LoadInt64(&globalBytes)
}

// Thresholds for the observability event spec §4.1 describes. Buffer does
// not enforce them, and no caller in the daemon classifies the total.
type Thresholds struct {
	WarningBytes  int64
	CriticalBytes int64
}

// DefaultThresholds matches typical daemon defaults: warn at 256MiB,
// critical at 1GiB of aggregate scrollback.
var DefaultThresholds = Thresholds{
	WarningBytes:  256 << 20,
	CriticalBytes: 1 << 30,
}

// Level describes how a Thresholds check classifies the current total.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

// Classify returns which threshold level total falls into.
func (t Thresholds) Classify(total int64) Level {
	switch {
	case total >= t.CriticalBytes:
		return LevelCritical
	case total >= t.WarningBytes:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Buffer is a bounded FIFO of lines for a single pane. Raw escape
// sequences remain embedded in each line's bytes; Buffer never attempts
// to interpret them, only to store and evict.
type Buffer struct {
	mu         sync.Mutex
	lines      []string
	capacity   int
	totalBytes int64
	viewport   int // 0 = following live output (bottom)
	pending    string
}

// New creates a Buffer with the given line capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultWorkerCapacity
	}
	return &Buffer{capacity: capacity}
}

// Capacity returns the line capacity the buffer was created with.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Len returns the number of lines currently stored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// TotalBytes returns this buffer's local byte counter.
func (b *Buffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// PushLine appends a single complete line, evicting the oldest line if
// the buffer is at capacity.
func (b *Buffer) PushLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLineLocked(line)
}

func (b *Buffer) pushLineLocked(line string) {
	b.lines = append(b.lines, line)
	added := int64(len(line))
	b.totalBytes += added
	atomic.AddInt64(&globalBytes, added)

	if len(b.lines) > b.capacity {
		evicted := b.lines[0]
		b.lines = b.lines[1:]
		removed := int64(len(evicted))
		b.totalBytes -= removed
		atomic.AddInt64(&globalBytes, -removed)
	}
}

// PushBytes splits data on \n or \r\n and pushes one line per segment,
// buffering an incomplete trailing segment until the next call completes
// it — matching the poller's flush-on-newline contract in spec §4.3.
func (b *Buffer) PushBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	text := b.pending + string(data)
	b.pending = ""

	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			b.pending = text
			return
		}
		line := text[:idx]
		line = strings.TrimSuffix(line, "\r")
		b.pushLineLocked(line)
		text = text[idx+1:]
	}
}

// Lines returns a copy of every stored line, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// LastN returns a copy of the last n lines (or fewer if not available).
func (b *Buffer) LastN(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	start := len(b.lines) - n
	out := make([]string, n)
	copy(out, b.lines[start:])
	return out
}

// Range returns lines [start, end), clamped to valid bounds.
func (b *Buffer) Range(start, end int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if start < 0 {
		start = 0
	}
	if end > len(b.lines) {
		end = len(b.lines)
	}
	if start >= end {
		return nil
	}
	out := make([]string, end-start)
	copy(out, b.lines[start:end])
	return out
}

// Search returns the indices of lines containing substr.
func (b *Buffer) Search(substr string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matches []int
	for i, line := range b.lines {
		if strings.Contains(line, substr) {
			matches = append(matches, i)
		}
	}
	return matches
}

// Clear empties the buffer and releases its share of the global counter.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.AddInt64(&globalBytes, -b.totalBytes)
	b.lines = nil
	b.totalBytes = 0
	b.pending = ""
}

// Close releases this buffer's contribution to the global counter; callers
// must invoke it exactly once when a pane is destroyed (spec §3: "the
// global scrollback-bytes counter equals the sum of every live pane's
// buffer total_bytes").
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalBytes != 0 {
		atomic.AddInt64(&globalBytes, -b.totalBytes)
		b.totalBytes = 0
	}
}

// EstimateMemory returns an approximate in-memory footprint in bytes,
// including slice header overhead per line.
func (b *Buffer) EstimateMemory() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	const perLineOverhead = 16
	return b.totalBytes + int64(len(b.lines))*perLineOverhead
}

// ViewportOffset returns the stored scroll offset (0 = bottom/live).
func (b *Buffer) ViewportOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewport
}

// SetViewportOffset stores the scroll offset so a restart can recreate it.
func (b *Buffer) SetViewportOffset(offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	b.viewport = offset
}

// ResetGlobalBytesForTest zeroes the process-wide counter; test-only helper.
func ResetGlobalBytesForTest() {
	atomic.StoreInt64(&globalBytes, 0)
}
