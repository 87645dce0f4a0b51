package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// maxEntrySize guards against a corrupt length prefix when replaying a
// WAL file, mirroring internal/protocol's MaxFrameSize guard.
const maxEntrySize = 64 << 20

// WalConfig tunes write durability. The WAL is a single file truncated
// on every successful checkpoint (see Truncate), so it carries no
// segment-rotation knobs.
type WalConfig struct {
	SyncOnWrite bool
}

// DefaultWalConfig mirrors original_source's WalConfig::default().
func DefaultWalConfig() WalConfig {
	return WalConfig{
		SyncOnWrite: true,
	}
}

// Wal is an append-only log of WalEntry records. Each append is
// length-prefixed CBOR, fsynced before returning when SyncOnWrite is
// set, matching spec §4.7's "fsync-on-commit" durability contract.
type Wal struct {
	mu       sync.Mutex
	file     *os.File
	cfg      WalConfig
	sequence uint64

	recovered []WalEntry
}

// OpenWal opens or creates a WAL at path, replaying any existing entries
// into the returned Wal's recovered-entries list.
func OpenWal(path string, cfg WalConfig) (*Wal, error) {
	existing, err := readWalFile(path)
	if err != nil {
		return nil, fmt.Errorf("recover wal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &Wal{file: f, cfg: cfg, recovered: existing, sequence: uint64(len(existing))}
	return w, nil
}

func readWalFile(path string) ([]WalEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []WalEntry
	r := bufio.NewReader(f)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			// A truncated trailing record (e.g. crash mid-write) stops
			// replay at the last fully-committed entry rather than
			// failing recovery outright.
			break
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size > maxEntrySize {
			break
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		var entry WalEntry
		if err := cbor.Unmarshal(body, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Append writes one entry, returning its assigned sequence number.
func (w *Wal) Append(entry WalEntry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.sequence
	w.sequence++
	if err := w.writeLocked(entry); err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendBatch writes multiple entries; durability, not group-commit, is
// guaranteed — each entry is synced individually if SyncOnWrite is set
// (spec §4.7: "Batch append is atomic per-entry only").
func (w *Wal) AppendBatch(entries []WalEntry) (uint64, error) {
	if len(entries) == 0 {
		w.mu.Lock()
		seq := w.sequence
		w.mu.Unlock()
		return seq, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	first := w.sequence
	for _, e := range entries {
		w.sequence++
		if err := w.writeLocked(e); err != nil {
			return 0, err
		}
	}
	return first + uint64(len(entries)) - 1, nil
}

func (w *Wal) writeLocked(entry WalEntry) error {
	body, err := cbor.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write wal length: %w", err)
	}
	if _, err := w.file.Write(body); err != nil {
		return fmt.Errorf("write wal body: %w", err)
	}
	if w.cfg.SyncOnWrite {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync wal: %w", err)
		}
	}
	return nil
}

// RecoveredEntries returns the entries replayed when the WAL was opened.
func (w *Wal) RecoveredEntries() []WalEntry {
	return w.recovered
}

// ReadAfterCheckpoint filters entries to those following the
// CheckpointMarker whose Sequence matches checkpointSequence; if no
// marker is found and checkpointSequence is 0, every entry is returned
// (nothing has been checkpointed yet).
func ReadAfterCheckpoint(entries []WalEntry, checkpointSequence uint64) []WalEntry {
	var result []WalEntry
	found := false
	for _, e := range entries {
		if seq, ok := e.CheckpointSequence(); ok && seq == checkpointSequence {
			found = true
			continue
		}
		if found {
			result = append(result, e)
		}
	}
	if !found && checkpointSequence == 0 {
		return entries
	}
	return result
}

// Sequence returns the next sequence number that will be assigned.
func (w *Wal) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// ApproximateSize estimates on-disk size from the entry count, mirroring
// original_source's rough per-entry estimate (exact size requires a
// stat(), which StatSize performs when precision matters). sequence
// resets on Truncate, so this tracks growth since the last checkpoint
// rather than a lifetime total.
func (w *Wal) ApproximateSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.sequence) * 100
}

// Truncate discards every entry written so far and resets the sequence
// counter to zero. Called after a successful checkpoint, since
// everything truncated is already captured in the checkpoint's snapshot
// (spec §2: "the checkpointer snapshots the tree and truncates the
// WAL"). The file's O_APPEND mode means subsequent writes land at the
// new end-of-file regardless of the current offset.
func (w *Wal) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	w.sequence = 0
	w.recovered = nil
	return nil
}

// StatSize returns the WAL file's exact on-disk size.
func (w *Wal) StatSize() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close flushes and closes the underlying file.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
