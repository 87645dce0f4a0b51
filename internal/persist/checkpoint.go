package persist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CheckpointConfig tunes retention.
type CheckpointConfig struct {
	MaxCheckpoints int
	FilePrefix     string
}

// DefaultCheckpointConfig mirrors original_source's CheckpointConfig::default().
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{MaxCheckpoints: 5, FilePrefix: "checkpoint"}
}

// CheckpointManager creates, loads, and prunes checkpoint files under a
// directory, using the write-to-temp-then-rename pattern the teacher's
// internal/config.Config.Save applies to its own config writes.
type CheckpointManager struct {
	dir      string
	cfg      CheckpointConfig
	sequence uint64
}

// NewCheckpointManager opens (creating if absent) a checkpoint directory
// and seeds its sequence counter from the highest-numbered file present.
func NewCheckpointManager(dir string, cfg CheckpointConfig) (*CheckpointManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	seq, err := findMaxSequence(dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	return &CheckpointManager{dir: dir, cfg: cfg, sequence: seq}, nil
}

func findMaxSequence(dir, prefix string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var max uint64
	for _, e := range entries {
		name := e.Name()
		rest, ok := strings.CutPrefix(name, prefix+"-")
		if !ok {
			continue
		}
		numStr, ok := strings.CutSuffix(rest, ".bin")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (m *CheckpointManager) checkpointPath(sequence uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%d.bin", m.cfg.FilePrefix, sequence))
}

// Create writes a new checkpoint of the given sessions and prunes old ones.
func (m *CheckpointManager) Create(sessions []SessionSnapshot) (string, error) {
	m.sequence++
	cp := Checkpoint{
		Version:   CheckpointVersion,
		Timestamp: time.Now().Unix(),
		Sequence:  m.sequence,
		Sessions:  sessions,
	}
	path := m.checkpointPath(m.sequence)
	if err := writeCheckpoint(path, cp); err != nil {
		return "", err
	}
	if err := m.cleanupOld(); err != nil {
		return path, err
	}
	return path, nil
}

func writeCheckpoint(path string, cp Checkpoint) error {
	tempPath := path + ".tmp"
	body, err := cbor.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := f.Write(CheckpointMagic[:]); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint magic: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint body: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// readCheckpoint validates the magic and version gate before decoding.
func readCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(data) < len(CheckpointMagic) || !bytes.Equal(data[:len(CheckpointMagic)], CheckpointMagic[:]) {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: bad magic", path)
	}
	var cp Checkpoint
	if err := cbor.Unmarshal(data[len(CheckpointMagic):], &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: decode: %w", path, err)
	}
	if cp.Version > CheckpointVersion {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: unsupported version %d (max %d)", path, cp.Version, CheckpointVersion)
	}
	if err := ValidateCheckpoint(cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return cp, nil
}

// ValidateCheckpoint checks the structural invariants spec §4.7 requires
// before a loaded checkpoint is accepted.
func ValidateCheckpoint(cp Checkpoint) error {
	for _, s := range cp.Sessions {
		windowExists := map[string]bool{}
		for _, w := range s.Windows {
			if w.SessionID != s.ID {
				return fmt.Errorf("window %s: session_id mismatch", w.ID)
			}
			windowExists[w.ID.String()] = true
			paneExists := map[string]bool{}
			for _, p := range w.Panes {
				if p.WindowID != w.ID {
					return fmt.Errorf("pane %s: window_id mismatch", p.ID)
				}
				paneExists[p.ID.String()] = true
			}
			if w.ActivePaneID != nil && !paneExists[w.ActivePaneID.String()] {
				return fmt.Errorf("window %s: active_pane_id does not exist", w.ID)
			}
		}
		if s.ActiveWindowID != nil && !windowExists[s.ActiveWindowID.String()] {
			return fmt.Errorf("session %s: active_window_id does not exist", s.ID)
		}
	}
	return nil
}

// listCheckpointFiles returns every checkpoint file's (sequence, path),
// sorted newest-first.
func (m *CheckpointManager) listCheckpointFiles() ([]struct {
	seq  uint64
	path string
}, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []struct {
		seq  uint64
		path string
	}
	for _, e := range entries {
		name := e.Name()
		rest, ok := strings.CutPrefix(name, m.cfg.FilePrefix+"-")
		if !ok {
			continue
		}
		numStr, ok := strings.CutSuffix(rest, ".bin")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, struct {
			seq  uint64
			path string
		}{n, filepath.Join(m.dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out, nil
}

// LoadLatest returns the newest valid checkpoint, skipping corrupt files
// newest-to-oldest with a warning for each skip (spec §4.7 recovery
// step 2). Returns ok=false if no checkpoint exists or none are valid.
func (m *CheckpointManager) LoadLatest() (cp Checkpoint, ok bool, warnings []string) {
	files, err := m.listCheckpointFiles()
	if err != nil {
		return Checkpoint{}, false, []string{fmt.Sprintf("list checkpoints: %v", err)}
	}
	for _, f := range files {
		loaded, err := readCheckpoint(f.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping corrupt checkpoint %s: %v", f.path, err))
			continue
		}
		return loaded, true, warnings
	}
	return Checkpoint{}, false, warnings
}

func (m *CheckpointManager) cleanupOld() error {
	files, err := m.listCheckpointFiles()
	if err != nil {
		return err
	}
	if len(files) <= m.cfg.MaxCheckpoints {
		return nil
	}
	for _, f := range files[m.cfg.MaxCheckpoints:] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune checkpoint %s: %w", f.path, err)
		}
	}
	return nil
}

// Sequence returns the last sequence number assigned to a checkpoint.
func (m *CheckpointManager) Sequence() uint64 { return m.sequence }
