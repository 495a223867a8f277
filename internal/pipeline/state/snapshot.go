package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// Snapshot is the per-step checkpoint the engine writes after each stage.
// Digest is a content hash of the embedded State so a resumed or inspected
// run can tell whether the record on disk matches what the engine last saw.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Steps     int       `json:"steps"`
	State     *State    `json:"state"`
	Digest    string    `json:"digest"`
}

// Digest returns the blake3 hex digest of the State's canonical JSON form.
func (s *State) Digest() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SaveSnapshot checkpoints the State after the named stage.
func SaveSnapshot(path, runID, stage string, steps int, st *State) (*Snapshot, error) {
	digest, err := st.Digest()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Stage:     stage,
		Steps:     steps,
		State:     st,
		Digest:    digest,
	}
	if err := WriteJSONAtomicFile(path, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadSnapshot reads a checkpoint and verifies its digest.
func LoadSnapshot(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if snap.State == nil {
		return nil, fmt.Errorf("decode %s: missing state", path)
	}
	digest, err := snap.State.Digest()
	if err != nil {
		return nil, err
	}
	if snap.Digest != "" && snap.Digest != digest {
		return nil, fmt.Errorf("checkpoint %s: digest mismatch (stored %s, computed %s)", path, snap.Digest, digest)
	}
	return &snap, nil
}
