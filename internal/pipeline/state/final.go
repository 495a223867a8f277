package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalFail    FinalStatus = "fail"
)

// FinalOutcome is the terminal record of a run, written as final.json.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`
	Steps int    `json:"steps"`

	// LastStage is the stage that executed immediately before Terminal.
	LastStage string `json:"last_stage,omitempty"`

	FailureKind   string `json:"failure_kind,omitempty"`
	FailureStage  string `json:"failure_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	StateDigest string `json:"state_digest,omitempty"`
}

// Finalize builds the FinalOutcome for a finished State. A populated fatal
// slot wins over everything else; otherwise the run is a success.
func Finalize(runID, lastStage string, steps int, st *State) *FinalOutcome {
	fo := &FinalOutcome{
		Timestamp: time.Now().UTC(),
		Status:    FinalSuccess,
		RunID:     runID,
		Steps:     steps,
		LastStage: lastStage,
	}
	if digest, err := st.Digest(); err == nil {
		fo.StateDigest = digest
	}
	if st.Fatal != nil {
		fo.Status = FinalFail
		fo.FailureKind = string(st.Fatal.Kind)
		fo.FailureStage = st.Fatal.Stage
		fo.FailureReason = st.Fatal.Message
	}
	return fo
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return WriteJSONAtomicFile(path, fo)
}

func LoadFinalOutcome(path string) (*FinalOutcome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fo FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &fo, nil
}
