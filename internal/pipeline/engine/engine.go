// Package engine drives a validated pipeline graph over a state record.
// Two host surfaces share one transition function: Run executes to
// completion (answering suspensions through an Interviewer), and Start
// hands back a Stepper for pull-based stepwise execution.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/akearney/conveyor/internal/pipeline/graph"
	"github.com/akearney/conveyor/internal/pipeline/state"
)

// DefaultStepCeiling is the global cap on stage executions per run. It is
// a backstop against wiring bugs, not a tuning knob: the per-loop bounds
// in the graph are the real policy and trip far earlier.
const DefaultStepCeiling = 250

// NewRunID returns a fresh sortable run identifier.
func NewRunID() string { return ulid.Make().String() }

type Options struct {
	// RunID defaults to a fresh ULID.
	RunID string
	// LogsRoot is the run's artifact directory (manifest.json,
	// checkpoint.json, progress.ndjson, live.json, final.json). Empty
	// disables all persistence.
	LogsRoot string
	// StepCeiling defaults to DefaultStepCeiling.
	StepCeiling int
	// DisableCheckpoints skips the per-step checkpoint.json write.
	DisableCheckpoints bool
	// ProgressSink observes every progress event in-process.
	ProgressSink func(map[string]any)
	// Interviewer answers suspensions in Run mode. Defaults to
	// AutoContinueInterviewer.
	Interviewer Interviewer
}

type Engine struct {
	g    *graph.Graph
	opts Options
}

func New(g *graph.Graph, opts Options) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("engine: graph is nil")
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.StepCeiling <= 0 {
		opts.StepCeiling = DefaultStepCeiling
	}
	if opts.Interviewer == nil {
		opts.Interviewer = &AutoContinueInterviewer{}
	}
	return &Engine{g: g, opts: opts}, nil
}

func (e *Engine) RunID() string { return e.opts.RunID }

// Run executes the pipeline to completion and returns the final record.
// Pipeline failures do not surface as Go errors: they live in the record's
// fatal slot and in final.json. The returned error covers host faults only
// (context cancellation, unusable logs root).
func (e *Engine) Run(ctx context.Context, st *state.State) (*state.State, error) {
	stp, err := e.Start(st)
	if err != nil {
		return st, err
	}
	for {
		step, err := stp.Next(ctx)
		if err != nil {
			return stp.State(), err
		}
		if step.Suspended {
			ans := e.opts.Interviewer.Ask(Question{
				Stage:   step.Stage,
				Prompts: stp.State().Questions,
			})
			input := ans.Text
			if ans.Skipped || ans.TimedOut {
				input = ""
			}
			rstep, err := stp.Resume(input)
			if err != nil {
				return stp.State(), err
			}
			// The suspend stage's single edge may lead straight to End.
			if rstep.Done {
				e.informFatal(stp.State())
				return stp.State(), nil
			}
			continue
		}
		if step.Done {
			e.informFatal(stp.State())
			return stp.State(), nil
		}
	}
}

// informFatal tells the interviewer why a run ended short of delivering.
func (e *Engine) informFatal(st *state.State) {
	if st.Fatal == nil {
		return
	}
	e.opts.Interviewer.Inform(st.Fatal.Error(), st.Fatal.Stage)
}

// Start begins a run and returns its Stepper. The initial record is not
// executed yet; the first Next call runs the entry stage.
func (e *Engine) Start(st *state.State) (*Stepper, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: initial state is nil")
	}
	if e.opts.LogsRoot != "" {
		if err := os.MkdirAll(e.opts.LogsRoot, 0o755); err != nil {
			return nil, fmt.Errorf("engine: logs root: %w", err)
		}
		if err := e.writeManifest(); err != nil {
			return nil, err
		}
	}
	e.appendProgress(map[string]any{
		"event":    "run_started",
		"pipeline": e.g.Name,
		"entry":    e.g.Entry(),
	})
	return &Stepper{eng: e, st: st, current: e.g.Entry()}, nil
}

type manifest struct {
	RunID       string    `json:"run_id"`
	Pipeline    string    `json:"pipeline"`
	Created     time.Time `json:"created"`
	Entry       string    `json:"entry"`
	Stages      []string  `json:"stages"`
	StepCeiling int       `json:"step_ceiling"`
}

func (e *Engine) writeManifest() error {
	m := manifest{
		RunID:       e.opts.RunID,
		Pipeline:    e.g.Name,
		Created:     time.Now().UTC(),
		Entry:       e.g.Entry(),
		Stages:      e.g.StageNames(),
		StepCeiling: e.opts.StepCeiling,
	}
	return state.WriteJSONAtomicFile(filepath.Join(e.opts.LogsRoot, "manifest.json"), m)
}

// DefaultLogsRoot returns the per-run artifact directory under the user's
// state dir: ${XDG_STATE_HOME:-$HOME/.local/state}/conveyor/runs/<run_id>.
func DefaultLogsRoot(runID string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("conveyor-runs", runID)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "conveyor", "runs", runID)
}
