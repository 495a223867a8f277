package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/akearney/conveyor/internal/pipeline/graph"
	"github.com/akearney/conveyor/internal/pipeline/state"
)

var (
	// ErrRunDone is returned by Next and Resume after the run terminated.
	ErrRunDone = errors.New("engine: run already terminated")
	// ErrSuspended is returned by Next while the run is parked; call
	// Resume with the external input first.
	ErrSuspended = errors.New("engine: run is suspended; call Resume")
	// ErrNotSuspended is returned by Resume when nothing is parked.
	ErrNotSuspended = errors.New("engine: run is not suspended")
)

// Step is one yielded transition: which stage ran, what it changed, and
// where the run is headed. A Suspended step ran nothing; the run is parked
// until Resume. After a Done step, Next returns ErrRunDone.
type Step struct {
	Stage     string
	Update    state.Update
	Fields    []string
	Next      graph.Target
	Suspended bool
	Done      bool
}

// Stepper is the pull-based execution surface. The host owns the cadence:
// each Next call executes exactly one stage and routes. Abandoning a
// Stepper mid-run is fine; it holds no background goroutines.
//
// Not safe for concurrent use.
type Stepper struct {
	eng *Engine
	st  *state.State

	current   string
	steps     int
	suspended bool
	done      bool
	final     *state.FinalOutcome
}

// State returns the current record. Earlier records remain valid: stages
// replace the record rather than mutating it.
func (p *Stepper) State() *state.State { return p.st }

func (p *Stepper) Steps() int { return p.steps }

// Final returns the terminal outcome, or nil while the run is live.
func (p *Stepper) Final() *state.FinalOutcome { return p.final }

// Next executes the current stage and routes to the next one.
func (p *Stepper) Next(ctx context.Context) (Step, error) {
	if p.done {
		return Step{}, ErrRunDone
	}
	if p.suspended {
		return Step{}, ErrSuspended
	}
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}

	if p.steps >= p.eng.opts.StepCeiling {
		upd := state.FatalUpdate(state.FatalStepCeiling, p.current,
			fmt.Sprintf("step ceiling %d reached before termination", p.eng.opts.StepCeiling))
		p.st = upd.Apply(p.st)
		p.finish(p.current)
		return Step{Stage: p.current, Update: upd, Fields: upd.Fields(), Next: graph.End, Done: true}, nil
	}

	stg := p.eng.g.Stage(p.current)
	if stg == nil {
		// Unreachable on a validated graph.
		upd := state.FatalUpdate(state.FatalUnroutable, p.current, "current stage is not in the graph")
		p.st = upd.Apply(p.st)
		p.finish(p.current)
		return Step{Stage: p.current, Update: upd, Fields: upd.Fields(), Next: graph.End, Done: true}, nil
	}

	if stg.Kind == graph.KindSuspend {
		p.suspended = true
		p.eng.appendProgress(map[string]any{
			"event":     "suspended",
			"stage":     stg.Name,
			"questions": len(p.st.Questions),
		})
		return Step{Stage: stg.Name, Suspended: true}, nil
	}

	p.eng.appendProgress(map[string]any{
		"event": "stage_started",
		"stage": stg.Name,
		"step":  p.steps + 1,
	})
	upd := stg.Run(ctx, p.st)
	p.st = upd.Apply(p.st)
	p.steps++
	p.eng.appendProgress(map[string]any{
		"event":  "stage_finished",
		"stage":  stg.Name,
		"step":   p.steps,
		"fields": upd.Fields(),
	})
	p.checkpoint(stg.Name)

	return p.route(stg.Name, upd)
}

// Resume feeds external input into a parked run and advances past the
// suspend stage.
func (p *Stepper) Resume(input string) (Step, error) {
	if p.done {
		return Step{}, ErrRunDone
	}
	if !p.suspended {
		return Step{}, ErrNotSuspended
	}
	stg := p.eng.g.Stage(p.current)
	upd := stg.OnResume(input)
	p.st = upd.Apply(p.st)
	p.steps++
	p.suspended = false
	p.eng.appendProgress(map[string]any{
		"event": "resumed",
		"stage": stg.Name,
		"step":  p.steps,
	})
	p.checkpoint(stg.Name)

	// Validation guarantees a suspend stage has exactly one edge.
	e := p.eng.g.EdgeFrom(stg.Name)
	step := Step{Stage: stg.Name, Update: upd, Fields: upd.Fields(), Next: e.To}
	p.eng.appendProgress(map[string]any{
		"event": "edge_selected",
		"from":  stg.Name,
		"to":    string(e.To),
	})
	if e.To == graph.End {
		p.finish(stg.Name)
		step.Done = true
		return step, nil
	}
	p.current = string(e.To)
	return step, nil
}

func (p *Stepper) route(from string, upd state.Update) (Step, error) {
	step := Step{Stage: from, Update: upd, Fields: upd.Fields()}
	var next graph.Target

	switch {
	case p.eng.g.EdgeFrom(from) != nil:
		next = p.eng.g.EdgeFrom(from).To
		p.eng.appendProgress(map[string]any{
			"event": "edge_selected",
			"from":  from,
			"to":    string(next),
		})

	case p.eng.g.ConditionalFrom(from) != nil:
		c := p.eng.g.ConditionalFrom(from)
		out := c.Route(p.st)
		to, ok := c.Targets[out]
		if !ok {
			// Router contract breach: the output table is supposed to be
			// total. This is an engine fault, not a content failure.
			upd := state.FatalUpdate(state.FatalUnroutable, from,
				fmt.Sprintf("router %q produced unmapped output %q", c.Router, out))
			p.st = upd.Apply(p.st)
			p.finish(from)
			step.Next = graph.End
			step.Done = true
			return step, nil
		}
		if kind, fatal := c.FatalOutputs[out]; fatal && p.st.Fatal == nil {
			p.st = state.FatalUpdate(kind, from,
				fmt.Sprintf("router %q terminated the run: %s", c.Router, out)).Apply(p.st)
		}
		p.eng.appendProgress(map[string]any{
			"event":  "edge_selected",
			"from":   from,
			"to":     string(to),
			"output": string(out),
		})
		next = to

	default:
		// Unreachable on a validated graph.
		upd := state.FatalUpdate(state.FatalUnroutable, from, "stage has no outgoing route")
		p.st = upd.Apply(p.st)
		p.finish(from)
		step.Next = graph.End
		step.Done = true
		return step, nil
	}

	step.Next = next
	if next == graph.End {
		p.finish(from)
		step.Done = true
		return step, nil
	}
	p.current = string(next)
	return step, nil
}

func (p *Stepper) checkpoint(stage string) {
	if p.eng.opts.LogsRoot == "" || p.eng.opts.DisableCheckpoints {
		return
	}
	path := filepath.Join(p.eng.opts.LogsRoot, "checkpoint.json")
	snap, err := state.SaveSnapshot(path, p.eng.opts.RunID, stage, p.steps, p.st)
	if err != nil {
		p.eng.appendProgress(map[string]any{
			"event": "warning",
			"stage": stage,
			"error": fmt.Sprintf("checkpoint: %v", err),
		})
		return
	}
	p.eng.appendProgress(map[string]any{
		"event":  "checkpoint_saved",
		"stage":  stage,
		"digest": snap.Digest,
	})
}

func (p *Stepper) finish(last string) {
	p.done = true
	p.final = state.Finalize(p.eng.opts.RunID, last, p.steps, p.st)
	if p.eng.opts.LogsRoot != "" {
		if err := p.final.Save(filepath.Join(p.eng.opts.LogsRoot, "final.json")); err != nil {
			p.eng.appendProgress(map[string]any{
				"event": "warning",
				"error": fmt.Sprintf("final outcome: %v", err),
			})
		}
	}
	ev := map[string]any{
		"event":  "run_finished",
		"status": string(p.final.Status),
		"steps":  p.steps,
	}
	if p.final.FailureReason != "" {
		ev["failure_kind"] = p.final.FailureKind
		ev["failure_reason"] = p.final.FailureReason
	}
	p.eng.appendProgress(ev)
}
