package factory

import (
	"context"
	"fmt"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// SimulatedReasoner produces deterministic, well-formed replies for every
// stage. It exists so the full pipeline can run end to end with no
// reasoning service attached (demos, smoke tests, CI).
type SimulatedReasoner struct{}

func (SimulatedReasoner) Invoke(ctx context.Context, pc PromptContext) (string, error) {
	switch pc["stage"] {
	case StageArchitect:
		return `{"language": "python", "framework": "", "notes": "simulated decision"}`, nil
	case StagePlanner:
		return `{"questions": [], "plan": "1. Implement solve() per the request.\n2. Return the result.", "notes": "simulated plan"}`, nil
	case StageTestDesign:
		return `[{"function": "solve", "inputs": [], "expected": "ok", "description": "simulated case"}]`, nil
	case StageDevelop:
		return "```python\ndef solve():\n    return \"ok\"\n```", nil
	case StageReview:
		return `{"passed": true, "issues": []}`, nil
	case StageCritique:
		return "Simulated critique: tighten the failing path.", nil
	default:
		return "", fmt.Errorf("simulated reasoner: unknown stage %q", pc["stage"])
	}
}

// ScriptedReasoner replays queued replies per stage. The last reply of a
// stage's queue is sticky so loop tests don't have to count iterations.
type ScriptedReasoner struct {
	Replies map[string][]string
	Errs    map[string]error
	Calls   []PromptContext
}

func (s *ScriptedReasoner) Invoke(ctx context.Context, pc PromptContext) (string, error) {
	s.Calls = append(s.Calls, pc)
	stage := pc["stage"]
	if err := s.Errs[stage]; err != nil {
		return "", err
	}
	q := s.Replies[stage]
	if len(q) == 0 {
		return "", fmt.Errorf("scripted reasoner: no reply for stage %q", stage)
	}
	reply := q[0]
	if len(q) > 1 {
		s.Replies[stage] = q[1:]
	}
	return reply, nil
}

// StaticRetriever returns the same context for every query.
type StaticRetriever struct {
	Context string
}

func (r StaticRetriever) Query(ctx context.Context, query string) (string, error) {
	return r.Context, nil
}

// SimulatedRunner reports success for every execution, matching the
// SimulatedReasoner's happy path.
type SimulatedRunner struct{}

func (SimulatedRunner) Run(ctx context.Context, code, entryPoint string, args []any, expected any) RunResult {
	return RunResult{Status: state.TestSuccess, Message: "simulated pass", Actual: expected}
}

// ScriptedRunner replays queued results; the last one is sticky.
type ScriptedRunner struct {
	Results []RunResult
	Calls   int
}

func (s *ScriptedRunner) Run(ctx context.Context, code, entryPoint string, args []any, expected any) RunResult {
	s.Calls++
	if len(s.Results) == 0 {
		return RunResult{Status: state.TestToolError, Message: "scripted runner: no result queued"}
	}
	res := s.Results[0]
	if len(s.Results) > 1 {
		s.Results = s.Results[1:]
	}
	return res
}
