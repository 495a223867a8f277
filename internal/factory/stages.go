package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// Stage names as wired into the graph. Routers dispatch on these, progress
// events carry them, and per-stage model overrides key on them.
const (
	StageArchitect  = "architect"
	StagePlanner    = "planner"
	StageClarify    = "clarify"
	StageTestDesign = "testdesign"
	StageDevelop    = "develop"
	StageQA         = "qa"
	StageReview     = "review"
	StageCritique   = "critique"
	StagePackage    = "package"
	StageHandoff    = "handoff"
)

// Pipeline holds the injected collaborators and builds the graph. One
// Pipeline can serve many runs; it carries no per-run state.
type Pipeline struct {
	reasoner  Reasoner
	retriever Retriever
	runner    CodeRunner
	cfg       *Config
}

func New(cfg *Config, reasoner Reasoner, retriever Retriever, runner CodeRunner) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("factory: config is nil")
	}
	if reasoner == nil {
		return nil, fmt.Errorf("factory: reasoner is nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("factory: code runner is nil")
	}
	if retriever == nil {
		retriever = NullRetriever{}
	}
	return &Pipeline{reasoner: reasoner, retriever: retriever, runner: runner, cfg: cfg}, nil
}

// InitialState builds the fresh record for a run from the config.
func (p *Pipeline) InitialState() *state.State {
	st := state.New(p.cfg.Request, p.cfg.Limits.MaxClarifications, p.cfg.Limits.MaxRefinements)
	if len(p.cfg.Models) > 0 {
		st.Models = make(map[string]string, len(p.cfg.Models))
		for k, v := range p.cfg.Models {
			st.Models[k] = v
		}
	}
	return st
}

func (p *Pipeline) prompt(stage string, st *state.State, extra map[string]string) PromptContext {
	pc := PromptContext{
		"stage":   stage,
		"model":   st.Model(stage),
		"request": st.Request,
	}
	for k, v := range extra {
		pc[k] = v
	}
	return pc
}

// architect opens the run: it picks the implementation technology and
// resets every later-phase field, including any stale fatal slot.
func (p *Pipeline) architect(ctx context.Context, st *state.State) state.Update {
	principles := retrieveOr(ctx, p.retriever, "architectural principles for: "+st.Request)
	out, err := p.reasoner.Invoke(ctx, p.prompt(StageArchitect, st, map[string]string{
		"context": principles,
	}))
	if err != nil {
		return state.FatalUpdate(state.FatalPhase, StageArchitect, fmt.Sprintf("reasoning failed: %v", err))
	}
	decision, malformed := decodeDecision(out)
	if malformed != "" {
		return state.FatalUpdate(state.FatalPhase, StageArchitect, "unusable decision: "+malformed)
	}
	return state.Update{
		Decision: state.Set(decision),
		Fatal:    state.Set[*state.Fatal](nil),

		// Fresh run: everything downstream starts clean.
		ClarifiedInput:  state.Set(""),
		Questions:       state.Set[[]string](nil),
		ClarifyCount:    state.Set(0),
		Plan:            state.Set(""),
		PlannerNotes:    state.Set(""),
		TaskDescription: state.Set(""),
		TestCases:       state.Set[[]state.TestCase](nil),
		TestIndex:       state.Set(0),
		AllTestsPassed:  state.Set(false),
		Code:            state.Set(""),
		TestStatus:      state.Set(state.TestUnset),
		TestMessage:     state.Set(""),
		TestResults:     state.Set[[]state.TestResult](nil),
		Critique:        state.Set(""),
		RefinementCount: state.Set(0),
		ReviewStatus:    state.Set(state.ReviewUnset),
		ReviewIssues:    state.Set[[]string](nil),
		Artifacts:       state.Set[map[string]string](nil),
		HandoffSummary:  state.Set(""),
	}
}

// planner turns the request into a task plan, or asks for clarification.
// Each invocation counts one clarification round; committing to a plan
// resets the inner refinement counter and clears the build phase.
func (p *Pipeline) planner(ctx context.Context, st *state.State) state.Update {
	if st.Decision == nil {
		return state.FatalUpdate(state.FatalPhase, StagePlanner, "no architectural decision on the record")
	}
	input := st.Request
	if strings.TrimSpace(st.ClarifiedInput) != "" {
		input = st.ClarifiedInput
	}
	guidelines := retrieveOr(ctx, p.retriever, fmt.Sprintf("%s planning guidelines", st.Decision.Language))
	out, err := p.reasoner.Invoke(ctx, p.prompt(StagePlanner, st, map[string]string{
		"input":    input,
		"language": st.Decision.Language,
		"context":  guidelines,
	}))
	if err != nil {
		return state.FatalUpdate(state.FatalPhase, StagePlanner, fmt.Sprintf("reasoning failed: %v", err))
	}
	parsed, malformed := decodePlannerOutput(out)
	if malformed != "" {
		return state.FatalUpdate(state.FatalPhase, StagePlanner, "unusable plan: "+malformed)
	}
	round := st.ClarifyCount + 1

	if len(parsed.Questions) > 0 {
		return state.Update{
			Questions:    state.Set(parsed.Questions),
			ClarifyCount: state.Set(round),
			Plan:         state.Set(""),
		}
	}

	return state.Update{
		Plan:            state.Set(parsed.Plan),
		PlannerNotes:    state.Set(parsed.Notes),
		TaskDescription: state.Set(taskDescription(input, parsed.Plan)),
		Questions:       state.Set[[]string](nil),
		ClarifyCount:    state.Set(round),

		// A new plan opens a new build phase: the inner loop restarts and
		// all build products are cleared. Feedback history survives.
		RefinementCount: state.Set(0),
		TestCases:       state.Set[[]state.TestCase](nil),
		TestIndex:       state.Set(0),
		AllTestsPassed:  state.Set(false),
		Code:            state.Set(""),
		TestStatus:      state.Set(state.TestUnset),
		TestMessage:     state.Set(""),
		TestResults:     state.Set[[]state.TestResult](nil),
		Critique:        state.Set(""),
		ReviewStatus:    state.Set(state.ReviewUnset),
		ReviewIssues:    state.Set[[]string](nil),
		Artifacts:       state.Set[map[string]string](nil),
		HandoffSummary:  state.Set(""),
	}
}

func taskDescription(input, plan string) string {
	return fmt.Sprintf("Task: %s\n\nPlan:\n%s", strings.TrimSpace(input), strings.TrimSpace(plan))
}

// clarifyResume folds the external answer into the record when the run
// continues. An empty answer keeps any prior clarified input; the planner
// will re-evaluate and the clarification cap bounds the loop either way.
func clarifyResume(answer string) state.Update {
	u := state.Update{Questions: state.Set[[]string](nil)}
	if strings.TrimSpace(answer) != "" {
		u.ClarifiedInput = state.Set(answer)
	}
	return u
}

// testDesign derives executable test cases from the plan.
func (p *Pipeline) testDesign(ctx context.Context, st *state.State) state.Update {
	if strings.TrimSpace(st.Plan) == "" {
		return state.FatalUpdate(state.FatalPhase, StageTestDesign, "no plan on the record")
	}
	out, err := p.reasoner.Invoke(ctx, p.prompt(StageTestDesign, st, map[string]string{
		"task":     st.TaskDescription,
		"language": st.Decision.Language,
	}))
	if err != nil {
		return state.FatalUpdate(state.FatalPhase, StageTestDesign, fmt.Sprintf("reasoning failed: %v", err))
	}
	cases, malformed := decodeTestCases(out)
	if malformed != "" {
		return state.FatalUpdate(state.FatalPhase, StageTestDesign, "unusable test cases: "+malformed)
	}
	return state.Update{
		TestCases:      state.Set(cases),
		TestIndex:      state.Set(0),
		AllTestsPassed: state.Set(false),
		TestResults:    state.Set[[]state.TestResult](nil),
		Code:           state.Set(""),
		TestStatus:     state.Set(state.TestUnset),
		TestMessage:    state.Set(""),
		Critique:       state.Set(""),
		ReviewStatus:   state.Set(state.ReviewUnset),
		ReviewIssues:   state.Set[[]string](nil),
	}
}

// develop writes (or rewrites) the code. Every invocation counts one
// refinement attempt against the record it read; failing to produce a
// runnable snippet is a harness failure that re-enters the loop, not a
// run-ending fault.
func (p *Pipeline) develop(ctx context.Context, st *state.State) state.Update {
	attempt := st.RefinementCount + 1
	if strings.TrimSpace(st.TaskDescription) == "" {
		return state.Update{
			TestStatus:      state.Set(state.TestToolError),
			TestMessage:     state.Set("no task description on the record"),
			RefinementCount: state.Set(attempt),
			AppendFeedback:  []string{fmt.Sprintf("attempt %d: develop had no task description", attempt)},
		}
	}
	standards := retrieveOr(ctx, p.retriever, fmt.Sprintf("%s coding standards", st.Decision.Language))
	casesJSON, _ := json.Marshal(st.TestCases)
	out, err := p.reasoner.Invoke(ctx, p.prompt(StageDevelop, st, map[string]string{
		"task":       st.TaskDescription,
		"language":   st.Decision.Language,
		"context":    standards,
		"test_cases": string(casesJSON),
		"prior_code": st.Code,
		"critique":   st.Critique,
		"feedback":   strings.Join(st.Feedback, "\n"),
	}))
	code := ""
	if err == nil {
		code = extractCode(out)
	}
	if code == "" {
		msg := "reply contained no code block"
		if err != nil {
			msg = fmt.Sprintf("reasoning failed: %v", err)
		}
		return state.Update{
			TestStatus:      state.Set(state.TestToolError),
			TestMessage:     state.Set(msg),
			RefinementCount: state.Set(attempt),
			AppendFeedback:  []string{fmt.Sprintf("attempt %d: %s", attempt, msg)},
		}
	}
	return state.Update{
		Code:            state.Set(code),
		RefinementCount: state.Set(attempt),
		TestStatus:      state.Set(state.TestUnset),
		TestMessage:     state.Set(""),
		Critique:        state.Set(""),
		ReviewStatus:    state.Set(state.ReviewUnset),
		ReviewIssues:    state.Set[[]string](nil),
		Artifacts:       state.Set[map[string]string](nil),
		HandoffSummary:  state.Set(""),
	}
}

// qa runs the current test case against the code. Success advances the
// case index; any failure records the outcome and feeds the loop.
func (p *Pipeline) qa(ctx context.Context, st *state.State) state.Update {
	if strings.TrimSpace(st.Code) == "" {
		return state.Update{
			TestStatus:     state.Set(state.TestToolError),
			TestMessage:    state.Set("no code on the record"),
			AppendFeedback: []string{fmt.Sprintf("attempt %d: qa had no code to test", st.RefinementCount)},
		}
	}
	tc, ok := st.CurrentTestCase()
	if !ok {
		return state.Update{
			TestStatus:  state.Set(state.TestToolError),
			TestMessage: state.Set(fmt.Sprintf("test index %d out of range (%d cases)", st.TestIndex, len(st.TestCases))),
		}
	}

	res := p.runner.Run(ctx, st.Code, tc.Function, tc.Inputs, tc.Expected)
	result := state.TestResult{Case: tc, Status: res.Status, Message: res.Message, Actual: res.Actual}

	if res.Status == state.TestSuccess {
		next := st.TestIndex + 1
		return state.Update{
			TestStatus:        state.Set(state.TestSuccess),
			TestMessage:       state.Set(res.Message),
			TestIndex:         state.Set(next),
			AllTestsPassed:    state.Set(next >= len(st.TestCases)),
			AppendTestResults: []state.TestResult{result},
		}
	}
	return state.Update{
		TestStatus:        state.Set(res.Status),
		TestMessage:       state.Set(res.Message),
		AppendTestResults: []state.TestResult{result},
		AppendFeedback: []string{fmt.Sprintf("attempt %d: case %q %s: %s",
			st.RefinementCount, tc.Function, res.Status, res.Message)},
	}
}

// review is the final verdict on code that passed every test case. An
// unusable verdict ends the run; the review stage sits outside the
// refinement loop's retry budget for that failure mode.
func (p *Pipeline) review(ctx context.Context, st *state.State) state.Update {
	if strings.TrimSpace(st.Code) == "" {
		return state.Update{
			ReviewStatus: state.Set(state.ReviewError),
			Fatal:        state.Set(&state.Fatal{Kind: state.FatalReview, Stage: StageReview, Message: "no code on the record"}),
		}
	}
	out, err := p.reasoner.Invoke(ctx, p.prompt(StageReview, st, map[string]string{
		"task":     st.TaskDescription,
		"language": st.Decision.Language,
		"code":     st.Code,
	}))
	if err != nil {
		return state.Update{
			ReviewStatus: state.Set(state.ReviewError),
			Fatal:        state.Set(&state.Fatal{Kind: state.FatalReview, Stage: StageReview, Message: fmt.Sprintf("reasoning failed: %v", err)}),
		}
	}
	verdict, malformed := decodeVerdict(out)
	if malformed != "" {
		return state.Update{
			ReviewStatus: state.Set(state.ReviewError),
			Fatal:        state.Set(&state.Fatal{Kind: state.FatalReview, Stage: StageReview, Message: "unusable verdict: " + malformed}),
		}
	}
	if verdict.Passed {
		return state.Update{
			ReviewStatus: state.Set(state.ReviewPass),
			ReviewIssues: state.Set[[]string](nil),
		}
	}
	return state.Update{
		ReviewStatus:   state.Set(state.ReviewFail),
		ReviewIssues:   state.Set(verdict.Issues),
		AppendFeedback: []string{fmt.Sprintf("attempt %d: review failed: %s", st.RefinementCount, strings.Join(verdict.Issues, "; "))},
	}
}

// critique digests the latest failure into guidance for the next develop
// attempt. It degrades to a mechanical summary rather than failing: the
// refinement loop must keep turning even when the reasoner is down.
func (p *Pipeline) critique(ctx context.Context, st *state.State) state.Update {
	out, err := p.reasoner.Invoke(ctx, p.prompt(StageCritique, st, map[string]string{
		"code":          st.Code,
		"test_status":   string(st.TestStatus),
		"test_message":  st.TestMessage,
		"review_issues": strings.Join(st.ReviewIssues, "; "),
	}))
	text := strings.TrimSpace(out)
	if err != nil || text == "" {
		text = fallbackCritique(st)
	}
	// The feedback log keeps every critique even after develop clears the
	// Critique field for the next attempt.
	return state.Update{
		Critique:       state.Set(text),
		AppendFeedback: []string{fmt.Sprintf("critique on attempt %d: %s", st.RefinementCount, text)},
	}
}

func fallbackCritique(st *state.State) string {
	if len(st.ReviewIssues) > 0 {
		return "Address the review findings: " + strings.Join(st.ReviewIssues, "; ")
	}
	if st.TestMessage != "" {
		return fmt.Sprintf("Fix the %s: %s", st.TestStatus, st.TestMessage)
	}
	return "Re-examine the implementation against the test cases."
}

// handoff closes the run with a human-readable delivery summary.
func (p *Pipeline) handoff(ctx context.Context, st *state.State) state.Update {
	var b strings.Builder
	fmt.Fprintf(&b, "Delivered %s implementation for: %s\n", st.Decision.Language, st.Request)
	fmt.Fprintf(&b, "Plan rounds: %d, refinement attempts: %d\n", st.ClarifyCount, st.RefinementCount)
	fmt.Fprintf(&b, "Test cases passed: %d/%d\n", st.TestIndex, len(st.TestCases))
	if len(st.Artifacts) > 0 {
		fmt.Fprintf(&b, "Artifacts:\n")
		for _, name := range sortedKeys(st.Artifacts) {
			fmt.Fprintf(&b, "  %s: %s\n", name, st.Artifacts[name])
		}
	}
	return state.Update{HandoffSummary: state.Set(b.String())}
}
