package factory

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/akearney/conveyor/internal/pipeline/engine"
	"github.com/akearney/conveyor/internal/pipeline/state"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("version: 1\nrequest: build a widget\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.Artifacts.Dir = t.TempDir()
	return cfg
}

func runPipeline(t *testing.T, p *Pipeline, iv engine.Interviewer) *state.State {
	t.Helper()
	g, _, err := p.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	e, err := engine.New(g, engine.Options{Interviewer: iv})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	st, err := e.Run(context.Background(), p.InitialState())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return st
}

const (
	decisionReply = `{"language": "python", "framework": "", "notes": ""}`
	planReply     = `{"questions": [], "plan": "1. implement add", "notes": ""}`
	questionReply = `{"questions": ["integers or floats?"], "plan": "", "notes": ""}`
	casesReply    = `[{"function": "add", "inputs": [1, 2], "expected": 3, "description": "sum"}]`
	codeReply     = "```python\ndef add(a, b):\n    return a + b\n```"
	passReply     = `{"passed": true, "issues": []}`
)

func TestPipelineHappyPathSimulated(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, SimulatedReasoner{}, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	if !st.AllTestsPassed || st.ReviewStatus != state.ReviewPass {
		t.Fatalf("final state = %+v", st)
	}
	if st.HandoffSummary == "" {
		t.Fatalf("expected handoff summary")
	}
	if len(st.Artifacts) == 0 {
		t.Fatalf("expected artifacts")
	}
	for name, path := range st.Artifacts {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("artifact %s not on disk: %v", name, err)
		}
	}
}

func TestPipelineClarificationRound(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {questionReply, planReply},
		StageTestDesign: {casesReply},
		StageDevelop:    {codeReply},
		StageReview:     {passReply},
	}}
	p, err := New(cfg, reasoner, nil, &ScriptedRunner{Results: []RunResult{{Status: state.TestSuccess, Message: "ok"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	iv := &engine.QueueInterviewer{Answers: []string{"integers only"}}
	st := runPipeline(t, p, iv)

	if st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	if st.ClarifiedInput != "integers only" {
		t.Fatalf("clarified input = %q", st.ClarifiedInput)
	}
	if st.ClarifyCount != 2 {
		t.Fatalf("clarify count = %d, want 2", st.ClarifyCount)
	}
	if len(iv.Asked) != 1 || iv.Asked[0].Prompts[0] != "integers or floats?" {
		t.Fatalf("asked = %+v", iv.Asked)
	}
	if st.ReviewStatus != state.ReviewPass {
		t.Fatalf("final review = %q", st.ReviewStatus)
	}
}

func TestPipelineRefinementLoopRecovers(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {planReply},
		StageTestDesign: {casesReply},
		StageDevelop:    {"```python\ndef add(a, b):\n    return a - b\n```", codeReply},
		StageCritique:   {"Subtraction is not addition; flip the operator."},
		StageReview:     {passReply},
	}}
	runner := &ScriptedRunner{Results: []RunResult{
		{Status: state.TestAssertionFail, Message: "expected 3, got -1", Actual: -1},
		{Status: state.TestSuccess, Message: "ok"},
	}}
	p, err := New(cfg, reasoner, nil, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	if st.RefinementCount != 2 {
		t.Fatalf("refinement count = %d, want 2", st.RefinementCount)
	}
	var sawFailure, sawCritique bool
	for _, fb := range st.Feedback {
		if strings.Contains(fb, "assertion_fail") {
			sawFailure = true
		}
		if strings.Contains(fb, "critique on attempt 1") && strings.Contains(fb, "flip the operator") {
			sawCritique = true
		}
	}
	if !sawFailure {
		t.Fatalf("feedback missing failure entry: %v", st.Feedback)
	}
	if !sawCritique {
		t.Fatalf("feedback missing critique entry: %v", st.Feedback)
	}
	// The successful rewrite cleared the critique field; only the log keeps it.
	if st.Critique != "" {
		t.Fatalf("critique should be cleared after rewrite: %q", st.Critique)
	}
	if len(st.TestResults) != 2 {
		t.Fatalf("test results = %d entries, want 2", len(st.TestResults))
	}
}

func TestPipelineRefinementCapExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxRefinements = 2
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {planReply},
		StageTestDesign: {casesReply},
		StageDevelop:    {codeReply},
		StageCritique:   {"Still wrong."},
	}}
	runner := &ScriptedRunner{Results: []RunResult{
		{Status: state.TestAssertionFail, Message: "always wrong"},
	}}
	p, err := New(cfg, reasoner, nil, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal == nil || st.Fatal.Kind != state.FatalRefinementCap {
		t.Fatalf("fatal = %+v, want refinement cap", st.Fatal)
	}
	if st.RefinementCount != 2 {
		t.Fatalf("refinement count = %d, want 2", st.RefinementCount)
	}
	if len(st.Feedback) < 2 {
		t.Fatalf("feedback should record every attempt: %v", st.Feedback)
	}
}

func TestPipelineClarificationCapExhausted(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect: {decisionReply},
		StagePlanner:   {questionReply},
	}}
	p, err := New(cfg, reasoner, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	iv := &engine.QueueInterviewer{Answers: []string{"an answer that does not help"}}
	st := runPipeline(t, p, iv)

	if st.Fatal == nil || st.Fatal.Kind != state.FatalClarificationCap {
		t.Fatalf("fatal = %+v, want clarification cap", st.Fatal)
	}
	if st.ClarifyCount != 2 {
		t.Fatalf("clarify count = %d, want 2", st.ClarifyCount)
	}
}

func TestPipelineArchitectFailureEndsRun(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect: {"I cannot answer in JSON today."},
	}}
	p, err := New(cfg, reasoner, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal == nil || st.Fatal.Kind != state.FatalPhase || st.Fatal.Stage != StageArchitect {
		t.Fatalf("fatal = %+v, want architect phase error", st.Fatal)
	}
}

func TestPipelineReviewErrorEndsRunImmediately(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {planReply},
		StageTestDesign: {casesReply},
		StageDevelop:    {codeReply},
		StageReview:     {"looks good to me!"},
	}}
	p, err := New(cfg, reasoner, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.ReviewStatus != state.ReviewError {
		t.Fatalf("review status = %q", st.ReviewStatus)
	}
	if st.Fatal == nil || st.Fatal.Kind != state.FatalReview {
		t.Fatalf("fatal = %+v, want review error", st.Fatal)
	}
	// No retry was spent on the broken reviewer.
	if st.RefinementCount != 1 {
		t.Fatalf("refinement count = %d, want 1", st.RefinementCount)
	}
}

func TestPipelineProseDevelopReplyRetriesDirectly(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {planReply},
		StageTestDesign: {casesReply},
		StageDevelop:    {"Here is my approach, in prose.", codeReply},
		StageReview:     {passReply},
	}}
	runner := &ScriptedRunner{Results: []RunResult{{Status: state.TestSuccess, Message: "ok"}}}
	p, err := New(cfg, reasoner, nil, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	if st.RefinementCount != 2 {
		t.Fatalf("refinement count = %d, want 2 (one wasted attempt)", st.RefinementCount)
	}
	// Critique never ran: harness failures go straight back to develop.
	for _, pc := range reasoner.Calls {
		if pc["stage"] == StageCritique {
			t.Fatalf("critique should not have been consulted")
		}
	}
	found := false
	for _, fb := range st.Feedback {
		if strings.Contains(fb, "no code block") {
			found = true
		}
	}
	if !found {
		t.Fatalf("feedback missing harness entry: %v", st.Feedback)
	}
}

func TestPipelineMultipleTestCases(t *testing.T) {
	cfg := testConfig(t)
	multiCases := `[
		{"function": "add", "inputs": [1, 2], "expected": 3},
		{"function": "add", "inputs": [0, 0], "expected": 0},
		{"function": "add", "inputs": [-1, 1], "expected": 0}
	]`
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {planReply},
		StageTestDesign: {multiCases},
		StageDevelop:    {codeReply},
		StageReview:     {passReply},
	}}
	runner := &ScriptedRunner{Results: []RunResult{{Status: state.TestSuccess, Message: "ok"}}}
	p, err := New(cfg, reasoner, nil, runner)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	if runner.Calls != 3 {
		t.Fatalf("runner calls = %d, want one per case", runner.Calls)
	}
	if !st.AllTestsPassed || st.TestIndex != 3 || len(st.TestResults) != 3 {
		t.Fatalf("case iteration state = %+v", st)
	}
}

func TestPackageAppliesArtifactGlobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifacts.IncludeGlobs = []string{"*.py", "PLAN.md"}
	cfg.Artifacts.ExcludeGlobs = []string{"tests.json"}
	p, err := New(cfg, SimulatedReasoner{}, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)

	if st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	if _, ok := st.Artifacts["main.py"]; !ok {
		t.Fatalf("main.py should be delivered: %v", st.Artifacts)
	}
	if _, ok := st.Artifacts["PLAN.md"]; !ok {
		t.Fatalf("PLAN.md should be delivered: %v", st.Artifacts)
	}
	if _, ok := st.Artifacts["tests.json"]; ok {
		t.Fatalf("tests.json should be excluded: %v", st.Artifacts)
	}
}

func TestRetrievalDegradesToPlaceholder(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, SimulatedReasoner{}, NullRetriever{}, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := runPipeline(t, p, nil)
	if st.Fatal != nil {
		t.Fatalf("a failing retriever must not fail the run: %+v", st.Fatal)
	}
}

func TestDevelopIsIdempotentAndClearsDownstream(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageDevelop: {codeReply},
	}}
	p, err := New(cfg, reasoner, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st := p.InitialState()
	st.Decision = &state.Decision{Language: "python"}
	st.Plan = "1. implement add"
	st.TaskDescription = "Task: add\n\nPlan:\n1. implement add"
	st.TestCases = []state.TestCase{{Function: "add", Inputs: []any{1, 2}, Expected: 3}}
	// Stale later-phase residue, as left behind by a crashed earlier run.
	st.ReviewStatus = state.ReviewPass
	st.Artifacts = map[string]string{"main.py": "/tmp/stale"}
	st.HandoffSummary = "stale summary"

	ctx := context.Background()
	first := p.develop(ctx, st)
	second := p.develop(ctx, st)

	a, b := first.Apply(st), second.Apply(st)
	ad, err := a.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	bd, err := b.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if ad != bd {
		t.Fatalf("re-invocation diverged:\n%+v\n%+v", a, b)
	}
	if a.ReviewStatus != state.ReviewUnset || a.Artifacts != nil || a.HandoffSummary != "" {
		t.Fatalf("stale downstream fields survived: %+v", a)
	}
	if a.Code == "" || a.RefinementCount != 1 {
		t.Fatalf("develop output = %+v", a)
	}
}

func TestPlanCommitResetsRefinementCounter(t *testing.T) {
	cfg := testConfig(t)
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StagePlanner: {planReply},
	}}
	p, err := New(cfg, reasoner, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Mid-run record: one clarification round behind us, refinement
	// attempts already spent under the previous plan.
	st := p.InitialState()
	st.Decision = &state.Decision{Language: "python"}
	st.ClarifiedInput = "integers only"
	st.ClarifyCount = 1
	st.RefinementCount = 2
	st.Feedback = []string{"attempt 1: case \"add\" assertion_fail: expected 3, got -1"}

	out := p.planner(context.Background(), st).Apply(st)
	if out.ClarifyCount != 2 {
		t.Fatalf("clarify count = %d, want 2", out.ClarifyCount)
	}
	if out.RefinementCount != 0 {
		t.Fatalf("refinement count = %d, want reset to 0 on plan commit", out.RefinementCount)
	}
	if len(out.Feedback) != 1 {
		t.Fatalf("feedback log must survive the reset: %v", out.Feedback)
	}
	if out.Plan == "" || len(out.Questions) != 0 {
		t.Fatalf("planner output = %+v", out)
	}
}

func TestPromptContextCarriesModelOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models = map[string]string{"default": "base-model", "develop": "coder-model"}
	reasoner := &ScriptedReasoner{Replies: map[string][]string{
		StageArchitect:  {decisionReply},
		StagePlanner:    {planReply},
		StageTestDesign: {casesReply},
		StageDevelop:    {codeReply},
		StageReview:     {passReply},
	}}
	p, err := New(cfg, reasoner, nil, SimulatedRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if st := runPipeline(t, p, nil); st.Fatal != nil {
		t.Fatalf("fatal = %+v", st.Fatal)
	}
	for _, pc := range reasoner.Calls {
		want := "base-model"
		if pc["stage"] == StageDevelop {
			want = "coder-model"
		}
		if pc["model"] != want {
			t.Fatalf("stage %s model = %q, want %q", pc["stage"], pc["model"], want)
		}
	}
}
