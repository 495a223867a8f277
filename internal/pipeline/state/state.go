// Package state defines the record that flows through a conveyor pipeline.
//
// A State is never mutated in place by stages. Stages return an Update
// (see update.go) describing which fields to replace; the engine applies
// it and the previous State remains valid for inspection.
package state

import "maps"

// Decision is the architect's technology choice for the run.
type Decision struct {
	Language  string `json:"language"`
	Framework string `json:"framework,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// TestCase is a single generated check: call Function with Inputs and
// compare the result against Expected.
type TestCase struct {
	Function    string `json:"function"`
	Inputs      []any  `json:"inputs"`
	Expected    any    `json:"expected"`
	Description string `json:"description,omitempty"`
}

// TestResult records one execution of a TestCase against the current code.
type TestResult struct {
	Case    TestCase   `json:"case"`
	Status  TestStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	Actual  any        `json:"actual,omitempty"`
}

// State is the full pipeline record. Every stage sees the whole record and
// replaces only the fields it owns.
type State struct {
	// Intake.
	Request string            `json:"request"`
	Models  map[string]string `json:"models,omitempty"`

	// Architecture phase.
	Decision *Decision `json:"decision,omitempty"`

	// Planning phase. Questions non-empty means the planner wants a
	// clarification round before committing to a plan.
	ClarifiedInput    string   `json:"clarified_input,omitempty"`
	Questions         []string `json:"questions,omitempty"`
	ClarifyCount      int      `json:"clarify_count"`
	MaxClarifications int      `json:"max_clarifications"`
	Plan              string   `json:"plan,omitempty"`
	PlannerNotes      string   `json:"planner_notes,omitempty"`
	TaskDescription   string   `json:"task_description,omitempty"`

	// Test design phase.
	TestCases      []TestCase `json:"test_cases,omitempty"`
	TestIndex      int        `json:"test_index"`
	AllTestsPassed bool       `json:"all_tests_passed"`

	// Development / QA loop.
	Code            string       `json:"code,omitempty"`
	TestStatus      TestStatus   `json:"test_status,omitempty"`
	TestMessage     string       `json:"test_message,omitempty"`
	TestResults     []TestResult `json:"test_results,omitempty"`
	Critique        string       `json:"critique,omitempty"`
	RefinementCount int          `json:"refinement_count"`
	MaxRefinements  int          `json:"max_refinements"`

	// Review phase.
	ReviewStatus ReviewStatus `json:"review_status,omitempty"`
	ReviewIssues []string     `json:"review_issues,omitempty"`

	// Delivery phase.
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	HandoffSummary string            `json:"handoff_summary,omitempty"`

	// Feedback is append-only across loop iterations. Stages add entries
	// via Update.AppendFeedback and never rewrite the history.
	Feedback []string `json:"feedback,omitempty"`

	// Fatal, once set, ends the run. Only the stage that opens the next
	// phase clears it (the architect, at the start of a fresh run).
	Fatal *Fatal `json:"fatal,omitempty"`
}

// New returns a State for a fresh run with the loop caps applied.
func New(request string, maxClarifications, maxRefinements int) *State {
	return &State{
		Request:           request,
		MaxClarifications: maxClarifications,
		MaxRefinements:    maxRefinements,
	}
}

// Clone deep-copies the State. Updates apply against a clone so callers
// holding the previous record never observe later writes.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Models = maps.Clone(s.Models)
	out.Artifacts = maps.Clone(s.Artifacts)
	out.Questions = cloneSlice(s.Questions)
	out.ReviewIssues = cloneSlice(s.ReviewIssues)
	out.Feedback = cloneSlice(s.Feedback)
	out.TestCases = cloneSlice(s.TestCases)
	out.TestResults = cloneSlice(s.TestResults)
	if s.Decision != nil {
		d := *s.Decision
		out.Decision = &d
	}
	if s.Fatal != nil {
		f := *s.Fatal
		out.Fatal = &f
	}
	return &out
}

// Model returns the configured model name for a stage, falling back to the
// "default" entry when the stage has no explicit binding.
func (s *State) Model(stage string) string {
	if m, ok := s.Models[stage]; ok && m != "" {
		return m
	}
	return s.Models["default"]
}

// CurrentTestCase returns the test case the QA stage should run next.
func (s *State) CurrentTestCase() (TestCase, bool) {
	if s.TestIndex < 0 || s.TestIndex >= len(s.TestCases) {
		return TestCase{}, false
	}
	return s.TestCases[s.TestIndex], true
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
