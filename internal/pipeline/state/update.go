package state

// Opt marks an Update field as either untouched or replaced. The zero Opt
// leaves the State field alone; Set replaces it, including replacement
// with a zero value (which is how stages clear fields they own).
type Opt[T any] struct {
	set bool
	val T
}

// Set returns an Opt that replaces the field with v.
func Set[T any](v T) Opt[T] { return Opt[T]{set: true, val: v} }

// Replaced reports whether the field will be written.
func (o Opt[T]) Replaced() bool { return o.set }

// Value returns the replacement value (zero when not Replaced).
func (o Opt[T]) Value() T { return o.val }

// Update is a partial State: only fields marked via Set are written, the
// rest of the record passes through untouched. Feedback and TestResults
// additionally support append-only growth, which survives even when other
// fields of the same Update replace.
type Update struct {
	Decision        Opt[*Decision]
	ClarifiedInput  Opt[string]
	Questions       Opt[[]string]
	ClarifyCount    Opt[int]
	Plan            Opt[string]
	PlannerNotes    Opt[string]
	TaskDescription Opt[string]

	TestCases      Opt[[]TestCase]
	TestIndex      Opt[int]
	AllTestsPassed Opt[bool]

	Code            Opt[string]
	TestStatus      Opt[TestStatus]
	TestMessage     Opt[string]
	TestResults     Opt[[]TestResult]
	Critique        Opt[string]
	RefinementCount Opt[int]

	ReviewStatus Opt[ReviewStatus]
	ReviewIssues Opt[[]string]

	Artifacts      Opt[map[string]string]
	HandoffSummary Opt[string]

	Fatal Opt[*Fatal]

	AppendFeedback    []string
	AppendTestResults []TestResult
}

// Apply clones s, writes every replaced field, performs the appends, and
// returns the new record. The input State is not touched.
func (u Update) Apply(s *State) *State {
	out := s.Clone()
	if u.Decision.set {
		out.Decision = u.Decision.val
	}
	if u.ClarifiedInput.set {
		out.ClarifiedInput = u.ClarifiedInput.val
	}
	if u.Questions.set {
		out.Questions = u.Questions.val
	}
	if u.ClarifyCount.set {
		out.ClarifyCount = u.ClarifyCount.val
	}
	if u.Plan.set {
		out.Plan = u.Plan.val
	}
	if u.PlannerNotes.set {
		out.PlannerNotes = u.PlannerNotes.val
	}
	if u.TaskDescription.set {
		out.TaskDescription = u.TaskDescription.val
	}
	if u.TestCases.set {
		out.TestCases = u.TestCases.val
	}
	if u.TestIndex.set {
		out.TestIndex = u.TestIndex.val
	}
	if u.AllTestsPassed.set {
		out.AllTestsPassed = u.AllTestsPassed.val
	}
	if u.Code.set {
		out.Code = u.Code.val
	}
	if u.TestStatus.set {
		out.TestStatus = u.TestStatus.val
	}
	if u.TestMessage.set {
		out.TestMessage = u.TestMessage.val
	}
	if u.TestResults.set {
		out.TestResults = u.TestResults.val
	}
	if u.Critique.set {
		out.Critique = u.Critique.val
	}
	if u.RefinementCount.set {
		out.RefinementCount = u.RefinementCount.val
	}
	if u.ReviewStatus.set {
		out.ReviewStatus = u.ReviewStatus.val
	}
	if u.ReviewIssues.set {
		out.ReviewIssues = u.ReviewIssues.val
	}
	if u.Artifacts.set {
		out.Artifacts = u.Artifacts.val
	}
	if u.HandoffSummary.set {
		out.HandoffSummary = u.HandoffSummary.val
	}
	if u.Fatal.set {
		out.Fatal = u.Fatal.val
	}
	out.Feedback = append(out.Feedback, u.AppendFeedback...)
	out.TestResults = append(out.TestResults, u.AppendTestResults...)
	return out
}

// Fields lists the names of replaced and appended fields, for progress
// events and stepwise display.
func (u Update) Fields() []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(u.Decision.set, "decision")
	add(u.ClarifiedInput.set, "clarified_input")
	add(u.Questions.set, "questions")
	add(u.ClarifyCount.set, "clarify_count")
	add(u.Plan.set, "plan")
	add(u.PlannerNotes.set, "planner_notes")
	add(u.TaskDescription.set, "task_description")
	add(u.TestCases.set, "test_cases")
	add(u.TestIndex.set, "test_index")
	add(u.AllTestsPassed.set, "all_tests_passed")
	add(u.Code.set, "code")
	add(u.TestStatus.set, "test_status")
	add(u.TestMessage.set, "test_message")
	add(u.TestResults.set, "test_results")
	add(u.Critique.set, "critique")
	add(u.RefinementCount.set, "refinement_count")
	add(u.ReviewStatus.set, "review_status")
	add(u.ReviewIssues.set, "review_issues")
	add(u.Artifacts.set, "artifacts")
	add(u.HandoffSummary.set, "handoff_summary")
	add(u.Fatal.set, "fatal")
	add(len(u.AppendFeedback) > 0, "feedback+")
	add(len(u.AppendTestResults) > 0, "test_results+")
	return fields
}

// IsZero reports whether applying the Update would be a no-op.
func (u Update) IsZero() bool { return len(u.Fields()) == 0 }

// FatalUpdate is shorthand for an Update that only sets the fatal slot.
func FatalUpdate(kind FatalKind, stage, message string) Update {
	return Update{Fatal: Set(&Fatal{Kind: kind, Stage: stage, Message: message})}
}
