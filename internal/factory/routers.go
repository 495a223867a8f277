package factory

import (
	"github.com/akearney/conveyor/internal/pipeline/graph"
	"github.com/akearney/conveyor/internal/pipeline/state"
)

// Router outputs. Routers are pure and total: every State maps to one of
// the outputs below, and every output appears in the dispatch table the
// router is attached to. Cap-exceeded outputs are declared fatal there, so
// the engine records why the run ended.
const (
	outFatal                  graph.Target = "fatal"
	outPlanner                graph.Target = "planner"
	outClarify                graph.Target = "clarify"
	outClarificationExhausted graph.Target = "clarifications_exhausted"
	outTestDesign             graph.Target = "testdesign"
	outDevelop                graph.Target = "develop"
	outQA                     graph.Target = "qa"
	outReview                 graph.Target = "review"
	outCritique               graph.Target = "critique"
	outRefinementExhausted    graph.Target = "refinements_exhausted"
	outReviewError            graph.Target = "review_error"
	outPackage                graph.Target = "package"
	outHandoff                graph.Target = "handoff"
)

func afterArchitect(st *state.State) graph.Target {
	if st.Fatal != nil || st.Decision == nil {
		return outFatal
	}
	return outPlanner
}

// afterPlanner drives the outer clarification loop: open questions suspend
// the run for input until the round cap is spent; a committed plan moves
// the run into the build phase.
func afterPlanner(st *state.State) graph.Target {
	if st.Fatal != nil {
		return outFatal
	}
	if len(st.Questions) > 0 {
		if st.ClarifyCount >= st.MaxClarifications {
			return outClarificationExhausted
		}
		return outClarify
	}
	if st.Plan != "" {
		return outTestDesign
	}
	return outFatal
}

func afterTestDesign(st *state.State) graph.Target {
	if st.Fatal != nil || len(st.TestCases) == 0 {
		return outFatal
	}
	return outDevelop
}

// afterQA drives the inner refinement loop. A passing case either advances
// to the next case or, when all passed, to review. Failures re-enter the
// loop until the attempt cap is spent: harness failures go straight back
// to develop, code failures route through critique first.
func afterQA(st *state.State) graph.Target {
	switch {
	case st.TestStatus == state.TestSuccess:
		if st.AllTestsPassed {
			return outReview
		}
		return outQA
	case st.TestStatus.Retryable():
		if st.RefinementCount >= st.MaxRefinements {
			return outRefinementExhausted
		}
		if st.TestStatus == state.TestToolError {
			return outDevelop
		}
		return outCritique
	default:
		return outFatal
	}
}

func afterReview(st *state.State) graph.Target {
	switch st.ReviewStatus {
	case state.ReviewPass:
		return outPackage
	case state.ReviewFail:
		if st.RefinementCount >= st.MaxRefinements {
			return outRefinementExhausted
		}
		return outCritique
	case state.ReviewError:
		return outReviewError
	default:
		return outFatal
	}
}

func afterPackage(st *state.State) graph.Target {
	if st.Fatal != nil || len(st.Artifacts) == 0 {
		return outFatal
	}
	return outHandoff
}

// Graph wires the full pipeline. The two retry loops are declared with
// their bounding counters; Build rejects the wiring if either loop ever
// loses its bound.
func (p *Pipeline) Graph() (*graph.Graph, []graph.Diagnostic, error) {
	b := graph.NewBuilder("conveyor")

	b.AddStage(StageArchitect, p.architect)
	b.AddStage(StagePlanner, p.planner)
	b.AddSuspendStage(StageClarify, clarifyResume)
	b.AddStage(StageTestDesign, p.testDesign)
	b.AddStage(StageDevelop, p.develop)
	b.AddStage(StageQA, p.qa)
	b.AddStage(StageReview, p.review)
	b.AddStage(StageCritique, p.critique)
	b.AddStage(StagePackage, p.packageArtifacts)
	b.AddStage(StageHandoff, p.handoff)

	b.SetEntry(StageArchitect)

	b.AddConditional(graph.Conditional{
		From:   StageArchitect,
		Router: "after_architect",
		Route:  afterArchitect,
		Targets: map[graph.Target]graph.Target{
			outPlanner: StagePlanner,
			outFatal:   graph.End,
		},
		FatalOutputs: map[graph.Target]state.FatalKind{
			outFatal: state.FatalPhase,
		},
	})

	b.AddConditional(graph.Conditional{
		From:   StagePlanner,
		Router: "after_planner",
		Route:  afterPlanner,
		Targets: map[graph.Target]graph.Target{
			outClarify:                StageClarify,
			outTestDesign:             StageTestDesign,
			outClarificationExhausted: graph.End,
			outFatal:                  graph.End,
		},
		LoopBound: "clarifications",
		FatalOutputs: map[graph.Target]state.FatalKind{
			outClarificationExhausted: state.FatalClarificationCap,
			outFatal:                  state.FatalPhase,
		},
	})
	b.AddEdge(StageClarify, StagePlanner)

	b.AddConditional(graph.Conditional{
		From:   StageTestDesign,
		Router: "after_testdesign",
		Route:  afterTestDesign,
		Targets: map[graph.Target]graph.Target{
			outDevelop: StageDevelop,
			outFatal:   graph.End,
		},
		FatalOutputs: map[graph.Target]state.FatalKind{
			outFatal: state.FatalPhase,
		},
	})

	b.AddEdge(StageDevelop, StageQA)

	b.AddConditional(graph.Conditional{
		From:   StageQA,
		Router: "after_qa",
		Route:  afterQA,
		Targets: map[graph.Target]graph.Target{
			outQA:                  StageQA,
			outReview:              StageReview,
			outDevelop:             StageDevelop,
			outCritique:            StageCritique,
			outRefinementExhausted: graph.End,
			outFatal:               graph.End,
		},
		LoopBound: "refinements",
		FatalOutputs: map[graph.Target]state.FatalKind{
			outRefinementExhausted: state.FatalRefinementCap,
			outFatal:               state.FatalPhase,
		},
	})

	b.AddConditional(graph.Conditional{
		From:   StageReview,
		Router: "after_review",
		Route:  afterReview,
		Targets: map[graph.Target]graph.Target{
			outPackage:             StagePackage,
			outCritique:            StageCritique,
			outRefinementExhausted: graph.End,
			outReviewError:         graph.End,
			outFatal:               graph.End,
		},
		LoopBound: "refinements",
		FatalOutputs: map[graph.Target]state.FatalKind{
			outRefinementExhausted: state.FatalRefinementCap,
			outReviewError:         state.FatalReview,
			outFatal:               state.FatalPhase,
		},
	})

	b.AddEdge(StageCritique, StageDevelop)

	b.AddConditional(graph.Conditional{
		From:   StagePackage,
		Router: "after_package",
		Route:  afterPackage,
		Targets: map[graph.Target]graph.Target{
			outHandoff: StageHandoff,
			outFatal:   graph.End,
		},
		FatalOutputs: map[graph.Target]state.FatalKind{
			outFatal: state.FatalPhase,
		},
	})

	b.AddEdge(StageHandoff, graph.End)

	return b.Build()
}
