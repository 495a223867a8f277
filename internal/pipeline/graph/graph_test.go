package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

func noop(ctx context.Context, st *state.State) state.Update { return state.Update{} }

func routeTo(t Target) RouterFunc {
	return func(st *state.State) Target { return t }
}

func hasDiag(diags []Diagnostic, rule string, sev Severity) bool {
	for _, d := range diags {
		if d.Rule == rule && d.Severity == sev {
			return true
		}
	}
	return false
}

func TestBuildLinearPipeline(t *testing.T) {
	b := NewBuilder("linear")
	b.AddStage("a", noop).AddStage("b", noop)
	b.SetEntry("a")
	b.AddEdge("a", "b")
	b.AddEdge("b", End)

	g, diags, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v (diags %v)", err, diags)
	}
	if g.Entry() != "a" {
		t.Fatalf("Entry = %q", g.Entry())
	}
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if got := g.StageNames(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("StageNames = %v", got)
	}
}

func TestBuildRejectsMissingEntry(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop)
	b.AddEdge("a", End)
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "entry_defined", SeverityError) {
		t.Fatalf("expected entry_defined error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsDanglingEdge(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).SetEntry("a")
	b.AddEdge("a", "ghost")
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "edge_target_exists", SeverityError) {
		t.Fatalf("expected edge_target_exists error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsDanglingDispatchTarget(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:    "a",
		Route:   routeTo("ghost"),
		Targets: map[Target]Target{"go": "ghost", "stop": End},
	})
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "dispatch_target_exists", SeverityError) {
		t.Fatalf("expected dispatch_target_exists error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsStageWithoutRoute(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("b", noop).SetEntry("a")
	b.AddEdge("a", "b")
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "single_route", SeverityError) {
		t.Fatalf("expected single_route error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsEdgeAndDispatchOnSameStage(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).SetEntry("a")
	b.AddEdge("a", End)
	b.AddConditional(Conditional{From: "a", Route: routeTo(End), Targets: map[Target]Target{"stop": End}})
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "single_route", SeverityError) {
		t.Fatalf("expected single_route error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsSuspendWithDispatch(t *testing.T) {
	b := NewBuilder("g")
	b.AddSuspendStage("wait", func(string) state.Update { return state.Update{} })
	b.SetEntry("wait")
	b.AddConditional(Conditional{From: "wait", Route: routeTo(End), Targets: map[Target]Target{"stop": End}})
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "suspend_single_edge", SeverityError) {
		t.Fatalf("expected suspend_single_edge error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsSuspendWithoutResume(t *testing.T) {
	b := NewBuilder("g")
	b.AddSuspendStage("wait", nil).SetEntry("wait")
	b.AddEdge("wait", End)
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "suspend_has_resume", SeverityError) {
		t.Fatalf("expected suspend_has_resume error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildWarnsUnreachableStage(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("orphan", noop).SetEntry("a")
	b.AddEdge("a", End)
	b.AddEdge("orphan", End)
	g, diags, err := b.Build()
	if err != nil {
		t.Fatalf("unreachable stage should be a warning, got err: %v", err)
	}
	if g == nil || !hasDiag(diags, "reachability", SeverityWarning) {
		t.Fatalf("expected reachability warning, got %v", diags)
	}
}

func TestBuildRejectsUnboundedCycle(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("b", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:    "a",
		Route:   routeTo("b"),
		Targets: map[Target]Target{"again": "b", "stop": End},
	})
	b.AddEdge("b", "a")
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "cycle_bound", SeverityError) {
		t.Fatalf("expected cycle_bound error, got err=%v diags=%v", err, diags)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error should name the cycle: %v", err)
	}
}

func TestBuildAcceptsBoundedCycle(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("b", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:      "a",
		Route:     routeTo("b"),
		Targets:   map[Target]Target{"again": "b", "stop": End},
		LoopBound: "retries",
	})
	b.AddEdge("b", "a")
	if _, diags, err := b.Build(); err != nil {
		t.Fatalf("bounded cycle should build: %v (diags %v)", err, diags)
	}
}

func TestBuildRejectsUnboundedSelfLoop(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:    "a",
		Route:   routeTo("a"),
		Targets: map[Target]Target{"again": "a", "stop": End},
	})
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "cycle_bound", SeverityError) {
		t.Fatalf("expected cycle_bound error for self-loop, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsFatalOutputNotTerminal(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("b", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:         "a",
		Route:        routeTo("b"),
		Targets:      map[Target]Target{"go": "b", "boom": "b"},
		FatalOutputs: map[Target]state.FatalKind{"boom": state.FatalPhase},
	})
	b.AddEdge("b", End)
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "fatal_output_terminal", SeverityError) {
		t.Fatalf("expected fatal_output_terminal error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsFatalOutputMissingFromTable(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:         "a",
		Route:        routeTo(End),
		Targets:      map[Target]Target{"stop": End},
		FatalOutputs: map[Target]state.FatalKind{"boom": state.FatalPhase},
	})
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "fatal_output_mapped", SeverityError) {
		t.Fatalf("expected fatal_output_mapped error, got err=%v diags=%v", err, diags)
	}
}

func TestBuildRejectsDuplicateStage(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("a", noop).SetEntry("a")
	b.AddEdge("a", End)
	_, diags, err := b.Build()
	if err == nil || !hasDiag(diags, "builder", SeverityError) {
		t.Fatalf("expected builder error, got err=%v diags=%v", err, diags)
	}
}

func TestSuccessorsDeduplicatesAndSkipsEnd(t *testing.T) {
	b := NewBuilder("g")
	b.AddStage("a", noop).AddStage("b", noop).SetEntry("a")
	b.AddConditional(Conditional{
		From:      "a",
		Route:     routeTo("b"),
		Targets:   map[Target]Target{"x": "b", "y": "b", "stop": End},
		LoopBound: "",
	})
	b.AddEdge("b", End)
	g, _, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := g.Successors("a")
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("Successors(a) = %v, want [b]", got)
	}
}
