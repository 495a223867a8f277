package graph

import (
	"fmt"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Stage    string   `json:"stage,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// Validate runs all lint rules against the graph. Build calls this; it is
// exported so hosts can re-lint a definition (e.g. the validate CLI verb).
func Validate(g *Graph) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintEntry(g)...)
	diags = append(diags, lintStageShape(g)...)
	diags = append(diags, lintSingleRoute(g)...)
	diags = append(diags, lintEdgeTargetsExist(g)...)
	diags = append(diags, lintDispatchTables(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintCycleBounds(g)...)
	return diags
}

func errorFromDiagnostics(name string, diags []Diagnostic) error {
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("graph %q: validation failed: %s", name, strings.Join(errs, "; "))
	}
	return nil
}

func lintEntry(g *Graph) []Diagnostic {
	entry := strings.TrimSpace(g.entry)
	if entry == "" {
		return []Diagnostic{{
			Rule:     "entry_defined",
			Severity: SeverityError,
			Message:  "pipeline has no entry stage",
			Fix:      "call SetEntry with a registered stage",
		}}
	}
	if g.stages[entry] == nil {
		return []Diagnostic{{
			Rule:     "entry_defined",
			Severity: SeverityError,
			Message:  fmt.Sprintf("entry stage %q is not registered", entry),
			Stage:    entry,
		}}
	}
	return nil
}

func lintStageShape(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range g.StageNames() {
		s := g.stages[name]
		switch s.Kind {
		case KindWork:
			if s.Run == nil {
				diags = append(diags, Diagnostic{
					Rule:     "stage_has_func",
					Severity: SeverityError,
					Message:  "work stage has no stage function",
					Stage:    name,
				})
			}
		case KindSuspend:
			if s.OnResume == nil {
				diags = append(diags, Diagnostic{
					Rule:     "suspend_has_resume",
					Severity: SeverityError,
					Message:  "suspend stage has no resume function",
					Stage:    name,
				})
			}
		default:
			diags = append(diags, Diagnostic{
				Rule:     "stage_kind_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown stage kind %q", s.Kind),
				Stage:    name,
			})
		}
	}
	return diags
}

func lintSingleRoute(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range g.StageNames() {
		_, hasEdge := g.edges[name]
		_, hasCond := g.conds[name]
		switch {
		case hasEdge && hasCond:
			diags = append(diags, Diagnostic{
				Rule:     "single_route",
				Severity: SeverityError,
				Message:  "stage has both an unconditional edge and a dispatch table",
				Stage:    name,
			})
		case !hasEdge && !hasCond:
			diags = append(diags, Diagnostic{
				Rule:     "single_route",
				Severity: SeverityError,
				Message:  "stage has no outgoing route; add an edge or a dispatch table (route to End to terminate)",
				Stage:    name,
			})
		case hasCond && g.stages[name].Kind == KindSuspend:
			// Resumption follows a single known edge; routing after a
			// suspension belongs to the stage that consumes the input.
			diags = append(diags, Diagnostic{
				Rule:     "suspend_single_edge",
				Severity: SeverityError,
				Message:  "suspend stage must have an unconditional edge, not a dispatch table",
				Stage:    name,
			})
		}
	}
	return diags
}

func lintEdgeTargetsExist(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range g.StageNames() {
		e := g.edges[name]
		if e == nil {
			continue
		}
		if e.To != End && g.stages[string(e.To)] == nil {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing stage",
				EdgeFrom: e.From,
				EdgeTo:   string(e.To),
			})
		}
	}
	return diags
}

func lintDispatchTables(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, name := range g.StageNames() {
		c := g.conds[name]
		if c == nil {
			continue
		}
		if c.Route == nil {
			diags = append(diags, Diagnostic{
				Rule:     "dispatch_has_router",
				Severity: SeverityError,
				Message:  "dispatch table has no router function",
				Stage:    name,
			})
		}
		if len(c.Targets) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "dispatch_not_empty",
				Severity: SeverityError,
				Message:  "dispatch table has no outputs",
				Stage:    name,
			})
			continue
		}
		for _, out := range sortedTargets(c.Targets) {
			to := c.Targets[out]
			if to != End && g.stages[string(to)] == nil {
				diags = append(diags, Diagnostic{
					Rule:     "dispatch_target_exists",
					Severity: SeverityError,
					Message:  fmt.Sprintf("output %q routes to missing stage", out),
					Stage:    name,
					EdgeTo:   string(to),
				})
			}
		}
		for out, kind := range c.FatalOutputs {
			to, ok := c.Targets[out]
			if !ok {
				diags = append(diags, Diagnostic{
					Rule:     "fatal_output_mapped",
					Severity: SeverityError,
					Message:  fmt.Sprintf("fatal output %q (%s) is not in the dispatch table", out, kind),
					Stage:    name,
				})
				continue
			}
			if to != End {
				diags = append(diags, Diagnostic{
					Rule:     "fatal_output_terminal",
					Severity: SeverityError,
					Message:  fmt.Sprintf("fatal output %q must route to End, not %q", out, to),
					Stage:    name,
				})
			}
		}
	}
	return diags
}

func lintReachability(g *Graph) []Diagnostic {
	entry := strings.TrimSpace(g.entry)
	if entry == "" || g.stages[entry] == nil {
		return nil
	}
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(cur) {
			if g.stages[next] != nil && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var diags []Diagnostic
	for _, name := range g.StageNames() {
		if !seen[name] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Message:  "stage is not reachable from the entry stage",
				Stage:    name,
			})
		}
	}
	return diags
}

// lintCycleBounds rejects retry loops with no declared bound. Every cycle
// must pass through at least one dispatch table whose LoopBound names the
// counter that caps it; otherwise only the global step ceiling would stop
// the loop, which is an engine fault, not a policy.
func lintCycleBounds(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, scc := range stronglyConnected(g) {
		if !sccHasCycle(g, scc) {
			continue
		}
		if sccHasBoundedDispatch(g, scc) {
			continue
		}
		sort.Strings(scc)
		diags = append(diags, Diagnostic{
			Rule:     "cycle_bound",
			Severity: SeverityError,
			Message:  fmt.Sprintf("cycle through %s has no loop-bounded dispatch", strings.Join(scc, " -> ")),
			Fix:      "set LoopBound on a dispatch table inside the cycle",
		})
	}
	return diags
}

func sccHasCycle(g *Graph, scc []string) bool {
	if len(scc) > 1 {
		return true
	}
	// Single-stage component: cyclic only on a self-loop.
	name := scc[0]
	for _, next := range g.Successors(name) {
		if next == name {
			return true
		}
	}
	return false
}

func sccHasBoundedDispatch(g *Graph, scc []string) bool {
	inSCC := map[string]bool{}
	for _, name := range scc {
		inSCC[name] = true
	}
	for _, name := range scc {
		c := g.conds[name]
		if c == nil || strings.TrimSpace(c.LoopBound) == "" {
			continue
		}
		// The bound only counts if the dispatch actually routes within
		// the component, i.e. it sits on the cycle.
		for _, to := range c.Targets {
			if to != End && inSCC[string(to)] {
				return true
			}
		}
	}
	return false
}

// stronglyConnected returns the SCCs of the stage graph (Tarjan).
func stronglyConnected(g *Graph) [][]string {
	index := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var sccs [][]string
	next := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.Successors(v) {
			if g.stages[w] == nil {
				continue
			}
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, name := range g.StageNames() {
		if _, seen := index[name]; !seen {
			strongconnect(name)
		}
	}
	return sccs
}

func sortedTargets(m map[Target]Target) []Target {
	keys := make([]Target, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
