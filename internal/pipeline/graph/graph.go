// Package graph models a conveyor pipeline as named stages connected by
// unconditional edges and conditional dispatch tables. Routing decisions
// are host functions over the State; the graph itself is static and is
// validated once at build time.
package graph

import (
	"context"
	"sort"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// Target names the next hop chosen by a router: a stage name, or End.
type Target string

// End is the reserved terminal target. Routing to End finishes the run.
const End Target = "__end__"

// StageKind distinguishes computing stages from suspension points.
type StageKind string

const (
	KindWork StageKind = "work"
	// KindSuspend marks a stage that performs no computation: the engine
	// parks there until the host supplies external input via resume.
	KindSuspend StageKind = "suspend"
)

// StageFunc computes a stage's partial update from the full record.
type StageFunc func(ctx context.Context, st *state.State) state.Update

// ResumeFunc folds external input into the record when a suspended run
// resumes. Only suspend stages carry one.
type ResumeFunc func(input string) state.Update

// RouterFunc inspects the record after a stage and returns a routing
// output. Routers must be pure and total: any State yields some output,
// and outputs the dispatch table does not map are an engine fault.
type RouterFunc func(st *state.State) Target

type Stage struct {
	Name     string
	Kind     StageKind
	Run      StageFunc
	OnResume ResumeFunc
	// Order is declaration order, used for stable iteration.
	Order int
}

// Edge is an unconditional transition. To may be End.
type Edge struct {
	From  string
	To    Target
	Order int
}

// Conditional is a dispatch table attached to a stage. After the stage
// runs, Route picks an output and Targets maps it to the next hop. Every
// output the router can produce must appear as a key.
type Conditional struct {
	From   string
	Router string
	Route  RouterFunc
	// Targets maps router outputs to stage names or End.
	Targets map[Target]Target
	// LoopBound names the counter that bounds any cycle this dispatch
	// participates in ("clarifications", "refinements", ...). Build-time
	// validation rejects cycles with no bounded dispatch on them.
	LoopBound string
	// FatalOutputs marks router outputs that terminate the run as failed.
	// When the engine selects one and the fatal slot is still empty, it
	// records the given kind before finishing. Each key must map to End.
	FatalOutputs map[Target]state.FatalKind
}

// Graph is an immutable pipeline definition produced by a Builder.
type Graph struct {
	Name  string
	entry string

	stages map[string]*Stage
	edges  map[string]*Edge
	conds  map[string]*Conditional
}

func (g *Graph) Entry() string { return g.entry }

func (g *Graph) Stage(name string) *Stage { return g.stages[name] }

// EdgeFrom returns the unconditional edge leaving a stage, or nil.
func (g *Graph) EdgeFrom(name string) *Edge { return g.edges[name] }

// ConditionalFrom returns the dispatch table attached to a stage, or nil.
func (g *Graph) ConditionalFrom(name string) *Conditional { return g.conds[name] }

// StageNames returns all stage names in declaration order.
func (g *Graph) StageNames() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return g.stages[names[i]].Order < g.stages[names[j]].Order
	})
	return names
}

// Successors returns the stage names reachable from a stage in one hop,
// End excluded, de-duplicated, in stable order. Used by validation.
func (g *Graph) Successors(name string) []string {
	seen := map[Target]bool{}
	var out []string
	add := func(t Target) {
		if t == End || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, string(t))
	}
	if e := g.edges[name]; e != nil {
		add(e.To)
	}
	if c := g.conds[name]; c != nil {
		keys := make([]string, 0, len(c.Targets))
		for k := range c.Targets {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(c.Targets[Target(k)])
		}
	}
	return out
}
