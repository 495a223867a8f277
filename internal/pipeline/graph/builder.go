package graph

import (
	"fmt"
	"strings"
)

// Builder accumulates a pipeline definition. Build validates the result
// and refuses to produce a Graph with ERROR-severity diagnostics, so an
// unbounded retry loop or a dangling dispatch target can never reach the
// engine.
type Builder struct {
	name   string
	entry  string
	stages map[string]*Stage
	edges  map[string]*Edge
	conds  map[string]*Conditional
	order  int
	errs   []string
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		stages: map[string]*Stage{},
		edges:  map[string]*Edge{},
		conds:  map[string]*Conditional{},
	}
}

func (b *Builder) AddStage(name string, fn StageFunc) *Builder {
	b.addStage(&Stage{Name: name, Kind: KindWork, Run: fn})
	return b
}

// AddSuspendStage registers a suspension point. onResume folds the
// external input into the record when the run continues.
func (b *Builder) AddSuspendStage(name string, onResume ResumeFunc) *Builder {
	b.addStage(&Stage{Name: name, Kind: KindSuspend, OnResume: onResume})
	return b
}

func (b *Builder) addStage(s *Stage) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		b.errs = append(b.errs, "stage name is empty")
		return
	}
	if _, dup := b.stages[name]; dup {
		b.errs = append(b.errs, fmt.Sprintf("duplicate stage %q", name))
		return
	}
	s.Name = name
	s.Order = b.order
	b.order++
	b.stages[name] = s
}

func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// AddEdge declares the unconditional transition out of a stage. A stage
// has either one edge or one dispatch table, never both.
func (b *Builder) AddEdge(from string, to Target) *Builder {
	if _, dup := b.edges[from]; dup {
		b.errs = append(b.errs, fmt.Sprintf("duplicate edge from %q", from))
		return b
	}
	b.edges[from] = &Edge{From: from, To: to, Order: b.order}
	b.order++
	return b
}

// AddConditional attaches a dispatch table to a stage.
func (b *Builder) AddConditional(c Conditional) *Builder {
	from := strings.TrimSpace(c.From)
	if from == "" {
		b.errs = append(b.errs, "conditional missing from-stage")
		return b
	}
	if _, dup := b.conds[from]; dup {
		b.errs = append(b.errs, fmt.Sprintf("duplicate conditional from %q", from))
		return b
	}
	if c.Router == "" {
		c.Router = from
	}
	b.conds[from] = &c
	return b
}

// Build validates and freezes the definition. Diagnostics are always
// returned, including warnings on success; err is non-nil when any
// diagnostic has ERROR severity or the builder recorded a construction
// fault (duplicate stage, empty name).
func (b *Builder) Build() (*Graph, []Diagnostic, error) {
	if len(b.errs) > 0 {
		// Construction faults surface as diagnostics too, so callers that
		// only print diagnostics still see them.
		diags := make([]Diagnostic, 0, len(b.errs))
		for _, msg := range b.errs {
			diags = append(diags, Diagnostic{Rule: "builder", Severity: SeverityError, Message: msg})
		}
		return nil, diags, fmt.Errorf("graph %q: %s", b.name, strings.Join(b.errs, "; "))
	}
	g := &Graph{
		Name:   b.name,
		entry:  b.entry,
		stages: b.stages,
		edges:  b.edges,
		conds:  b.conds,
	}
	diags := Validate(g)
	if err := errorFromDiagnostics(g.Name, diags); err != nil {
		return nil, diags, err
	}
	return g, diags, nil
}
