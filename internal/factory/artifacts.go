package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// packageArtifacts writes the deliverables to the artifact directory. The
// include/exclude globs from the config decide which candidates ship;
// write failures are phase-fatal because a run that cannot deliver has
// nothing left to retry.
func (p *Pipeline) packageArtifacts(ctx context.Context, st *state.State) state.Update {
	if strings.TrimSpace(st.Code) == "" {
		return state.FatalUpdate(state.FatalPhase, StagePackage, "no code on the record")
	}

	candidates := map[string]string{
		codeFileName(st.Decision): st.Code,
		"PLAN.md":                 planDocument(st),
	}
	if testsDoc, err := testsDocument(st); err == nil {
		candidates["tests.json"] = testsDoc
	}

	dir := p.cfg.Artifacts.Dir
	artifacts := make(map[string]string, len(candidates))
	for _, name := range sortedKeys(candidates) {
		if !p.artifactSelected(name) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := state.WriteFileAtomic(path, []byte(candidates[name])); err != nil {
			return state.FatalUpdate(state.FatalPhase, StagePackage, fmt.Sprintf("write %s: %v", name, err))
		}
		artifacts[name] = path
	}
	if len(artifacts) == 0 {
		return state.FatalUpdate(state.FatalPhase, StagePackage, "artifact globs selected nothing to deliver")
	}
	return state.Update{Artifacts: state.Set(artifacts)}
}

// artifactSelected applies the include globs then the exclude globs.
func (p *Pipeline) artifactSelected(name string) bool {
	included := len(p.cfg.Artifacts.IncludeGlobs) == 0
	for _, g := range p.cfg.Artifacts.IncludeGlobs {
		if ok, err := doublestar.Match(g, name); err == nil && ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, g := range p.cfg.Artifacts.ExcludeGlobs {
		if ok, err := doublestar.Match(g, name); err == nil && ok {
			return false
		}
	}
	return true
}

func codeFileName(d *state.Decision) string {
	lang := ""
	if d != nil {
		lang = strings.ToLower(strings.TrimSpace(d.Language))
	}
	switch lang {
	case "python":
		return "main.py"
	case "go", "golang":
		return "main.go"
	case "javascript", "node":
		return "main.js"
	case "typescript":
		return "main.ts"
	case "rust":
		return "main.rs"
	default:
		return "main.txt"
	}
}

func planDocument(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan\n\n%s\n", strings.TrimSpace(st.Plan))
	if strings.TrimSpace(st.PlannerNotes) != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", strings.TrimSpace(st.PlannerNotes))
	}
	return b.String()
}

func testsDocument(st *state.State) (string, error) {
	doc := struct {
		Cases   []state.TestCase   `json:"cases"`
		Results []state.TestResult `json:"results"`
	}{Cases: st.TestCases, Results: st.TestResults}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
