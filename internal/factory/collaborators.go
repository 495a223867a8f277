// Package factory wires the code-generation pipeline: the stage functions,
// their routers, and the collaborators they call. All external services
// arrive through constructor injection; nothing in this package touches
// process-global state.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// PromptContext is the ready-to-send context for one reasoning call. The
// "stage" and "model" keys are always present; the rest are stage-specific.
type PromptContext map[string]string

// Reasoner is the text-generation service behind every thinking stage.
type Reasoner interface {
	Invoke(ctx context.Context, pc PromptContext) (string, error)
}

// Retriever augments prompts with external knowledge. It is an optional
// enhancement: stages degrade to a neutral placeholder when the lookup
// fails or returns nothing, and never abort on its account.
type Retriever interface {
	Query(ctx context.Context, query string) (string, error)
}

// RunResult is the outcome of executing candidate code against one test
// case. Status tool_error means the harness failed, not the code.
type RunResult struct {
	Status  state.TestStatus
	Message string
	Actual  any
}

// CodeRunner executes candidate code: call entryPoint with args and
// compare the result against expected.
type CodeRunner interface {
	Run(ctx context.Context, code, entryPoint string, args []any, expected any) RunResult
}

// NeutralContext is what stages use in place of retrieved knowledge when
// the retriever is absent or failing.
const NeutralContext = "No additional context available."

// retrieveOr wraps Retriever.Query with the degrade-to-placeholder rule.
func retrieveOr(ctx context.Context, r Retriever, query string) string {
	if r == nil {
		return NeutralContext
	}
	out, err := r.Query(ctx, query)
	if err != nil || strings.TrimSpace(out) == "" {
		return NeutralContext
	}
	return out
}

// NullRetriever always degrades to the neutral placeholder.
type NullRetriever struct{}

func (NullRetriever) Query(ctx context.Context, query string) (string, error) {
	return "", fmt.Errorf("retrieval disabled")
}
