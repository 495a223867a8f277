package state

import (
	"fmt"
	"strings"
)

// TestStatus is the outcome of running the current code against a test case.
type TestStatus string

const (
	TestUnset         TestStatus = ""
	TestSuccess       TestStatus = "success"
	TestCompileError  TestStatus = "compile_error"
	TestRuntimeError  TestStatus = "runtime_error"
	TestAssertionFail TestStatus = "assertion_fail"
	// TestToolError means the harness itself failed (no runnable code was
	// produced, or the runner broke), not the code under test.
	TestToolError TestStatus = "tool_error"
)

// ParseTestStatus normalizes a raw status string. Accepts a few aliases
// that reasoning backends have been observed to emit.
func ParseTestStatus(s string) (TestStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok", "pass", "passed":
		return TestSuccess, nil
	case "compile_error", "compilation_error", "compile-error":
		return TestCompileError, nil
	case "runtime_error", "runtime-error", "exception":
		return TestRuntimeError, nil
	case "assertion_fail", "assertion_failure", "test_fail", "fail":
		return TestAssertionFail, nil
	case "tool_error", "tool-error":
		return TestToolError, nil
	default:
		return "", fmt.Errorf("invalid test status: %q", s)
	}
}

// Retryable reports whether the status should feed the refinement loop
// rather than end the run.
func (s TestStatus) Retryable() bool {
	switch s {
	case TestCompileError, TestRuntimeError, TestAssertionFail, TestToolError:
		return true
	default:
		return false
	}
}

// ReviewStatus is the verdict of the final code review.
type ReviewStatus string

const (
	ReviewUnset ReviewStatus = ""
	ReviewPass  ReviewStatus = "pass"
	ReviewFail  ReviewStatus = "fail"
	// ReviewError means the reviewer could not produce a verdict at all.
	ReviewError ReviewStatus = "error"
)

// FatalKind classifies why a run ended without delivering.
type FatalKind string

const (
	// FatalPhase: a stage could not complete and no retry loop covers it.
	FatalPhase FatalKind = "phase_error"
	// FatalClarificationCap: the planner kept asking questions past the cap.
	FatalClarificationCap FatalKind = "clarification_cap_exceeded"
	// FatalRefinementCap: the develop/QA loop exhausted its attempts.
	FatalRefinementCap FatalKind = "refinement_cap_exceeded"
	// FatalReview: the reviewer returned an unusable verdict.
	FatalReview FatalKind = "review_error"
	// FatalStepCeiling: the engine's global step limit tripped.
	FatalStepCeiling FatalKind = "step_ceiling_exceeded"
	// FatalUnroutable: a router produced an output its dispatch table
	// does not map. Indicates a wiring bug, not a content failure.
	FatalUnroutable FatalKind = "unroutable"
)

// Fatal is the terminal error slot on the State.
type Fatal struct {
	Kind    FatalKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

func (f *Fatal) Error() string {
	if f == nil {
		return ""
	}
	if f.Stage == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s at %s: %s", f.Kind, f.Stage, f.Message)
}
