package factory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// Reasoning output is untrusted text. Every stage that expects structure
// extracts a JSON payload, validates it against a schema, and treats any
// failure as an explicit malformed result instead of guessing at fields.

var decisionSchema = jsonschema.MustCompileString("decision.json", `{
	"type": "object",
	"required": ["language"],
	"properties": {
		"language": {"type": "string", "minLength": 1},
		"framework": {"type": "string"},
		"notes": {"type": "string"}
	}
}`)

var plannerSchema = jsonschema.MustCompileString("planner.json", `{
	"type": "object",
	"properties": {
		"questions": {"type": "array", "items": {"type": "string"}},
		"plan": {"type": "string"},
		"notes": {"type": "string"}
	}
}`)

var testCasesSchema = jsonschema.MustCompileString("test_cases.json", `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["function", "inputs", "expected"],
		"properties": {
			"function": {"type": "string", "minLength": 1},
			"inputs": {"type": "array"},
			"expected": {},
			"description": {"type": "string"}
		}
	}
}`)

var verdictSchema = jsonschema.MustCompileString("verdict.json", `{
	"type": "object",
	"required": ["passed"],
	"properties": {
		"passed": {"type": "boolean"},
		"issues": {"type": "array", "items": {"type": "string"}}
	}
}`)

type plannerOutput struct {
	Questions []string `json:"questions"`
	Plan      string   `json:"plan"`
	Notes     string   `json:"notes"`
}

type reviewVerdict struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")
var fencedCode = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\s*\\n(.*?)```")

// extractJSON pulls the JSON payload out of a reasoning reply: a fenced
// block when present, otherwise the first balanced object or array.
func extractJSON(raw string) string {
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return ""
	}
	open := raw[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1])
			}
		}
	}
	return ""
}

// extractCode pulls the first fenced code block out of a reasoning reply.
// Replies without one yield nothing; the develop stage treats that as a
// harness failure and retries.
func extractCode(raw string) string {
	if m := fencedCode.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// decodeAgainst extracts, schema-validates, and re-unmarshals into out.
// The returned string is empty on success and the malformed reason
// otherwise.
func decodeAgainst(schema *jsonschema.Schema, raw string, out any) string {
	payload := extractJSON(raw)
	if payload == "" {
		return "no JSON payload found in reply"
	}
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return fmt.Sprintf("invalid JSON: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Sprintf("schema violation: %v", err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Sprintf("decode: %v", err)
	}
	return ""
}

func decodeDecision(raw string) (*state.Decision, string) {
	var d state.Decision
	if reason := decodeAgainst(decisionSchema, raw, &d); reason != "" {
		return nil, reason
	}
	d.Language = strings.ToLower(strings.TrimSpace(d.Language))
	return &d, ""
}

func decodePlannerOutput(raw string) (plannerOutput, string) {
	var p plannerOutput
	if reason := decodeAgainst(plannerSchema, raw, &p); reason != "" {
		return plannerOutput{}, reason
	}
	p.Plan = strings.TrimSpace(p.Plan)
	var qs []string
	for _, q := range p.Questions {
		if q = strings.TrimSpace(q); q != "" {
			qs = append(qs, q)
		}
	}
	p.Questions = qs
	if len(p.Questions) == 0 && p.Plan == "" {
		return plannerOutput{}, "planner reply has neither questions nor a plan"
	}
	return p, ""
}

func decodeTestCases(raw string) ([]state.TestCase, string) {
	var cases []state.TestCase
	if reason := decodeAgainst(testCasesSchema, raw, &cases); reason != "" {
		return nil, reason
	}
	return cases, ""
}

func decodeVerdict(raw string) (reviewVerdict, string) {
	var v reviewVerdict
	if reason := decodeAgainst(verdictSchema, raw, &v); reason != "" {
		return reviewVerdict{}, reason
	}
	return v, ""
}
