package factory

import (
	"strings"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"fenced json", "Here you go:\n```json\n{\"a\": 1}\n```\nDone.", `{"a": 1}`},
		{"fenced bare", "```\n[1, 2]\n```", `[1, 2]`},
		{"inline object", `The answer is {"a": {"b": 2}} as requested.`, `{"a": {"b": 2}}`},
		{"inline array", `Cases: [{"x": "}"}] trailing`, `[{"x": "}"}]`},
		{"no payload", "I could not produce JSON, sorry.", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Fatalf("%s: extractJSON = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestExtractCode(t *testing.T) {
	in := "Sure:\n```python\ndef solve():\n    return 1\n```\nHope that helps."
	want := "def solve():\n    return 1"
	if got := extractCode(in); got != want {
		t.Fatalf("extractCode = %q", got)
	}
	if got := extractCode("no code here"); got != "" {
		t.Fatalf("extractCode on prose = %q, want empty", got)
	}
}

func TestDecodeDecision(t *testing.T) {
	d, malformed := decodeDecision("```json\n{\"language\": \"Python\", \"framework\": \"\", \"notes\": \"n\"}\n```")
	if malformed != "" {
		t.Fatalf("malformed = %q", malformed)
	}
	if d.Language != "python" {
		t.Fatalf("language = %q, want normalized python", d.Language)
	}

	for _, raw := range []string{
		"no json at all",
		`{"framework": "flask"}`,
		`{"language": ""}`,
		`{"language": 7}`,
	} {
		if _, malformed := decodeDecision(raw); malformed == "" {
			t.Fatalf("decodeDecision(%q) accepted malformed input", raw)
		}
	}
}

func TestDecodePlannerOutput(t *testing.T) {
	p, malformed := decodePlannerOutput(`{"questions": ["  which db? ", ""], "plan": "", "notes": ""}`)
	if malformed != "" {
		t.Fatalf("malformed = %q", malformed)
	}
	if len(p.Questions) != 1 || p.Questions[0] != "which db?" {
		t.Fatalf("questions = %v", p.Questions)
	}

	p, malformed = decodePlannerOutput(`{"questions": [], "plan": "1. do it", "notes": "n"}`)
	if malformed != "" || p.Plan != "1. do it" {
		t.Fatalf("plan decode = %+v malformed=%q", p, malformed)
	}

	if _, malformed = decodePlannerOutput(`{"questions": [], "plan": ""}`); malformed == "" {
		t.Fatalf("reply with neither questions nor plan should be malformed")
	}
	if _, malformed = decodePlannerOutput(`{"questions": "not a list"}`); malformed == "" {
		t.Fatalf("schema violation should be malformed")
	}
}

func TestDecodeTestCases(t *testing.T) {
	cases, malformed := decodeTestCases(`[{"function": "add", "inputs": [1, 2], "expected": 3, "description": "sum"}]`)
	if malformed != "" {
		t.Fatalf("malformed = %q", malformed)
	}
	if len(cases) != 1 || cases[0].Function != "add" || len(cases[0].Inputs) != 2 {
		t.Fatalf("cases = %+v", cases)
	}

	if _, malformed := decodeTestCases(`[]`); malformed == "" {
		t.Fatalf("empty case list should be malformed")
	}
	if _, malformed := decodeTestCases(`[{"inputs": [], "expected": 1}]`); malformed == "" {
		t.Fatalf("case without function should be malformed")
	}
}

func TestDecodeVerdict(t *testing.T) {
	v, malformed := decodeVerdict(`{"passed": false, "issues": ["missing docstring"]}`)
	if malformed != "" || v.Passed || len(v.Issues) != 1 {
		t.Fatalf("verdict = %+v malformed=%q", v, malformed)
	}

	if _, malformed := decodeVerdict(`{"issues": []}`); malformed == "" {
		t.Fatalf("verdict without passed should be malformed")
	}
	if _, malformed := decodeVerdict("LGTM!"); malformed == "" {
		t.Fatalf("prose verdict should be malformed")
	}
	if _, malformed := decodeVerdict(`{"passed": "yes"}`); !strings.Contains(malformed, "schema") {
		t.Fatalf("non-boolean passed should be a schema violation, got %q", malformed)
	}
}
