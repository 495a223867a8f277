package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// pythonHarness loads the candidate source, calls the entry point with the
// args from the spec file, and reports a single JSON result line. Compile,
// runtime, and assertion failures are distinguished inside the harness so
// a non-zero interpreter exit always means the harness itself broke.
const pythonHarness = `import json, sys

spec = json.load(open(sys.argv[2]))
src = open(sys.argv[1]).read()
try:
    compiled = compile(src, "candidate", "exec")
except SyntaxError as e:
    print(json.dumps({"status": "compile_error", "message": str(e)}))
    sys.exit(0)
ns = {}
try:
    exec(compiled, ns)
    fn = ns[spec["entry_point"]]
    actual = fn(*spec["args"])
except Exception as e:
    print(json.dumps({"status": "runtime_error", "message": repr(e)}))
    sys.exit(0)
expected = spec["expected"]
if actual == expected:
    print(json.dumps({"status": "success", "message": "ok", "actual": actual}))
else:
    print(json.dumps({
        "status": "assertion_fail",
        "message": "expected %r, got %r" % (expected, actual),
        "actual": actual,
    }))
`

// ExecRunner executes candidate code by shelling out to an interpreter
// with a verification harness. Each Run gets its own scratch directory
// and process group so a hung candidate can be killed as a tree.
type ExecRunner struct {
	// Command is the interpreter, e.g. "python3".
	Command string
	Timeout time.Duration
}

func NewExecRunner(command string, timeout time.Duration) *ExecRunner {
	if strings.TrimSpace(command) == "" {
		command = "python3"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecRunner{Command: command, Timeout: timeout}
}

type harnessSpec struct {
	EntryPoint string `json:"entry_point"`
	Args       []any  `json:"args"`
	Expected   any    `json:"expected"`
}

type harnessResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Actual  any    `json:"actual"`
}

func (r *ExecRunner) Run(ctx context.Context, code, entryPoint string, args []any, expected any) RunResult {
	dir, err := os.MkdirTemp("", "conveyor-qa-*")
	if err != nil {
		return RunResult{Status: state.TestToolError, Message: fmt.Sprintf("scratch dir: %v", err)}
	}
	defer func() { _ = os.RemoveAll(dir) }()

	candidate := filepath.Join(dir, "candidate.py")
	harness := filepath.Join(dir, "harness.py")
	specPath := filepath.Join(dir, "spec.json")

	specBytes, err := json.Marshal(harnessSpec{EntryPoint: entryPoint, Args: args, Expected: expected})
	if err != nil {
		return RunResult{Status: state.TestToolError, Message: fmt.Sprintf("encode spec: %v", err)}
	}
	for _, w := range []struct {
		path string
		data []byte
	}{
		{candidate, []byte(code)},
		{harness, []byte(pythonHarness)},
		{specPath, specBytes},
	} {
		if err := os.WriteFile(w.path, w.data, 0o644); err != nil {
			return RunResult{Status: state.TestToolError, Message: fmt.Sprintf("write %s: %v", filepath.Base(w.path), err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Command, harness, candidate, specPath)
	cmd.Dir = dir
	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return RunResult{Status: state.TestRuntimeError, Message: fmt.Sprintf("execution timed out after %s", r.Timeout)}
	}
	if err != nil {
		return RunResult{Status: state.TestToolError, Message: fmt.Sprintf("harness: %v: %s", err, strings.TrimSpace(stderr.String()))}
	}

	var res harnessResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return RunResult{Status: state.TestToolError, Message: fmt.Sprintf("harness output: %v", err)}
	}
	status, err := state.ParseTestStatus(res.Status)
	if err != nil {
		return RunResult{Status: state.TestToolError, Message: fmt.Sprintf("harness status: %v", err)}
	}
	return RunResult{Status: status, Message: res.Message, Actual: res.Actual}
}
