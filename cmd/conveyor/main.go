package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akearney/conveyor/internal/factory"
	"github.com/akearney/conveyor/internal/pipeline/engine"
	"github.com/akearney/conveyor/internal/pipeline/graph"
	"github.com/akearney/conveyor/internal/pipeline/state"
	"github.com/akearney/conveyor/internal/reasoner"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "validate":
		validate(os.Args[2:])
	case "describe":
		describe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  conveyor run [--step] [--simulate] --config <run.yaml> [--run-id <id>] [--logs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  conveyor validate --config <run.yaml>")
	fmt.Fprintln(os.Stderr, "  conveyor describe --config <run.yaml>")
}

func run(args []string) {
	var configPath string
	var runID string
	var logsRoot string
	var step bool
	var simulate bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--step":
			step = true
		case "--simulate":
			simulate = true
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := factory.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var thinker factory.Reasoner
	if simulate {
		thinker = factory.SimulatedReasoner{}
	} else {
		thinker, err = reasoner.NewFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v (pass --simulate to run without a reasoning service)\n", err)
			os.Exit(1)
		}
	}
	var runner factory.CodeRunner = factory.NewExecRunner(cfg.Runner.Command, time.Duration(cfg.Runner.TimeoutSeconds)*time.Second)
	if simulate {
		runner = factory.SimulatedRunner{}
	}

	p, err := factory.New(cfg, thinker, nil, runner)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	g, diags, err := p.Graph()
	if err != nil {
		printDiagnostics(os.Stderr, diags)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if runID == "" {
		runID = engine.NewRunID()
	}
	if logsRoot == "" {
		if cfg.Logs.Root != "" {
			logsRoot = cfg.Logs.Root
		} else {
			logsRoot = engine.DefaultLogsRoot(runID)
		}
	}

	eng, err := engine.New(g, engine.Options{
		RunID:              runID,
		LogsRoot:           logsRoot,
		StepCeiling:        cfg.Limits.StepCeiling,
		DisableCheckpoints: cfg.Logs.Checkpoints != nil && !*cfg.Logs.Checkpoints,
		Interviewer:        &consoleInterviewer{in: bufio.NewReader(os.Stdin)},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// No deadline: reasoning services can be slow and runs may park for
	// human answers.
	ctx := context.Background()

	var st = p.InitialState()
	if step {
		st, err = runStepped(ctx, eng, st)
	} else {
		st, err = eng.Run(ctx, st)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("run_id=%s\n", runID)
	fmt.Printf("logs_root=%s\n", logsRoot)
	for name, path := range st.Artifacts {
		fmt.Printf("artifact=%s %s\n", name, path)
	}
	if st.Fatal != nil {
		fmt.Printf("status=fail kind=%s stage=%s\n", st.Fatal.Kind, st.Fatal.Stage)
		fmt.Fprintln(os.Stderr, st.Fatal.Message)
		os.Exit(1)
	}
	fmt.Println("status=success")
	if st.HandoffSummary != "" {
		fmt.Println(st.HandoffSummary)
	}
	os.Exit(0)
}

// runStepped drives the stepper one transition at a time, printing each
// stage and the record fields it replaced. Suspensions are answered from
// stdin, same as run mode.
func runStepped(ctx context.Context, eng *engine.Engine, st *state.State) (*state.State, error) {
	iv := &consoleInterviewer{in: bufio.NewReader(os.Stdin)}
	stepper, err := eng.Start(st)
	if err != nil {
		return nil, err
	}
	for {
		step, err := stepper.Next(ctx)
		if err == engine.ErrRunDone {
			return stepper.State(), nil
		}
		if err != nil {
			return nil, err
		}
		if step.Suspended {
			cur := stepper.State()
			ans := iv.Ask(engine.Question{Stage: step.Stage, Prompts: cur.Questions})
			input := ans.Text
			if ans.Skipped || ans.TimedOut {
				input = ""
			}
			if _, err := stepper.Resume(input); err != nil {
				return nil, err
			}
			continue
		}
		fmt.Printf("step=%d stage=%s next=%s fields=%s\n",
			stepper.Steps(), step.Stage, step.Next, strings.Join(step.Fields, ","))
		if step.Done {
			return stepper.State(), nil
		}
	}
}

func validate(args []string) {
	cfg := loadConfigArg(args)
	p, err := factory.New(cfg, factory.SimulatedReasoner{}, nil, factory.SimulatedRunner{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, diags, err := p.Graph()
	if err != nil {
		printDiagnostics(os.Stderr, diags)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("ok")
	printDiagnostics(os.Stdout, diags)
	os.Exit(0)
}

func describe(args []string) {
	cfg := loadConfigArg(args)
	p, err := factory.New(cfg, factory.SimulatedReasoner{}, nil, factory.SimulatedRunner{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	g, _, err := p.Graph()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("entry: %s\n", g.Entry())
	for _, name := range g.StageNames() {
		s := g.Stage(name)
		succ := g.Successors(name)
		kind := string(s.Kind)
		if cond := g.ConditionalFrom(name); cond != nil {
			kind += " (conditional"
			if cond.LoopBound != "" {
				kind += ", bound=" + cond.LoopBound
			}
			kind += ")"
		}
		fmt.Printf("%-12s %-30s -> %s\n", name, kind, strings.Join(succ, ", "))
	}
	os.Exit(0)
}

func loadConfigArg(args []string) *factory.Config {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	cfg, err := factory.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func printDiagnostics(w *os.File, diags []graph.Diagnostic) {
	for _, d := range diags {
		fmt.Fprintf(w, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
}

// consoleInterviewer asks clarification questions on the terminal and
// reads one answer line per question set.
type consoleInterviewer struct {
	in *bufio.Reader
}

func (i *consoleInterviewer) Ask(q engine.Question) engine.Answer {
	for _, p := range q.Prompts {
		fmt.Printf("[%s] %s\n", q.Stage, p)
	}
	fmt.Print("> ")
	line, err := i.in.ReadString('\n')
	if err != nil {
		return engine.Answer{Skipped: true}
	}
	return engine.Answer{Text: strings.TrimSpace(line)}
}

func (i *consoleInterviewer) Inform(message string, stage string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", stage, message)
}
