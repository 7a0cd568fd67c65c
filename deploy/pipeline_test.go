package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fernworks/groqsearch/config"
	"github.com/fernworks/groqsearch/orchestrate"
)

// scriptedRunner records every argv it gets and replays scripted failures
// and listing output.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
	listOut map[string]string
}

func (r *scriptedRunner) Run(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := strings.Join(args, " ")

	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.mu.Unlock()

	if out, ok := r.listOut[key]; ok {
		return out, nil
	}
	if err, ok := r.failOn[key]; ok {
		return "", err
	}
	return "", nil
}

func (r *scriptedRunner) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestPipeline(t *testing.T, runner orchestrate.Runner, handler EventHandler) *Pipeline {
	t.Helper()
	seq := 0
	p, err := NewPipeline(PipelineConfig{
		Client:  orchestrate.NewClient(orchestrate.ClientConfig{Runner: runner}),
		Handler: handler,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID: func() string {
			seq++
			return "run-" + strings.Repeat("0", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return p
}

func mustPlan(t *testing.T, cfg config.Config, opts Options) Plan {
	t.Helper()
	plan, err := BuildPlan(cfg, opts)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	return plan
}

func commandFailure(args []string, exitCode int, stderr string) error {
	return &orchestrate.CommandError{
		Binary:   "orchestrate",
		Args:     args,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

func TestRunExecutesSixCommandsInOrder(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	p := newTestPipeline(t, runner, nil)
	plan := mustPlan(t, config.Default(), Options{})

	result, err := p.Run(context.Background(), plan, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{
		"tools remove -n groq_compound_search",
		"connections remove -a groq_search",
		"connections add -a groq_search",
		"connections configure -a groq_search --env draft -t team -k bearer",
		"connections configure -a groq_search --env live -t team -k bearer",
		"tools import -k python -f search_tool.py -r requirements.txt -a groq_search",
	}
	calls := runner.recorded()
	if len(calls) != len(want) {
		t.Fatalf("executed %d commands, want %d: %v", len(calls), len(want), calls)
	}
	for i, call := range calls {
		if call != want[i] {
			t.Errorf("command %d = %q, want %q", i+1, call, want[i])
		}
	}

	if result.Status != RunSucceeded {
		t.Fatalf("Status = %q, want %q", result.Status, RunSucceeded)
	}
	if len(result.Steps) != 6 {
		t.Fatalf("recorded %d step results, want 6", len(result.Steps))
	}
	for _, step := range result.Steps {
		if step.Status != StepSucceeded {
			t.Errorf("step %d status = %q, want succeeded", step.Index, step.Status)
		}
	}
}

func TestRunHaltsOnFirstFailure(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		failOn: map[string]error{
			"connections add -a groq_search": commandFailure(
				orchestrate.ConnectionsAdd("groq_search"), 2, "registry unavailable"),
		},
	}
	p := newTestPipeline(t, runner, nil)
	plan := mustPlan(t, config.Default(), Options{})

	result, err := p.Run(context.Background(), plan, Options{})
	if err == nil {
		t.Fatal("Run() error = nil, want step failure")
	}
	if got := len(runner.recorded()); got != 3 {
		t.Fatalf("executed %d commands, want 3 (halt after failing step)", got)
	}
	if result.Status != RunFailed {
		t.Fatalf("Status = %q, want %q", result.Status, RunFailed)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("recorded %d step results, want 3", len(result.Steps))
	}

	failed := result.Steps[2]
	if failed.Status != StepFailed {
		t.Fatalf("step 3 status = %q, want failed", failed.Status)
	}
	if failed.ExitCode != 2 {
		t.Fatalf("step 3 exit code = %d, want 2", failed.ExitCode)
	}
	if failed.Stderr != "registry unavailable" {
		t.Fatalf("step 3 stderr = %q", failed.Stderr)
	}
	if !strings.Contains(err.Error(), "step 3 (add_connection)") {
		t.Fatalf("error = %q, want failing step named", err.Error())
	}
}

func TestRunKeepGoingExecutesRemainingSteps(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		failOn: map[string]error{
			"connections remove -a groq_search": commandFailure(
				orchestrate.ConnectionsRemove("groq_search"), 1, "not found"),
			"connections configure -a groq_search --env live -t team -k bearer": commandFailure(
				orchestrate.ConnectionsConfigure("groq_search", "live", "team", "bearer"), 1, "conflict"),
		},
	}
	p := newTestPipeline(t, runner, nil)
	plan := mustPlan(t, config.Default(), Options{})

	result, err := p.Run(context.Background(), plan, Options{KeepGoing: true})
	if err == nil {
		t.Fatal("Run() error = nil, want aggregated failures")
	}
	if got := len(runner.recorded()); got != 6 {
		t.Fatalf("executed %d commands, want all 6 under keep-going", got)
	}
	if result.Status != RunPartial {
		t.Fatalf("Status = %q, want %q", result.Status, RunPartial)
	}
	if !strings.Contains(err.Error(), "step 2 (remove_connection)") {
		t.Errorf("error = %q, want step 2 reported", err.Error())
	}
	if !strings.Contains(err.Error(), "step 5 (configure_live)") {
		t.Errorf("error = %q, want step 5 reported", err.Error())
	}
}

func TestRunKeepGoingAllFailed(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Environments = []string{"draft"}
	plan := mustPlan(t, cfg, Options{})

	failOn := make(map[string]error, len(plan.Steps))
	for _, step := range plan.Steps {
		failOn[strings.Join(step.Args, " ")] = commandFailure(step.Args, 1, "down")
	}
	runner := &scriptedRunner{failOn: failOn}
	p := newTestPipeline(t, runner, nil)

	result, err := p.Run(context.Background(), plan, Options{KeepGoing: true})
	if err == nil {
		t.Fatal("Run() error = nil, want failures")
	}
	if result.Status != RunFailed {
		t.Fatalf("Status = %q, want %q when every step failed", result.Status, RunFailed)
	}
}

func TestRunReconcileSkipsAbsentTargets(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		listOut: map[string]string{
			"tools list":       "no tools registered\n",
			"connections list": "no connections registered\n",
		},
	}
	p := newTestPipeline(t, runner, nil)
	plan := mustPlan(t, config.Default(), Options{})

	result, err := p.Run(context.Background(), plan, Options{Reconcile: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := runner.recorded()
	joined := strings.Join(calls, "\n")
	if strings.Contains(joined, "tools remove") || strings.Contains(joined, "connections remove") {
		t.Fatalf("reconcile ran remove commands against an empty registry:\n%s", joined)
	}
	if !strings.Contains(joined, "connections add -a groq_search") {
		t.Fatalf("reconcile must still add the connection:\n%s", joined)
	}
	if !strings.Contains(joined, "tools import") {
		t.Fatalf("reconcile must still import the tool:\n%s", joined)
	}

	if result.Steps[0].Status != StepSkipped || result.Steps[1].Status != StepSkipped {
		t.Fatalf("remove steps = %q/%q, want skipped", result.Steps[0].Status, result.Steps[1].Status)
	}
	if result.Status != RunSucceeded {
		t.Fatalf("Status = %q, want %q", result.Status, RunSucceeded)
	}
	if result.Mode != "reconcile" {
		t.Fatalf("Mode = %q, want reconcile", result.Mode)
	}
}

func TestRunReconcileRemovesPresentTargets(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		listOut: map[string]string{
			"tools list":       "groq_compound_search\n",
			"connections list": "| groq_search | team |\n",
		},
	}
	p := newTestPipeline(t, runner, nil)
	plan := mustPlan(t, config.Default(), Options{})

	result, err := p.Run(context.Background(), plan, Options{Reconcile: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	joined := strings.Join(runner.recorded(), "\n")
	if !strings.Contains(joined, "tools remove -n groq_compound_search") {
		t.Fatalf("reconcile must remove a present tool:\n%s", joined)
	}
	if !strings.Contains(joined, "connections remove -a groq_search") {
		t.Fatalf("reconcile must remove a present connection:\n%s", joined)
	}
	for _, step := range result.Steps {
		if step.Status != StepSucceeded {
			t.Errorf("step %d status = %q, want succeeded", step.Index, step.Status)
		}
	}
}

func TestRunRedactsCredentialArgs(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	p := newTestPipeline(t, runner, nil)
	opts := Options{SetCredentials: true, BearerToken: "gsk_secret_token"}
	plan := mustPlan(t, config.Default(), opts)

	result, err := p.Run(context.Background(), plan, opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The executed argv carries the real token.
	calls := runner.recorded()
	if !strings.Contains(calls[len(calls)-1], "gsk_secret_token") {
		t.Fatalf("executed argv lost the token: %q", calls[len(calls)-1])
	}
	// The recorded step result must not.
	for _, step := range result.Steps {
		if strings.Contains(strings.Join(step.Args, " "), "gsk_secret_token") {
			t.Fatalf("step %q recorded an unredacted token", step.Name)
		}
	}
}

func TestRunEmitsEvents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []EventKind
	handler := func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}

	runner := &scriptedRunner{
		failOn: map[string]error{
			"tools import -k python -f search_tool.py -r requirements.txt -a groq_search": commandFailure(
				orchestrate.ToolsImport("python", "search_tool.py", "requirements.txt", "groq_search"), 1, "import error"),
		},
	}
	p := newTestPipeline(t, runner, handler)
	plan := mustPlan(t, config.Default(), Options{})

	_, err := p.Run(context.Background(), plan, Options{})
	if err == nil {
		t.Fatal("Run() error = nil, want import failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != EventRunStarted {
		t.Fatalf("first event = %q, want run_started", kinds[0])
	}
	if kinds[len(kinds)-1] != EventRunFinished {
		t.Fatalf("last event = %q, want run_finished", kinds[len(kinds)-1])
	}
	failed := 0
	finished := 0
	for _, k := range kinds {
		switch k {
		case EventStepFailed:
			failed++
		case EventStepFinished:
			finished++
		}
	}
	if failed != 1 {
		t.Fatalf("step_failed events = %d, want 1", failed)
	}
	if finished != 5 {
		t.Fatalf("step_finished events = %d, want 5", finished)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &scriptedRunner{}
	p := newTestPipeline(t, runner, nil)
	plan := mustPlan(t, config.Default(), Options{})

	result, err := p.Run(ctx, plan, Options{KeepGoing: true})
	if err == nil {
		t.Fatal("Run() error = nil, want cancellation failure")
	}
	// Keep-going must not retry the remaining steps once the context is gone.
	if len(result.Steps) != 1 {
		t.Fatalf("recorded %d step results, want 1 after cancellation", len(result.Steps))
	}
	if !errors.Is(result.Steps[0].Err, context.Canceled) {
		t.Fatalf("step error = %v, want context.Canceled", result.Steps[0].Err)
	}
}
