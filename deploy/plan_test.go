package deploy

import (
	"strings"
	"testing"

	"github.com/fernworks/groqsearch/config"
)

func TestBuildPlanDefaultSixSteps(t *testing.T) {
	t.Parallel()

	plan, err := BuildPlan(config.Default(), Options{})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	want := []string{
		"tools remove -n groq_compound_search",
		"connections remove -a groq_search",
		"connections add -a groq_search",
		"connections configure -a groq_search --env draft -t team -k bearer",
		"connections configure -a groq_search --env live -t team -k bearer",
		"tools import -k python -f search_tool.py -r requirements.txt -a groq_search",
	}
	if len(plan.Steps) != len(want) {
		t.Fatalf("plan has %d steps, want %d", len(plan.Steps), len(want))
	}
	for i, step := range plan.Steps {
		if got := strings.Join(step.Args, " "); got != want[i] {
			t.Errorf("step %d args = %q, want %q", i+1, got, want[i])
		}
	}

	// No command may appear twice.
	seen := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		key := strings.Join(step.Args, " ")
		if seen[key] {
			t.Errorf("duplicate command in plan: %q", key)
		}
		seen[key] = true
	}
}

func TestBuildPlanAppNamePropagates(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.App = "my_search"

	plan, err := BuildPlan(cfg, Options{})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	appArgs := 0
	for _, step := range plan.Steps {
		for i, arg := range step.Args {
			if arg == "-a" {
				if step.Args[i+1] != "my_search" {
					t.Errorf("step %q -a value = %q, want my_search", step.Name, step.Args[i+1])
				}
				appArgs++
			}
		}
	}
	// remove, add, two configures and the import all carry the app name.
	if appArgs != 5 {
		t.Fatalf("-a appears %d times, want 5", appArgs)
	}
}

func TestBuildPlanPurgeTools(t *testing.T) {
	t.Parallel()

	plan, err := BuildPlan(config.Default(), Options{PurgeTools: true})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	if got := strings.Join(plan.Steps[0].Args, " "); got != "tools remove -n" {
		t.Fatalf("first step args = %q, want unfiltered removal", got)
	}
	if plan.Steps[0].Name != StepPurgeTools {
		t.Fatalf("first step name = %q, want %q", plan.Steps[0].Name, StepPurgeTools)
	}
	if plan.Steps[0].Probe != nil {
		t.Fatal("purge step must not carry a probe")
	}
	if len(plan.Steps) != 6 {
		t.Fatalf("plan has %d steps, want 6", len(plan.Steps))
	}
}

func TestBuildPlanCustomEnvironments(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Environments = []string{"staging"}

	plan, err := BuildPlan(cfg, Options{})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	if len(plan.Steps) != 5 {
		t.Fatalf("plan has %d steps, want 5 for a single environment", len(plan.Steps))
	}
	if plan.Steps[3].Name != "configure_staging" {
		t.Fatalf("configure step name = %q, want configure_staging", plan.Steps[3].Name)
	}
	if !strings.Contains(strings.Join(plan.Steps[3].Args, " "), "--env staging") {
		t.Fatalf("configure args = %v, want --env staging", plan.Steps[3].Args)
	}
}

func TestBuildPlanSetCredentials(t *testing.T) {
	t.Parallel()

	plan, err := BuildPlan(config.Default(), Options{SetCredentials: true, BearerToken: "gsk_token"})
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	if len(plan.Steps) != 8 {
		t.Fatalf("plan has %d steps, want 8 with credentials", len(plan.Steps))
	}
	last := plan.Steps[len(plan.Steps)-1]
	if last.Name != "set_credentials_live" {
		t.Fatalf("last step name = %q, want set_credentials_live", last.Name)
	}
	if !strings.Contains(strings.Join(last.Args, " "), "--token gsk_token") {
		t.Fatalf("credentials args = %v, want raw token in argv", last.Args)
	}
}

func TestBuildPlanValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		opts   Options
	}{
		{name: "empty app", mutate: func(c *config.Config) { c.App = " " }},
		{name: "empty tool name", mutate: func(c *config.Config) { c.ToolName = "" }},
		{name: "empty tool file", mutate: func(c *config.Config) { c.ToolFile = "" }},
		{name: "empty requirements", mutate: func(c *config.Config) { c.Requirements = "" }},
		{name: "no environments", mutate: func(c *config.Config) { c.Environments = nil }},
		{name: "blank environment", mutate: func(c *config.Config) { c.Environments = []string{"draft", " "} }},
		{name: "empty app type", mutate: func(c *config.Config) { c.AppType = "" }},
		{name: "empty auth kind", mutate: func(c *config.Config) { c.AuthKind = "" }},
		{
			name:   "credentials without token",
			mutate: func(c *config.Config) {},
			opts:   Options{SetCredentials: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tt.mutate(&cfg)
			if _, err := BuildPlan(cfg, tt.opts); err == nil {
				t.Fatal("BuildPlan() error = nil, want validation error")
			}
		})
	}
}

func TestBuildPlanPurgeAllowsEmptyToolName(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.ToolName = ""
	if _, err := BuildPlan(cfg, Options{PurgeTools: true}); err != nil {
		t.Fatalf("BuildPlan() error = %v, purge must not require a tool name", err)
	}
}
