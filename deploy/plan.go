// Package deploy models the tool importer as an explicit sequential
// pipeline: an ordered plan of orchestrate commands, executed one at a time
// with per-step results, optional reconciliation against the live registry,
// and an optional cron-driven scheduler.
package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/fernworks/groqsearch/config"
	"github.com/fernworks/groqsearch/orchestrate"
)

// Step names are stable identifiers used in events, metrics and history.
const (
	StepRemoveTool       = "remove_tool"
	StepPurgeTools       = "purge_tools"
	StepRemoveConnection = "remove_connection"
	StepAddConnection    = "add_connection"
	StepConfigure        = "configure" // suffixed with the environment
	StepImportTool       = "import_tool"
	StepSetCredentials   = "set_credentials" // suffixed with the environment
)

// Step is one orchestrate invocation in a plan.
type Step struct {
	// Name is the stable step identifier.
	Name string

	// Description is the human progress line.
	Description string

	// Args is the exact argv passed to the orchestrate binary. The same
	// slice is displayed by dry runs, recorded to history (redacted), and
	// executed, so the three can never drift apart.
	Args []string

	// Probe reports whether the step's target currently exists. Reconcile
	// mode skips the step when the probe reports absence. Nil means the
	// step always runs.
	Probe func(ctx context.Context, client *orchestrate.Client) (bool, error)
}

// Plan is the ordered command sequence for one app.
type Plan struct {
	App   string
	Steps []Step
}

// Options control plan construction and execution.
type Options struct {
	// KeepGoing continues past failed steps, matching the original
	// importer script, and aggregates every failure.
	KeepGoing bool

	// PurgeTools replaces the name-scoped tool removal with the original
	// script's unfiltered `tools remove -n`, which deletes every
	// registered tool.
	PurgeTools bool

	// Reconcile probes the registry before remove steps and skips the
	// ones whose target is already absent.
	Reconcile bool

	// SetCredentials appends one set-credentials step per environment
	// after the import, using BearerToken.
	SetCredentials bool

	// BearerToken is the credential stored by SetCredentials steps.
	BearerToken string

	// Scheduled marks runs triggered by the cron scheduler.
	Scheduled bool
}

// BuildPlan derives the command sequence from the configuration. With
// default options the plan is exactly the six importer steps in their
// original order: remove tool, remove connection, add connection, one
// configure per environment, import tool.
func BuildPlan(cfg config.Config, opts Options) (Plan, error) {
	if err := validatePlanConfig(cfg, opts); err != nil {
		return Plan{}, err
	}

	app := cfg.App
	steps := make([]Step, 0, 4+2*len(cfg.Environments))

	if opts.PurgeTools {
		steps = append(steps, Step{
			Name:        StepPurgeTools,
			Description: "remove all registered tools",
			Args:        orchestrate.ToolsRemoveAll(),
		})
	} else {
		toolName := cfg.ToolName
		steps = append(steps, Step{
			Name:        StepRemoveTool,
			Description: fmt.Sprintf("remove tool %s", toolName),
			Args:        orchestrate.ToolsRemove(toolName),
			Probe: func(ctx context.Context, client *orchestrate.Client) (bool, error) {
				return client.HasTool(ctx, toolName)
			},
		})
	}

	steps = append(steps, Step{
		Name:        StepRemoveConnection,
		Description: fmt.Sprintf("remove connection %s", app),
		Args:        orchestrate.ConnectionsRemove(app),
		Probe: func(ctx context.Context, client *orchestrate.Client) (bool, error) {
			return client.HasConnection(ctx, app)
		},
	})

	steps = append(steps, Step{
		Name:        StepAddConnection,
		Description: fmt.Sprintf("add connection %s", app),
		Args:        orchestrate.ConnectionsAdd(app),
	})

	for _, env := range cfg.Environments {
		steps = append(steps, Step{
			Name:        StepConfigure + "_" + env,
			Description: fmt.Sprintf("configure %s environment %s", app, env),
			Args:        orchestrate.ConnectionsConfigure(app, env, cfg.AppType, cfg.AuthKind),
		})
	}

	steps = append(steps, Step{
		Name:        StepImportTool,
		Description: fmt.Sprintf("import %s tool %s", cfg.ToolKind, cfg.ToolFile),
		Args:        orchestrate.ToolsImport(cfg.ToolKind, cfg.ToolFile, cfg.Requirements, app),
	})

	if opts.SetCredentials {
		for _, env := range cfg.Environments {
			steps = append(steps, Step{
				Name:        StepSetCredentials + "_" + env,
				Description: fmt.Sprintf("set %s credentials for %s", env, app),
				Args:        orchestrate.ConnectionsSetCredentials(app, env, cfg.AuthKind, opts.BearerToken),
			})
		}
	}

	return Plan{App: app, Steps: steps}, nil
}

func validatePlanConfig(cfg config.Config, opts Options) error {
	if strings.TrimSpace(cfg.App) == "" {
		return fmt.Errorf("deploy: app name is required")
	}
	if !opts.PurgeTools && strings.TrimSpace(cfg.ToolName) == "" {
		return fmt.Errorf("deploy: tool name is required")
	}
	if strings.TrimSpace(cfg.ToolKind) == "" {
		return fmt.Errorf("deploy: tool kind is required")
	}
	if strings.TrimSpace(cfg.ToolFile) == "" {
		return fmt.Errorf("deploy: tool file is required")
	}
	if strings.TrimSpace(cfg.Requirements) == "" {
		return fmt.Errorf("deploy: requirements file is required")
	}
	if len(cfg.Environments) == 0 {
		return fmt.Errorf("deploy: at least one environment is required")
	}
	for _, env := range cfg.Environments {
		if strings.TrimSpace(env) == "" {
			return fmt.Errorf("deploy: environment names must not be empty")
		}
	}
	if strings.TrimSpace(cfg.AppType) == "" {
		return fmt.Errorf("deploy: app type is required")
	}
	if strings.TrimSpace(cfg.AuthKind) == "" {
		return fmt.Errorf("deploy: auth kind is required")
	}
	if opts.SetCredentials && strings.TrimSpace(opts.BearerToken) == "" {
		return fmt.Errorf("deploy: set-credentials requires a bearer token")
	}
	return nil
}
