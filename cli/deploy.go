package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/fernworks/groqsearch/asset"
	"github.com/fernworks/groqsearch/config"
	"github.com/fernworks/groqsearch/deploy"
	"github.com/fernworks/groqsearch/history"
	"github.com/fernworks/groqsearch/orchestrate"
	"github.com/fernworks/groqsearch/otel"
)

// NewDeployCmd creates the "deploy" subcommand.
func NewDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Register the search tool and its connection with orchestrate",
		Long: "Deploy runs the importer pipeline against the orchestrate CLI: it removes\n" +
			"the previous tool and connection, recreates the connection, configures each\n" +
			"environment, and imports the Python tool bound to the connection.",
		Args: cobra.NoArgs,
		RunE: runDeploy,
	}

	cmd.Flags().StringP("app", "a", "", "Application ID for the connection and tool binding")
	cmd.Flags().String("tool-name", "", "Registered tool name removed before the import")
	cmd.Flags().StringP("tool-file", "f", "", "Path to the Python tool source")
	cmd.Flags().StringP("requirements", "r", "", "Path to the pip requirements file")
	cmd.Flags().StringArray("env", nil, "Connection environment to configure (repeatable)")
	cmd.Flags().String("app-type", "", "Connection application type for the configure steps")
	cmd.Flags().String("auth-kind", "", "Connection auth kind for the configure steps")
	cmd.Flags().Bool("use-embedded", false, "Import the embedded tool source instead of local files")
	cmd.Flags().Bool("keep-going", false, "Continue past failed steps and aggregate failures")
	cmd.Flags().Bool("purge-tools", false, "Remove every registered tool, not just the named one")
	cmd.Flags().Bool("reconcile", false, "Skip removal steps whose target is already absent")
	cmd.Flags().Bool("dry-run", false, "Print the step plan without executing it")
	cmd.Flags().Bool("set-credentials", false, "Store the Groq API key on each environment after the import")
	cmd.Flags().String("schedule", "", "Run on a 5-field UTC cron expression until interrupted")
	cmd.Flags().String("orchestrate-bin", "", "Path to the orchestrate binary")
	cmd.Flags().Duration("timeout", 0, "Per-command timeout (default from config)")
	cmd.Flags().String("history-db", "", "Path to the run history database")
	cmd.Flags().Bool("no-history", false, "Skip recording the run in the history database")
	cmd.Flags().String("otlp-endpoint", "", "OTLP collector endpoint for traces and metrics")
	cmd.Flags().Bool("otlp-insecure", false, "Export telemetry over plain HTTP")
	cmd.Flags().String("config", "", "Path to groqsearch.yaml config file")

	return cmd
}

func runDeploy(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	applyDeployFlags(cmd, &cfg)

	opts, err := deployOptions(cmd, cfg)
	if err != nil {
		return err
	}

	cleanup, err := stageEmbeddedTool(cmd, &cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	plan, err := deploy.BuildPlan(cfg, opts)
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		printPlan(cmd.OutOrStdout(), cfg.Orchestrate.Binary, plan, opts)
		return nil
	}

	logger := commandLogger(cmd)

	telemetry, err := setupDeployTelemetry(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer telemetry.shutdown()

	var runner orchestrate.Runner = orchestrate.NewRunner(cfg.Orchestrate.Binary)
	if telemetry.observer != nil {
		runner = otel.NewObservedRunner(runner, telemetry.observer)
	}
	client := orchestrate.NewClient(orchestrate.ClientConfig{
		Runner:  runner,
		Timeout: deployTimeout(cmd, cfg),
		Logger:  logger,
	})

	pipeline, err := deploy.NewPipeline(deploy.PipelineConfig{
		Client:  client,
		Handler: telemetry.eventHandler(progressPrinter(cmd.OutOrStdout())),
		Logger:  logger,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	store, err := openHistoryStore(cmd, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	if schedule, _ := cmd.Flags().GetString("schedule"); strings.TrimSpace(schedule) != "" {
		return runScheduled(cmd, pipeline, plan, opts, schedule, store, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := pipeline.Run(ctx, plan, opts)
	saveRunRecord(store, result, logger)
	printRunSummary(cmd.OutOrStdout(), result)
	return deployExitError(result, runErr)
}

// applyDeployFlags layers explicit flag values over the loaded config.
func applyDeployFlags(cmd *cobra.Command, cfg *config.Config) {
	stringFlag(cmd, "app", &cfg.App)
	stringFlag(cmd, "tool-name", &cfg.ToolName)
	stringFlag(cmd, "tool-file", &cfg.ToolFile)
	stringFlag(cmd, "requirements", &cfg.Requirements)
	stringSliceFlag(cmd, "env", &cfg.Environments)
	stringFlag(cmd, "app-type", &cfg.AppType)
	stringFlag(cmd, "auth-kind", &cfg.AuthKind)
	stringFlag(cmd, "orchestrate-bin", &cfg.Orchestrate.Binary)
	stringFlag(cmd, "history-db", &cfg.History.Path)
	stringFlag(cmd, "otlp-endpoint", &cfg.OTLPEndpoint)
}

func deployOptions(cmd *cobra.Command, cfg config.Config) (deploy.Options, error) {
	var opts deploy.Options
	opts.KeepGoing, _ = cmd.Flags().GetBool("keep-going")
	opts.PurgeTools, _ = cmd.Flags().GetBool("purge-tools")
	opts.Reconcile, _ = cmd.Flags().GetBool("reconcile")
	opts.SetCredentials, _ = cmd.Flags().GetBool("set-credentials")
	if opts.SetCredentials {
		if strings.TrimSpace(cfg.Groq.APIKey) == "" {
			return deploy.Options{}, exitError(exitUsage, "set-credentials requires a Groq API key (set GROQ_API_KEY)")
		}
		opts.BearerToken = cfg.Groq.APIKey
	}
	return opts, nil
}

// stageEmbeddedTool writes the embedded tool source and requirements to a
// temporary directory and points the config at them. The returned cleanup
// removes the directory and is safe to call when nothing was staged.
func stageEmbeddedTool(cmd *cobra.Command, cfg *config.Config) (func(), error) {
	useEmbedded, _ := cmd.Flags().GetBool("use-embedded")
	if !useEmbedded {
		return func() {}, nil
	}

	dir, err := os.MkdirTemp("", "groqsearch-tool-*")
	if err != nil {
		return nil, exitError(exitRuntime, "staging embedded tool: %v", err)
	}
	paths, err := asset.Export(dir, true)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, exitError(exitRuntime, "staging embedded tool: %v", err)
	}
	cfg.ToolFile = paths[0]
	cfg.Requirements = paths[1]
	return func() { _ = os.RemoveAll(dir) }, nil
}

func deployTimeout(cmd *cobra.Command, cfg config.Config) time.Duration {
	if cmd.Flags().Changed("timeout") {
		d, _ := cmd.Flags().GetDuration("timeout")
		return d
	}
	return cfg.Orchestrate.Timeout()
}

func printPlan(out io.Writer, binary string, plan deploy.Plan, opts deploy.Options) {
	if strings.TrimSpace(binary) == "" {
		binary = orchestrate.DefaultBinary
	}
	fmt.Fprintf(out, "Plan for app %s (%d steps):\n", plan.App, len(plan.Steps))
	for i, step := range plan.Steps {
		fmt.Fprintf(out, "  %d. %s\n", i+1, step.Description)
		fmt.Fprintf(out, "     %s %s\n", binary, strings.Join(orchestrate.RedactArgs(step.Args), " "))
	}
	if opts.KeepGoing {
		fmt.Fprintln(out, "Failures will not halt the run (keep-going).")
	}
	if opts.Reconcile {
		fmt.Fprintln(out, "Removal steps are skipped when their target is already absent (reconcile).")
	}
}

// progressPrinter renders pipeline events as live progress lines.
func progressPrinter(out io.Writer) deploy.EventHandler {
	return func(e deploy.Event) {
		switch e.Kind {
		case deploy.EventRunStarted:
			fmt.Fprintf(out, "Deploying %s (%v steps, %v mode)\n", e.App, e.Payload["steps"], e.Payload["mode"])
		case deploy.EventStepFinished:
			fmt.Fprintf(out, "  [%d] %-22s ok (%s)\n", e.StepIndex, e.StepName, e.Elapsed.Round(time.Millisecond))
		case deploy.EventStepSkipped:
			fmt.Fprintf(out, "  [%d] %-22s skipped: %v\n", e.StepIndex, e.StepName, e.Payload["reason"])
		case deploy.EventStepFailed:
			fmt.Fprintf(out, "  [%d] %-22s failed (exit %v)\n", e.StepIndex, e.StepName, e.Payload["exit_code"])
		}
	}
}

func printRunSummary(out io.Writer, result deploy.RunResult) {
	duration := result.Finished.Sub(result.Started).Round(time.Millisecond)
	switch result.Status {
	case deploy.RunSucceeded:
		fmt.Fprintf(out, "Deploy succeeded: %d steps in %s.\n", len(result.Steps), duration)
	case deploy.RunPartial:
		fmt.Fprintf(out, "Deploy partially succeeded: %d of %d executed steps failed (%s).\n",
			failedStepCount(result), len(result.Steps), duration)
	default:
		fmt.Fprintf(out, "Deploy failed after %d executed steps (%s).\n", len(result.Steps), duration)
	}
}

func failedStepCount(result deploy.RunResult) int {
	failed := 0
	for _, step := range result.Steps {
		if step.Status == deploy.StepFailed {
			failed++
		}
	}
	return failed
}

// deployExitError maps a finished run onto the process exit codes.
func deployExitError(result deploy.RunResult, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, orchestrate.ErrBinaryNotFound) {
		return exitError(exitNotFound, "%v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return exitError(exitTimeout, "%v", err)
	}
	if result.Status == deploy.RunPartial {
		return exitError(exitPartial, "%v", err)
	}
	return exitError(exitDeploy, "%v", err)
}

func openHistoryStore(cmd *cobra.Command, cfg config.Config) (*history.Store, error) {
	if skip, _ := cmd.Flags().GetBool("no-history"); skip {
		return nil, nil
	}
	path := strings.TrimSpace(cfg.History.Path)
	if path == "" {
		var err error
		path, err = history.DefaultPath()
		if err != nil {
			return nil, exitError(exitRuntime, "resolving history path: %v", err)
		}
	}
	store, err := history.NewStore(path)
	if err != nil {
		return nil, exitError(exitRuntime, "opening history store: %v", err)
	}
	return store, nil
}

func saveRunRecord(store *history.Store, result deploy.RunResult, logger *slog.Logger) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, history.FromRunResult(result)); err != nil {
		logger.Warn("saving run history", "run_id", result.RunID, "error", err)
	}
}

func runScheduled(cmd *cobra.Command, pipeline *deploy.Pipeline, plan deploy.Plan, opts deploy.Options, schedule string, store *history.Store, logger *slog.Logger) error {
	scheduler, err := deploy.NewScheduler(deploy.SchedulerConfig{
		Pipeline: pipeline,
		Plan:     plan,
		Options:  opts,
		Cron:     schedule,
		Logger:   logger,
		OnResult: func(result deploy.RunResult) {
			saveRunRecord(store, result, logger)
		},
	})
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.Start()
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduler started with cron %q. Press Ctrl+C to stop.\n", schedule)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		return exitError(exitRuntime, "stopping scheduler: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Scheduler stopped.")
	return nil
}

// deployTelemetry bundles the optional OpenTelemetry wiring for deploy runs.
type deployTelemetry struct {
	tracing  *otel.TracingHandler
	metrics  *otel.MetricsHandler
	observer *otel.CommandObserver
	shutdown func()
}

// eventHandler assembles the pipeline event chain. The tracing handler must
// run before enrichment so span context exists when printer events are
// stamped with trace IDs.
func (t deployTelemetry) eventHandler(printer deploy.EventHandler) deploy.EventHandler {
	if t.tracing == nil {
		return printer
	}
	return deploy.MultiEventHandler(t.tracing.Handle, t.metrics.Handle, otel.EnrichHandler(printer, t.tracing))
}

func setupDeployTelemetry(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) (deployTelemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		return deployTelemetry{shutdown: func() {}}, nil
	}

	insecure, _ := cmd.Flags().GetBool("otlp-insecure")
	shutdown, err := otel.Setup(cmd.Context(), otel.SetupConfig{
		Endpoint: endpoint,
		Insecure: insecure,
	})
	if err != nil {
		return deployTelemetry{}, exitError(exitRuntime, "%v", err)
	}

	tracerProvider := otelapi.GetTracerProvider()
	meter := otelapi.GetMeterProvider().Meter("groqsearch/deploy")

	telemetry := deployTelemetry{
		tracing: otel.NewTracingHandler(tracerProvider.Tracer("groqsearch/deploy")),
		shutdown: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("otel shutdown", "error", err)
			}
		},
	}

	telemetry.metrics, err = otel.NewMetricsHandler(meter)
	if err != nil {
		telemetry.shutdown()
		return deployTelemetry{}, exitError(exitRuntime, "%v", err)
	}
	telemetry.observer, err = otel.NewCommandObserver(meter, tracerProvider.Tracer("groqsearch/orchestrate"))
	if err != nil {
		telemetry.shutdown()
		return deployTelemetry{}, exitError(exitRuntime, "%v", err)
	}
	return telemetry, nil
}
