package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fernworks/groqsearch/orchestrate"
)

// StepStatus is the outcome of one executed (or skipped) step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RunStatus is the overall outcome of a pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunPartial marks keep-going runs where some steps succeeded and
	// some failed.
	RunPartial RunStatus = "partial"
)

// StepResult records what happened to one step.
type StepResult struct {
	Index    int
	Name     string
	Args     []string // redacted argv
	Status   StepStatus
	ExitCode int // -1 when no subprocess exit code applies
	Stderr   string
	Err      error
	Duration time.Duration
}

// RunResult records a whole pipeline run. Steps the run never reached
// (after a halting failure) are absent from Steps.
type RunResult struct {
	RunID     string
	App       string
	Mode      string
	KeepGoing bool
	Started   time.Time
	Finished  time.Time
	Steps     []StepResult
	Status    RunStatus
	Err       error
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	// Client executes orchestrate commands. Required.
	Client *orchestrate.Client
	// Handler receives progress events. Nil means no events.
	Handler EventHandler
	// Logger receives run/step log lines. Nil means slog.Default().
	Logger *slog.Logger
	// Now is the clock, injectable for tests.
	Now func() time.Time
	// NewID mints run IDs, injectable for tests.
	NewID func() string
}

// Pipeline executes plans strictly sequentially. Each step blocks until its
// subprocess exits before the next starts.
type Pipeline struct {
	client  *orchestrate.Client
	handler EventHandler
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Client == nil {
		return nil, errors.New("deploy: pipeline client is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Pipeline{
		client:  cfg.Client,
		handler: cfg.Handler,
		logger:  cfg.Logger,
		now:     cfg.Now,
		newID:   cfg.NewID,
	}, nil
}

// Run executes the plan. The default failure policy halts on the first
// failed step and reports it; Options.KeepGoing executes the remaining
// steps anyway and aggregates every failure. Context cancellation always
// stops the run, keep-going or not.
func (p *Pipeline) Run(ctx context.Context, plan Plan, opts Options) (RunResult, error) {
	result := RunResult{
		RunID:     p.newID(),
		App:       plan.App,
		Mode:      runMode(opts),
		KeepGoing: opts.KeepGoing,
		Started:   p.now(),
	}

	p.emit(NewEvent(EventRunStarted, result.RunID, plan.App).
		WithPayload("mode", result.Mode).
		WithPayload("steps", len(plan.Steps)))
	p.logger.Info("deploy run started",
		"run_id", result.RunID, "app", plan.App, "mode", result.Mode, "steps", len(plan.Steps))

	var failures []error
	succeeded := 0
	for i, step := range plan.Steps {
		index := i + 1
		stepResult := p.runStep(ctx, result.RunID, plan.App, index, step, opts)
		result.Steps = append(result.Steps, stepResult)

		switch stepResult.Status {
		case StepSucceeded, StepSkipped:
			succeeded++
			continue
		case StepFailed:
			failures = append(failures, fmt.Errorf("step %d (%s): %w", index, step.Name, stepResult.Err))
		}

		if !opts.KeepGoing || ctx.Err() != nil {
			break
		}
	}

	result.Finished = p.now()
	result.Err = errors.Join(failures...)
	result.Status = overallStatus(opts, len(failures), succeeded)

	p.emit(NewEvent(EventRunFinished, result.RunID, plan.App).
		WithElapsed(result.Finished.Sub(result.Started)).
		WithPayload("status", string(result.Status)))
	if result.Err != nil {
		p.logger.Error("deploy run finished",
			"run_id", result.RunID, "app", plan.App, "status", result.Status, "error", result.Err)
	} else {
		p.logger.Info("deploy run finished",
			"run_id", result.RunID, "app", plan.App, "status", result.Status,
			"duration", result.Finished.Sub(result.Started))
	}
	return result, result.Err
}

func (p *Pipeline) runStep(ctx context.Context, runID, app string, index int, step Step, opts Options) StepResult {
	stepResult := StepResult{
		Index:    index,
		Name:     step.Name,
		Args:     orchestrate.RedactArgs(step.Args),
		ExitCode: -1,
	}

	start := p.now()
	p.emit(NewEvent(EventStepStarted, runID, app).
		WithStep(index, step.Name).
		WithPayload("args", stepResult.Args))
	p.logger.Info("deploy step started", "run_id", runID, "step", step.Name, "index", index)

	if opts.Reconcile && step.Probe != nil {
		exists, err := step.Probe(ctx, p.client)
		if err != nil {
			stepResult.Status = StepFailed
			stepResult.Err = fmt.Errorf("probe registry state: %w", err)
			stepResult.Duration = p.now().Sub(start)
			p.emitStepFailure(runID, app, index, step.Name, stepResult)
			return stepResult
		}
		if !exists {
			stepResult.Status = StepSkipped
			stepResult.Duration = p.now().Sub(start)
			p.emit(NewEvent(EventStepSkipped, runID, app).
				WithStep(index, step.Name).
				WithElapsed(stepResult.Duration).
				WithPayload("reason", "target absent"))
			p.logger.Info("deploy step skipped",
				"run_id", runID, "step", step.Name, "index", index, "reason", "target absent")
			return stepResult
		}
	}

	_, err := p.client.Run(ctx, step.Args...)
	stepResult.Duration = p.now().Sub(start)
	if err != nil {
		stepResult.Status = StepFailed
		stepResult.Err = err
		var cmdErr *orchestrate.CommandError
		if errors.As(err, &cmdErr) {
			stepResult.ExitCode = cmdErr.ExitCode
			stepResult.Stderr = cmdErr.Stderr
		}
		p.emitStepFailure(runID, app, index, step.Name, stepResult)
		return stepResult
	}

	stepResult.Status = StepSucceeded
	p.emit(NewEvent(EventStepFinished, runID, app).
		WithStep(index, step.Name).
		WithElapsed(stepResult.Duration))
	p.logger.Info("deploy step finished",
		"run_id", runID, "step", step.Name, "index", index, "duration", stepResult.Duration)
	return stepResult
}

func (p *Pipeline) emitStepFailure(runID, app string, index int, name string, stepResult StepResult) {
	p.emit(NewEvent(EventStepFailed, runID, app).
		WithStep(index, name).
		WithElapsed(stepResult.Duration).
		WithPayload("error", stepResult.Err.Error()).
		WithPayload("exit_code", stepResult.ExitCode))
	p.logger.Error("deploy step failed",
		"run_id", runID, "step", name, "index", index,
		"exit_code", stepResult.ExitCode, "error", stepResult.Err)
}

func (p *Pipeline) emit(e Event) {
	if p.handler != nil {
		p.handler(e)
	}
}

func runMode(opts Options) string {
	switch {
	case opts.Scheduled:
		return "scheduled"
	case opts.Reconcile:
		return "reconcile"
	default:
		return "deploy"
	}
}

func overallStatus(opts Options, failureCount, succeededCount int) RunStatus {
	if failureCount == 0 {
		return RunSucceeded
	}
	if opts.KeepGoing && succeededCount > 0 {
		return RunPartial
	}
	return RunFailed
}
