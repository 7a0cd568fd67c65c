package otel

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernworks/groqsearch/orchestrate"
)

// CommandObserver records orchestrate CLI executions into OpenTelemetry.
type CommandObserver struct {
	tracer trace.Tracer

	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewCommandObserver creates a command observer bound to the provided meter/tracer.
func NewCommandObserver(meter metric.Meter, tracer trace.Tracer) (*CommandObserver, error) {
	executions, err := meter.Int64Counter(
		"groqsearch.command.executions",
		metric.WithDescription("Number of orchestrate command executions"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"groqsearch.command.duration",
		metric.WithDescription("Orchestrate command duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &CommandObserver{
		tracer:     tracer,
		executions: executions,
		duration:   duration,
	}, nil
}

// ObserveCommand records one command execution. Only the leading command
// words become attributes; flag values never leave the process.
func (o *CommandObserver) ObserveCommand(args []string, elapsed time.Duration, err error) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("command", commandName(args)),
		attribute.Bool("success", err == nil),
	}
	var cmdErr *orchestrate.CommandError
	if errors.As(err, &cmdErr) {
		attrs = append(attrs, attribute.Int("exit_code", cmdErr.ExitCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.executions.Add(ctx, 1, options)
	o.duration.Record(ctx, elapsed.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "orchestrate.command", trace.WithAttributes(attrs...))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// commandName returns the leading non-flag words of an argv, such as
// "tools import" or "connections add".
func commandName(args []string) string {
	words := make([]string, 0, 2)
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			break
		}
		words = append(words, arg)
	}
	if len(words) == 0 {
		return "unknown"
	}
	return strings.Join(words, " ")
}

// ObservedRunner wraps a Runner so every command execution is recorded.
type ObservedRunner struct {
	inner    orchestrate.Runner
	observer *CommandObserver
}

// NewObservedRunner wraps inner with observation. A nil observer leaves
// commands unrecorded.
func NewObservedRunner(inner orchestrate.Runner, observer *CommandObserver) *ObservedRunner {
	return &ObservedRunner{inner: inner, observer: observer}
}

// Run executes the command through the wrapped runner and records it.
func (r *ObservedRunner) Run(ctx context.Context, args ...string) (string, error) {
	start := time.Now()
	out, err := r.inner.Run(ctx, args...)
	r.observer.ObserveCommand(args, time.Since(start), err)
	return out, err
}

var _ orchestrate.Runner = (*ObservedRunner)(nil)
