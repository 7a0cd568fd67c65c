package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fernworks/groqsearch/deploy"
)

// MetricsHandler translates deploy pipeline events into OpenTelemetry metrics.
// It records counters and histograms for step executions and run outcomes.
type MetricsHandler struct {
	stepExecutions metric.Int64Counter
	stepDuration   metric.Float64Histogram
	runs           metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording deploy pipeline metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("groqsearch.step.executions",
		metric.WithDescription("Number of deploy step executions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("groqsearch.step.duration",
		metric.WithDescription("Duration of deploy step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("groqsearch.deploy.runs",
		metric.WithDescription("Number of deploy runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("groqsearch.run.duration",
		metric.WithDescription("Duration of deploy runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions: stepExec,
		stepDuration:   stepDur,
		runs:           runs,
		runDuration:    runDur,
	}, nil
}

// Handle processes a pipeline event and records the appropriate metrics.
// It implements deploy.EventHandler semantics.
func (h *MetricsHandler) Handle(e deploy.Event) {
	switch e.Kind {
	case deploy.EventStepFinished:
		h.recordStep(e, deploy.StepSucceeded)
		h.recordStepDuration(e)
	case deploy.EventStepFailed:
		h.recordStep(e, deploy.StepFailed)
	case deploy.EventStepSkipped:
		h.recordStep(e, deploy.StepSkipped)
	case deploy.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// recordStep increments the execution counter with the step outcome.
func (h *MetricsHandler) recordStep(e deploy.Event, status deploy.StepStatus) {
	h.stepExecutions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("step", e.StepName),
		attribute.String("status", string(status)),
	))
}

// recordStepDuration records how long a completed step took.
func (h *MetricsHandler) recordStepDuration(e deploy.Event) {
	h.stepDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("step", e.StepName),
	))
}

// handleRunFinished counts the run outcome and records its duration.
func (h *MetricsHandler) handleRunFinished(e deploy.Event) {
	status := ""
	if s, found := e.Payload["status"].(string); found {
		status = s
	}

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	h.runs.Add(ctx, 1, attrs)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}
