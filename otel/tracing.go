// Package otel provides OpenTelemetry integration for deploy pipeline events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernworks/groqsearch/deploy"
)

// TracingHandler translates deploy pipeline events into OpenTelemetry spans.
// It maintains maps of active run and step spans, creating and ending them
// based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	stepSpans map[string]trace.Span      // runID:stepName -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from pipeline events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes a pipeline event and creates or ends spans accordingly.
// It implements deploy.EventHandler semantics.
func (h *TracingHandler) Handle(e deploy.Event) {
	switch e.Kind {
	case deploy.EventRunStarted:
		h.handleRunStarted(e)
	case deploy.EventStepStarted:
		h.handleStepStarted(e)
	case deploy.EventStepFinished:
		h.handleStepFinished(e)
	case deploy.EventStepSkipped:
		h.handleStepSkipped(e)
	case deploy.EventStepFailed:
		h.handleStepFailed(e)
	case deploy.EventRunFinished:
		h.handleRunFinished(e)
	}
}

// handleRunStarted creates a root span for the deploy run.
func (h *TracingHandler) handleRunStarted(e deploy.Event) {
	spanName := "deploy:" + e.RunID
	if e.App != "" {
		spanName = "deploy:" + e.App
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("groqsearch.run_id", e.RunID),
			attribute.String("groqsearch.app", e.App),
		),
		trace.WithTimestamp(e.Time),
	)

	if mode, ok := e.Payload["mode"].(string); ok && mode != "" {
		span.SetAttributes(attribute.String("groqsearch.mode", mode))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleStepStarted creates a child span under the run span.
func (h *TracingHandler) handleStepStarted(e deploy.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "step:"+e.StepName,
		trace.WithAttributes(
			attribute.String("groqsearch.run_id", e.RunID),
			attribute.String("groqsearch.step", e.StepName),
			attribute.Int("groqsearch.step_index", e.StepIndex),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey(e.RunID, e.StepName)] = span
	h.mu.Unlock()
}

// handleStepFinished ends the step span with success status.
func (h *TracingHandler) handleStepFinished(e deploy.Event) {
	span, ok := h.takeStepSpan(e.RunID, e.StepName)
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("groqsearch.duration", e.Elapsed.String()),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleStepSkipped ends the step span, marking it as skipped.
func (h *TracingHandler) handleStepSkipped(e deploy.Event) {
	span, ok := h.takeStepSpan(e.RunID, e.StepName)
	if !ok {
		return
	}

	span.SetAttributes(attribute.Bool("groqsearch.skipped", true))
	if reason, found := e.Payload["reason"].(string); found {
		span.SetAttributes(attribute.String("groqsearch.skip_reason", reason))
	}
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleStepFailed ends the step span with error status.
func (h *TracingHandler) handleStepFailed(e deploy.Event) {
	span, ok := h.takeStepSpan(e.RunID, e.StepName)
	if !ok {
		return
	}

	errMsg := "unknown error"
	if msg, found := e.Payload["error"].(string); found {
		errMsg = msg
	}
	if code, found := e.Payload["exit_code"].(int); found {
		span.SetAttributes(attribute.Int("groqsearch.exit_code", code))
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(
		spanError(errMsg),
		trace.WithTimestamp(e.Time),
	)
	span.End(trace.WithTimestamp(e.Time))
}

// handleRunFinished ends the root run span.
func (h *TracingHandler) handleRunFinished(e deploy.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status := ""
	if s, found := e.Payload["status"].(string); found {
		status = s
	}

	span.SetAttributes(
		attribute.String("groqsearch.duration", e.Elapsed.String()),
		attribute.String("groqsearch.status", status),
	)

	if status == string(deploy.RunSucceeded) {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "deploy run "+status)
	}

	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) takeStepSpan(runID, stepName string) (trace.Span, bool) {
	key := stepKey(runID, stepName)

	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()

	return span, ok
}

// ActiveStepSpanContext returns the SpanContext for the active step span
// identified by runID and stepName. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveStepSpanContext(runID, stepName string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stepSpans[stepKey(runID, stepName)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func stepKey(runID, stepName string) string {
	return runID + ":" + stepName
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
