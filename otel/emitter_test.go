package otel_test

import (
	"testing"
	"time"

	"github.com/fernworks/groqsearch/deploy"
	gsotel "github.com/fernworks/groqsearch/otel"
)

func TestEnrichHandlerAddsStepTraceContext(t *testing.T) {
	_, tp := newTestTracer()
	tracing := gsotel.NewTracingHandler(tp.Tracer("test"))

	var got deploy.Event
	enriched := gsotel.EnrichHandler(func(e deploy.Event) { got = e }, tracing)

	tracing.Handle(runStarted("run-1", "groq_search"))
	tracing.Handle(deploy.Event{
		Kind:      deploy.EventStepStarted,
		RunID:     "run-1",
		StepIndex: 1,
		StepName:  "remove_tools",
		Time:      time.Now(),
	})

	enriched(deploy.Event{
		Kind:      deploy.EventStepStarted,
		RunID:     "run-1",
		StepIndex: 1,
		StepName:  "remove_tools",
		Time:      time.Now(),
	})

	sc := tracing.ActiveStepSpanContext("run-1", "remove_tools")
	if got.TraceID != sc.TraceID().String() {
		t.Errorf("TraceID = %q, want %q", got.TraceID, sc.TraceID().String())
	}
	if got.SpanID != sc.SpanID().String() {
		t.Errorf("SpanID = %q, want %q", got.SpanID, sc.SpanID().String())
	}
}

func TestEnrichHandlerFallsBackToRunSpan(t *testing.T) {
	_, tp := newTestTracer()
	tracing := gsotel.NewTracingHandler(tp.Tracer("test"))

	var got deploy.Event
	enriched := gsotel.EnrichHandler(func(e deploy.Event) { got = e }, tracing)

	tracing.Handle(runStarted("run-1", "groq_search"))

	// A run-level event carries no step name, so the run span applies.
	enriched(deploy.Event{Kind: deploy.EventRunFinished, RunID: "run-1", Time: time.Now()})

	sc := tracing.ActiveRunSpanContext("run-1")
	if got.TraceID != sc.TraceID().String() {
		t.Errorf("TraceID = %q, want %q", got.TraceID, sc.TraceID().String())
	}
	if got.SpanID != sc.SpanID().String() {
		t.Errorf("SpanID = %q, want %q", got.SpanID, sc.SpanID().String())
	}
}

func TestEnrichHandlerPassesUnknownRunThrough(t *testing.T) {
	_, tp := newTestTracer()
	tracing := gsotel.NewTracingHandler(tp.Tracer("test"))

	var got deploy.Event
	enriched := gsotel.EnrichHandler(func(e deploy.Event) { got = e }, tracing)

	enriched(deploy.Event{Kind: deploy.EventRunStarted, RunID: "run-unknown", Time: time.Now()})

	if got.RunID != "run-unknown" {
		t.Fatalf("event not forwarded, got RunID %q", got.RunID)
	}
	if got.TraceID != "" || got.SpanID != "" {
		t.Errorf("TraceID/SpanID = %q/%q, want empty without an active span", got.TraceID, got.SpanID)
	}
}
