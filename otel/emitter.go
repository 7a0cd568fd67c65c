package otel

import (
	"github.com/fernworks/groqsearch/deploy"
)

// EnrichHandler wraps an EventHandler with OpenTelemetry trace context.
// When events pass through, it looks up the active span from the
// TracingHandler and populates the TraceID and SpanID fields on the event.
//
// For step-level events (where StepName is set), the step span is checked
// first. If no step span is found, it falls back to the run-level span.
// When no span is active, the event passes through unchanged.
//
// The TracingHandler must observe each event before the wrapped handler,
// so register it earlier in the handler chain.
func EnrichHandler(next deploy.EventHandler, tracing *TracingHandler) deploy.EventHandler {
	return func(e deploy.Event) {
		// For step-level events, try the step span first.
		if e.StepName != "" {
			sc := tracing.ActiveStepSpanContext(e.RunID, e.StepName)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		// Fallback to run-level span.
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		next(e)
	}
}
