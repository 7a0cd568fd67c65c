package deploy

import (
	"time"
)

// EventKind identifies the type of event emitted by a pipeline run.
type EventKind string

const (
	// EventRunStarted is emitted when a deploy run begins.
	EventRunStarted EventKind = "run_started"

	// EventStepStarted is emitted when a step begins execution.
	EventStepStarted EventKind = "step_started"

	// EventStepFinished is emitted when a step completes successfully.
	EventStepFinished EventKind = "step_finished"

	// EventStepFailed is emitted when a step's command exits non-zero.
	EventStepFailed EventKind = "step_failed"

	// EventStepSkipped is emitted when reconcile mode skips a remove step
	// whose target is absent.
	EventStepSkipped EventKind = "step_skipped"

	// EventRunFinished is emitted when a deploy run completes.
	EventRunFinished EventKind = "run_finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of pipeline progress. Step-level events carry
// the 1-based step index and name; run-level events leave them zero-valued.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// App is the connection app name the run targets.
	App string

	// StepIndex is the 1-based position in the plan (0 for run-level events).
	StepIndex int

	// StepName is the step identifier (empty for run-level events).
	StepName string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run or step started.
	Elapsed time.Duration

	// TraceID and SpanID carry the active trace context when tracing is
	// enabled, so downstream handlers can correlate events with spans.
	TraceID string
	SpanID  string

	// Payload contains event-specific data. Secret argv values are redacted
	// before they reach the payload.
	Payload map[string]any
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID, app string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		App:     app,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithStep sets the step information on the event.
func (e Event) WithStep(index int, name string) Event {
	e.StepIndex = index
	e.StepName = name
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events. Implementations can
// log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
