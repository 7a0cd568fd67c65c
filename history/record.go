// Package history persists deploy run results in a local SQLite database
// so past runs can be listed, inspected and pruned.
package history

import (
	"time"

	"github.com/fernworks/groqsearch/deploy"
)

// RunRecord is the persisted form of a deploy run. Step args are stored
// as recorded in the run result, which is after secret redaction.
type RunRecord struct {
	RunID     string       `json:"run_id"`
	App       string       `json:"app"`
	Mode      string       `json:"mode"`
	KeepGoing bool         `json:"keep_going,omitempty"`
	Status    string       `json:"status"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Error     string       `json:"error,omitempty"`
	Steps     []StepRecord `json:"steps"`
}

// StepRecord is the persisted form of a single step result.
type StepRecord struct {
	Index      int      `json:"index"`
	Name       string   `json:"name"`
	Args       []string `json:"args"`
	Status     string   `json:"status"`
	ExitCode   int      `json:"exit_code"`
	Stderr     string   `json:"stderr,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
}

// FromRunResult converts a pipeline run result into its persisted form.
func FromRunResult(result deploy.RunResult) RunRecord {
	rec := RunRecord{
		RunID:     result.RunID,
		App:       result.App,
		Mode:      result.Mode,
		KeepGoing: result.KeepGoing,
		Status:    string(result.Status),
		Started:   result.Started.UTC(),
		Finished:  result.Finished.UTC(),
		Steps:     make([]StepRecord, 0, len(result.Steps)),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	for _, step := range result.Steps {
		sr := StepRecord{
			Index:      step.Index,
			Name:       step.Name,
			Args:       append([]string(nil), step.Args...),
			Status:     string(step.Status),
			ExitCode:   step.ExitCode,
			Stderr:     step.Stderr,
			DurationMS: step.Duration.Milliseconds(),
		}
		if step.Err != nil {
			sr.Error = step.Err.Error()
		}
		rec.Steps = append(rec.Steps, sr)
	}
	return rec
}
