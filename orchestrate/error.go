package orchestrate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBinaryNotFound reports that the orchestrate binary could not be
// resolved. The CLI maps it to a dedicated exit code so a missing
// installation is distinguishable from a failed command.
var ErrBinaryNotFound = errors.New("orchestrate binary not found")

// CommandError is a failed orchestrate invocation. Args are stored in
// redacted form so the error is safe to log and persist.
type CommandError struct {
	Binary   string
	Args     []string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s %s failed", e.Binary, strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
