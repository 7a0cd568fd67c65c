package orchestrate

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
)

// Runner executes one orchestrate command and returns its stdout.
// Implementations must honor context cancellation.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

type execRunner struct {
	binary string
}

// NewRunner returns a Runner that shells out to the named binary.
// An empty binary name falls back to DefaultBinary.
func NewRunner(binary string) Runner {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary
	}
	return &execRunner{binary: binary}
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	// #nosec G204 -- binary and args come from configuration, not request input.
	cmd := exec.CommandContext(ctx, r.binary, args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	// A bare name misses PATH lookup as an *exec.Error; an explicit path
	// fails at start with fs.ErrNotExist. Both mean the binary is absent.
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
		return "", &CommandError{
			Binary:   r.binary,
			Args:     RedactArgs(args),
			ExitCode: -1,
			Cause:    ErrBinaryNotFound,
		}
	}

	cmdErr := &CommandError{
		Binary:   r.binary,
		Args:     RedactArgs(args),
		ExitCode: -1,
		Stderr:   strings.TrimSpace(stderr.String()),
		Cause:    err,
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cmdErr.Cause = ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	return stdout.String(), cmdErr
}
