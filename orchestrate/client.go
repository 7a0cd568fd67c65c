// Package orchestrate wraps the external watsonx Orchestrate CLI. Every
// registry mutation this project performs goes through the orchestrate
// binary; this package builds the exact argument vectors, runs them with
// context support, and translates failures into CommandError values that
// carry the exit code and captured stderr.
package orchestrate

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Client is the typed command surface over a Runner.
type Client struct {
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Runner executes commands. Nil means a real subprocess runner for
	// DefaultBinary.
	Runner Runner
	// Timeout bounds each command when the caller's context carries no
	// deadline. Zero means no per-command bound.
	Timeout time.Duration
	// Logger receives per-command debug lines. Nil means slog.Default().
	Logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	runner := cfg.Runner
	if runner == nil {
		runner = NewRunner(DefaultBinary)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: runner, timeout: cfg.Timeout, logger: logger}
}

// Run executes one command, applying the client timeout when the context
// has no deadline of its own.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	c.logger.Debug("orchestrate command", "args", strings.Join(RedactArgs(args), " "))
	return c.runner.Run(ctx, args...)
}

// RemoveTool removes one tool by name.
func (c *Client) RemoveTool(ctx context.Context, name string) error {
	_, err := c.Run(ctx, ToolsRemove(name)...)
	return err
}

// RemoveAllTools removes every registered tool.
func (c *Client) RemoveAllTools(ctx context.Context) error {
	_, err := c.Run(ctx, ToolsRemoveAll()...)
	return err
}

// RemoveConnection removes the connection registered under app.
func (c *Client) RemoveConnection(ctx context.Context, app string) error {
	_, err := c.Run(ctx, ConnectionsRemove(app)...)
	return err
}

// AddConnection registers a new connection under app.
func (c *Client) AddConnection(ctx context.Context, app string) error {
	_, err := c.Run(ctx, ConnectionsAdd(app)...)
	return err
}

// ConfigureConnection configures one environment of a connection.
func (c *Client) ConfigureConnection(ctx context.Context, app, env, appType, authKind string) error {
	_, err := c.Run(ctx, ConnectionsConfigure(app, env, appType, authKind)...)
	return err
}

// SetCredentials stores a credential for one environment of a connection.
func (c *Client) SetCredentials(ctx context.Context, app, env, authKind, token string) error {
	_, err := c.Run(ctx, ConnectionsSetCredentials(app, env, authKind, token)...)
	return err
}

// ImportTool imports a tool source file with its requirements manifest.
func (c *Client) ImportTool(ctx context.Context, kind, file, requirements, app string) error {
	_, err := c.Run(ctx, ToolsImport(kind, file, requirements, app)...)
	return err
}

// HasConnection reports whether a connection named app appears in
// `connections list` output.
func (c *Client) HasConnection(ctx context.Context, app string) (bool, error) {
	out, err := c.Run(ctx, ConnectionsList()...)
	if err != nil {
		return false, err
	}
	return outputContainsName(out, app), nil
}

// HasTool reports whether a tool named name appears in `tools list` output.
func (c *Client) HasTool(ctx context.Context, name string) (bool, error) {
	out, err := c.Run(ctx, ToolsList()...)
	if err != nil {
		return false, err
	}
	return outputContainsName(out, name), nil
}

// outputContainsName scans tabular CLI output for a whole-field match.
// The orchestrate CLI renders lists as tables whose borders and separators
// vary between releases, so matching is done per whitespace field with
// table punctuation trimmed.
func outputContainsName(output, name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, line := range strings.Split(output, "\n") {
		for _, field := range strings.Fields(line) {
			if strings.Trim(field, "|│+-,") == name {
				return true
			}
		}
	}
	return false
}
