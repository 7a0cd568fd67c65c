// Package cli implements the groqsearch command-line interface: the deploy
// pipeline, the direct search client, the chat proxy server, run history
// inspection and asset export.
package cli

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fernworks/groqsearch/config"
)

// Process exit codes. Deploy outcomes map onto them so scripts can
// distinguish a clean run from a partial or failed one.
const (
	exitSuccess  = 0
	exitUsage    = 1
	exitDeploy   = 2
	exitPartial  = 3
	exitNotFound = 4
	exitRuntime  = 5
	exitTimeout  = 10
)

// resolveConfig discovers and loads the YAML config, honoring an explicit
// --config path when the command defines one. Environment variables are
// applied by config.Load; flag overrides are applied by each command after
// this call.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, _, err := config.DiscoverPath(explicit)
	if err != nil {
		return config.Config{}, exitError(exitUsage, "%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitUsage, "%v", err)
	}
	return cfg, nil
}

// commandLogger builds the slog logger for a command run. Log lines go to
// stderr so stdout stays parseable. --quiet drops everything below error,
// --verbose enables debug and wins when both are set.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// stringFlag copies a string flag into target when the user set it,
// preserving the config/env value otherwise.
func stringFlag(cmd *cobra.Command, name string, target *string) {
	if cmd.Flags().Changed(name) {
		value, _ := cmd.Flags().GetString(name)
		*target = strings.TrimSpace(value)
	}
}

// stringSliceFlag copies a repeatable string flag into target when set.
func stringSliceFlag(cmd *cobra.Command, name string, target *[]string) {
	if cmd.Flags().Changed(name) {
		values, _ := cmd.Flags().GetStringArray(name)
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				cleaned = append(cleaned, v)
			}
		}
		*target = cleaned
	}
}

