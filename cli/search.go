package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fernworks/groqsearch/groq"
)

// NewSearchCmd creates the "search" subcommand.
func NewSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a web search through the Groq compound model",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}

	cmd.Flags().String("api-key", "", "Groq API key (default from GROQ_API_KEY)")
	cmd.Flags().String("model", "", "Compound model to query")
	cmd.Flags().String("base-url", "", "Groq API base URL")
	cmd.Flags().Duration("timeout", 0, "Request timeout (default from config)")
	cmd.Flags().String("format", "json", "Output format: json | text")
	cmd.Flags().String("config", "", "Path to groqsearch.yaml config file")

	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	stringFlag(cmd, "api-key", &cfg.Groq.APIKey)
	stringFlag(cmd, "model", &cfg.Groq.Model)
	stringFlag(cmd, "base-url", &cfg.Groq.BaseURL)

	if strings.TrimSpace(cfg.Groq.APIKey) == "" {
		return exitError(exitUsage, "a Groq API key is required (set GROQ_API_KEY or --api-key)")
	}

	format, _ := cmd.Flags().GetString("format")
	if format != "json" && format != "text" {
		return exitError(exitUsage, "invalid format %q: must be json or text", format)
	}

	timeout := cfg.Groq.Timeout()
	if cmd.Flags().Changed("timeout") {
		timeout, _ = cmd.Flags().GetDuration("timeout")
	}

	client, err := groq.NewClient(groq.ClientConfig{
		APIKey:     cfg.Groq.APIKey,
		BaseURL:    cfg.Groq.BaseURL,
		Model:      cfg.Groq.Model,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     commandLogger(cmd),
	})
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}
	searcher, err := groq.NewSearcher(client)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	result, err := searcher.Search(cmd.Context(), args[0])
	if err != nil {
		return searchExitError(err)
	}
	return writeSearchResult(cmd, result, format)
}

func writeSearchResult(cmd *cobra.Command, result groq.SearchResult, format string) error {
	out := cmd.OutOrStdout()
	if format == "text" {
		fmt.Fprintln(out, result.Summary)
		for _, source := range result.Sources {
			fmt.Fprintf(out, "  - %s\n", source)
		}
		return nil
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func searchExitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return exitError(exitTimeout, "%v", err)
	}
	var apiErr *groq.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return exitError(exitUsage, "%v", err)
	}
	return exitError(exitRuntime, "%v", err)
}
