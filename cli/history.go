package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fernworks/groqsearch/history"
)

// NewHistoryCmd creates the "history" subcommand group.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded deploy runs",
	}

	cmd.PersistentFlags().String("history-db", "", "Path to the run history database")
	cmd.PersistentFlags().String("config", "", "Path to groqsearch.yaml config file")

	cmd.AddCommand(newHistoryListCmd())
	cmd.AddCommand(newHistoryShowCmd())
	cmd.AddCommand(newHistoryPruneCmd())
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 lists all)")
	cmd.Flags().String("format", "table", "Output format: table | json")
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run in full",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryPrune,
	}
	cmd.Flags().Int("keep", 50, "Number of newest runs to keep")
	return cmd
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	store, err := historyStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return exitError(exitUsage, "invalid format %q: must be table or json", format)
	}

	records, err := store.List(cmd.Context(), limit)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	if format == "json" {
		return writeHistoryJSON(cmd.OutOrStdout(), records)
	}
	writeHistoryTable(cmd.OutOrStdout(), records)
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := historyStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, found, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	if !found {
		return exitError(exitNotFound, "run %s not found", args[0])
	}
	return writeHistoryJSON(cmd.OutOrStdout(), rec)
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	store, err := historyStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	keep, _ := cmd.Flags().GetInt("keep")
	removed, err := store.Prune(cmd.Context(), keep)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s), kept the newest %d.\n", removed, keep)
	return nil
}

// historyStore opens the run history database, honoring --history-db over
// the config path over the default location.
func historyStore(cmd *cobra.Command) (*history.Store, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	explicit, _ := cmd.Flags().GetString("history-db")

	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(cfg.History.Path)
	}
	if path == "" {
		path, err = history.DefaultPath()
		if err != nil {
			return nil, exitError(exitRuntime, "resolving history path: %v", err)
		}
	}
	store, err := history.NewStore(path)
	if err != nil {
		return nil, exitError(exitRuntime, "opening history store: %v", err)
	}
	return store, nil
}

func writeHistoryJSON(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding history: %v", err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func writeHistoryTable(out io.Writer, records []history.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tAPP\tMODE\tSTATUS\tSTARTED\tSTEPS")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			rec.RunID, rec.App, rec.Mode, rec.Status,
			rec.Started.Format("2006-01-02 15:04:05"), len(rec.Steps))
	}
	_ = w.Flush()
}
