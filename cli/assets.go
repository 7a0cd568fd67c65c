package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fernworks/groqsearch/asset"
)

// NewAssetsCmd creates the "assets" subcommand group.
func NewAssetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Work with the embedded tool source and requirements",
	}
	cmd.AddCommand(newAssetsExportCmd())
	cmd.AddCommand(newAssetsShowCmd())
	return cmd
}

func newAssetsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the embedded tool files to a directory",
		Args:  cobra.NoArgs,
		RunE:  runAssetsExport,
	}
	cmd.Flags().String("dir", ".", "Destination directory")
	cmd.Flags().Bool("force", false, "Overwrite existing files")
	return cmd
}

func newAssetsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "show <tool|requirements>",
		Short:     "Print an embedded tool file to stdout",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"tool", "requirements"},
		RunE:      runAssetsShow,
	}
}

func runAssetsExport(cmd *cobra.Command, _ []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	force, _ := cmd.Flags().GetBool("force")

	paths, err := asset.Export(dir, force)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	for _, path := range paths {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	}
	return nil
}

func runAssetsShow(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "tool":
		_, err := cmd.OutOrStdout().Write(asset.ToolSource())
		return err
	case "requirements":
		_, err := cmd.OutOrStdout().Write(asset.Requirements())
		return err
	default:
		return exitError(exitUsage, "unknown asset %q: must be tool or requirements", args[0])
	}
}
