package cli

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fernworks/groqsearch/config"
	"github.com/fernworks/groqsearch/history"
)

// NewDoctorCmd creates the "doctor" subcommand.
func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup for deploy, search and serve",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
	cmd.Flags().String("config", "", "Path to groqsearch.yaml config file")
	return cmd
}

type doctorCheck struct {
	label string
	ok    bool
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicit)
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}

	checks := []doctorCheck{
		checkConfigFile(path, found),
		checkOrchestrateBinary(cfg),
		checkToolFile(cfg),
		checkRequirementsFile(cfg),
		checkGroqKey(cfg),
		checkProxyEndpoints(cfg),
		checkHistoryPath(cfg),
	}

	out := cmd.OutOrStdout()
	problems := 0
	for _, check := range checks {
		status := "ok"
		if !check.ok {
			status = "missing"
			problems++
		}
		fmt.Fprintf(out, "%-8s %s\n", status, check.label)
	}

	if problems > 0 {
		return exitError(exitUsage, "%d problem(s) found", problems)
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func checkConfigFile(path string, found bool) doctorCheck {
	if found {
		return doctorCheck{label: fmt.Sprintf("config file: %s", path), ok: true}
	}
	return doctorCheck{label: "config file: none (built-in defaults)", ok: true}
}

func checkOrchestrateBinary(cfg config.Config) doctorCheck {
	binary := strings.TrimSpace(cfg.Orchestrate.Binary)
	if binary == "" {
		binary = "orchestrate"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return doctorCheck{label: fmt.Sprintf("orchestrate binary: %s not found in PATH", binary)}
	}
	return doctorCheck{label: fmt.Sprintf("orchestrate binary: %s", resolved), ok: true}
}

func checkToolFile(cfg config.Config) doctorCheck {
	if _, err := os.Stat(cfg.ToolFile); err == nil {
		return doctorCheck{label: fmt.Sprintf("tool file: %s", cfg.ToolFile), ok: true}
	}
	if cfg.ToolFile == config.DefaultToolFile {
		return doctorCheck{
			label: fmt.Sprintf("tool file: %s not on disk (embedded copy available via deploy --use-embedded)", cfg.ToolFile),
			ok:    true,
		}
	}
	return doctorCheck{label: fmt.Sprintf("tool file: %s not found", cfg.ToolFile)}
}

func checkRequirementsFile(cfg config.Config) doctorCheck {
	if _, err := os.Stat(cfg.Requirements); err == nil {
		return doctorCheck{label: fmt.Sprintf("requirements file: %s", cfg.Requirements), ok: true}
	}
	if cfg.Requirements == config.DefaultRequirements {
		return doctorCheck{
			label: fmt.Sprintf("requirements file: %s not on disk (embedded copy available via deploy --use-embedded)", cfg.Requirements),
			ok:    true,
		}
	}
	return doctorCheck{label: fmt.Sprintf("requirements file: %s not found", cfg.Requirements)}
}

func checkGroqKey(cfg config.Config) doctorCheck {
	if strings.TrimSpace(cfg.Groq.APIKey) == "" {
		return doctorCheck{label: "GROQ_API_KEY: unset (needed by search and deploy --set-credentials)"}
	}
	return doctorCheck{label: fmt.Sprintf("GROQ_API_KEY: %s", config.RedactSecret(cfg.Groq.APIKey)), ok: true}
}

func checkProxyEndpoints(cfg config.Config) doctorCheck {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(cfg.Proxy.ThreadEndpoint) == "" {
		missing = append(missing, "thread endpoint")
	}
	if strings.TrimSpace(cfg.Proxy.TokenEndpoint) == "" {
		missing = append(missing, "token endpoint")
	}
	if strings.TrimSpace(cfg.Proxy.APIKey) == "" {
		missing = append(missing, "API key")
	}
	if len(missing) > 0 {
		return doctorCheck{label: fmt.Sprintf("proxy runtime: %s unset (needed by serve)", strings.Join(missing, ", "))}
	}
	return doctorCheck{label: fmt.Sprintf("proxy runtime: %s", cfg.Proxy.ThreadEndpoint), ok: true}
}

func checkHistoryPath(cfg config.Config) doctorCheck {
	path := strings.TrimSpace(cfg.History.Path)
	if path == "" {
		resolved, err := history.DefaultPath()
		if err != nil {
			return doctorCheck{label: fmt.Sprintf("history database: %v", err)}
		}
		path = resolved
	}
	return doctorCheck{label: fmt.Sprintf("history database: %s", path), ok: true}
}
