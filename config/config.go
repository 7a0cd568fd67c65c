// Package config resolves groqsearch settings from built-in defaults, an
// optional YAML file, and environment variables. Precedence is
// flags > environment > file > defaults; flag binding happens in the cli
// package, everything else here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "groqsearch.yaml"
	homeConfigDir     = ".groqsearch"
	homeConfigName    = "config.yaml"
)

// Defaults mirror the constants of the original importer script.
const (
	DefaultApp          = "groq_search"
	DefaultToolName     = "groq_compound_search"
	DefaultToolKind     = "python"
	DefaultToolFile     = "search_tool.py"
	DefaultRequirements = "requirements.txt"
	DefaultAppType      = "team"
	DefaultAuthKind     = "bearer"
)

// DefaultEnvironments returns the connection environments configured when
// none are given.
func DefaultEnvironments() []string {
	return []string{"draft", "live"}
}

// Config is the resolved configuration for every groqsearch command.
type Config struct {
	App          string   `yaml:"app"`
	ToolName     string   `yaml:"tool_name"`
	ToolKind     string   `yaml:"tool_kind"`
	ToolFile     string   `yaml:"tool_file"`
	Requirements string   `yaml:"requirements_file"`
	Environments []string `yaml:"environments"`
	AppType      string   `yaml:"app_type"`
	AuthKind     string   `yaml:"auth_kind"`

	Orchestrate  Orchestrate `yaml:"orchestrate"`
	History      History     `yaml:"history"`
	Groq         Groq        `yaml:"groq"`
	Proxy        Proxy       `yaml:"proxy"`
	OTLPEndpoint string      `yaml:"otlp_endpoint"`
}

// Orchestrate configures the external CLI wrapper.
type Orchestrate struct {
	Binary         string `yaml:"binary"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-command bound, zero when unset or negative.
func (o Orchestrate) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// History configures the local deploy-run ledger.
type History struct {
	Path string `yaml:"path"`
}

// Groq configures the compound search client.
type Groq struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the request bound for Groq calls.
func (g Groq) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// Proxy configures the chat proxy server.
type Proxy struct {
	Addr                string `yaml:"addr"`
	AgentID             string `yaml:"agent_id"`
	ThreadEndpoint      string `yaml:"thread_endpoint"`
	TokenEndpoint       string `yaml:"token_endpoint"`
	APIKey              string `yaml:"api_key"`
	TokenTTLSeconds     int    `yaml:"token_ttl_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds  int    `yaml:"poll_timeout_seconds"`
	CORSOrigin          string `yaml:"cors_origin"`
}

// TokenTTL returns the fallback lifetime for cached tokens.
func (p Proxy) TokenTTL() time.Duration {
	if p.TokenTTLSeconds <= 0 {
		return 50 * time.Minute
	}
	return time.Duration(p.TokenTTLSeconds) * time.Second
}

// PollInterval returns the delay between run-status polls.
func (p Proxy) PollInterval() time.Duration {
	if p.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the overall bound on run polling.
func (p Proxy) PollTimeout() time.Duration {
	if p.PollTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.PollTimeoutSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		App:          DefaultApp,
		ToolName:     DefaultToolName,
		ToolKind:     DefaultToolKind,
		ToolFile:     DefaultToolFile,
		Requirements: DefaultRequirements,
		Environments: DefaultEnvironments(),
		AppType:      DefaultAppType,
		AuthKind:     DefaultAuthKind,
		Orchestrate: Orchestrate{
			Binary:         "orchestrate",
			TimeoutSeconds: 120,
		},
		Groq: Groq{
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "groq/compound-mini",
			TimeoutSeconds: 60,
		},
		Proxy: Proxy{
			Addr:                "127.0.0.1:8400",
			TokenTTLSeconds:     50 * 60,
			PollIntervalSeconds: 2,
			PollTimeoutSeconds:  300,
			CORSOrigin:          "*",
		},
	}
}

// DiscoverPath resolves the config file location with first-match semantics:
// an explicit path (missing file is an error), then ./groqsearch.yaml, then
// ~/.groqsearch/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load builds the configuration from defaults, the given file (empty path
// means no file), and environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if clean := strings.TrimSpace(path); clean != "" {
		// #nosec G304 -- path resolved from explicit local config discovery.
		data, err := os.ReadFile(clean)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", clean, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", clean, err)
		}
		expandConfigEnv(&cfg)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// expandConfigEnv applies ${VAR} expansion to every string that may carry a
// secret or path reference, so config files can say api_key: ${GROQ_API_KEY}.
func expandConfigEnv(cfg *Config) {
	fields := []*string{
		&cfg.App, &cfg.ToolName, &cfg.ToolKind, &cfg.ToolFile, &cfg.Requirements,
		&cfg.AppType, &cfg.AuthKind,
		&cfg.Orchestrate.Binary,
		&cfg.History.Path,
		&cfg.Groq.APIKey, &cfg.Groq.BaseURL, &cfg.Groq.Model,
		&cfg.Proxy.Addr, &cfg.Proxy.AgentID, &cfg.Proxy.ThreadEndpoint,
		&cfg.Proxy.TokenEndpoint, &cfg.Proxy.APIKey, &cfg.Proxy.CORSOrigin,
		&cfg.OTLPEndpoint,
	}
	for _, f := range fields {
		*f = os.ExpandEnv(*f)
	}
	for i := range cfg.Environments {
		cfg.Environments[i] = os.ExpandEnv(cfg.Environments[i])
	}
}

func applyEnvOverrides(cfg *Config) {
	setFromEnv(&cfg.App, "GROQSEARCH_APP")
	setFromEnv(&cfg.ToolName, "GROQSEARCH_TOOL_NAME")
	setFromEnv(&cfg.ToolFile, "GROQSEARCH_TOOL_FILE")
	setFromEnv(&cfg.Requirements, "GROQSEARCH_REQUIREMENTS_FILE")
	setFromEnv(&cfg.Orchestrate.Binary, "GROQSEARCH_ORCHESTRATE_BIN")
	setFromEnv(&cfg.History.Path, "GROQSEARCH_HISTORY_DB")
	setFromEnv(&cfg.Groq.APIKey, "GROQ_API_KEY")
	setFromEnv(&cfg.Groq.BaseURL, "GROQ_BASE_URL")
	setFromEnv(&cfg.Groq.Model, "GROQ_MODEL")
	setFromEnv(&cfg.Proxy.Addr, "GROQSEARCH_ADDR")
	setFromEnv(&cfg.Proxy.AgentID, "GROQSEARCH_AGENT_ID")
	setFromEnv(&cfg.OTLPEndpoint, "GROQSEARCH_OTLP_ENDPOINT")

	// The original proxy read THREAD_ENDPOINT, TOKEN_ENDPOINT and API_KEY;
	// those names stay honored as fallbacks behind the WXO_ forms.
	setFromEnv(&cfg.Proxy.ThreadEndpoint, "WXO_THREAD_ENDPOINT", "THREAD_ENDPOINT")
	setFromEnv(&cfg.Proxy.TokenEndpoint, "WXO_TOKEN_ENDPOINT", "TOKEN_ENDPOINT")
	setFromEnv(&cfg.Proxy.APIKey, "WXO_API_KEY", "API_KEY")

	if raw, ok := os.LookupEnv("GROQSEARCH_ENVS"); ok {
		if envs := splitEnvList(raw); len(envs) > 0 {
			cfg.Environments = envs
		}
	}
}

func setFromEnv(target *string, keys ...string) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
			return
		}
	}
}

func splitEnvList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if clean := strings.TrimSpace(part); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

// RedactSecret returns a loggable form of a secret. A short recognizable
// prefix is kept so operators can tell keys apart.
func RedactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
