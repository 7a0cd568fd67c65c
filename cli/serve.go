package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fernworks/groqsearch/otel"
	"github.com/fernworks/groqsearch/proxy"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat proxy HTTP server",
		Long: "Serve exposes the deployed agent over a small HTTP API: it exchanges the\n" +
			"API key for bearer tokens, posts chat messages to the thread runtime, polls\n" +
			"run results and streams progress over SSE.",
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().String("agent-id", "", "Default agent ID for chat requests")
	cmd.Flags().String("thread-endpoint", "", "Thread runtime URL")
	cmd.Flags().String("token-endpoint", "", "Token exchange URL")
	cmd.Flags().String("api-key", "", "Runtime API key exchanged for bearer tokens")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin")
	cmd.Flags().Duration("poll-interval", 0, "Wait between run result polls")
	cmd.Flags().Duration("poll-timeout", 0, "Overall bound on run polling")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 10*time.Minute, "HTTP write timeout (bounds SSE streams)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().String("otlp-endpoint", "", "OTLP collector endpoint for request traces")
	cmd.Flags().Bool("otlp-insecure", false, "Export telemetry over plain HTTP")
	cmd.Flags().String("config", "", "Path to groqsearch.yaml config file")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	stringFlag(cmd, "addr", &cfg.Proxy.Addr)
	stringFlag(cmd, "agent-id", &cfg.Proxy.AgentID)
	stringFlag(cmd, "thread-endpoint", &cfg.Proxy.ThreadEndpoint)
	stringFlag(cmd, "token-endpoint", &cfg.Proxy.TokenEndpoint)
	stringFlag(cmd, "api-key", &cfg.Proxy.APIKey)
	stringFlag(cmd, "cors-origin", &cfg.Proxy.CORSOrigin)
	stringFlag(cmd, "otlp-endpoint", &cfg.OTLPEndpoint)

	if strings.TrimSpace(cfg.Proxy.ThreadEndpoint) == "" {
		return exitError(exitUsage, "a thread endpoint is required (set WXO_THREAD_ENDPOINT or --thread-endpoint)")
	}
	if strings.TrimSpace(cfg.Proxy.TokenEndpoint) == "" {
		return exitError(exitUsage, "a token endpoint is required (set WXO_TOKEN_ENDPOINT or --token-endpoint)")
	}
	if strings.TrimSpace(cfg.Proxy.APIKey) == "" {
		return exitError(exitUsage, "a runtime API key is required (set WXO_API_KEY or --api-key)")
	}

	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	logger := commandLogger(cmd)

	var tracer trace.Tracer
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		insecure, _ := cmd.Flags().GetBool("otlp-insecure")
		shutdown, err := otel.Setup(cmd.Context(), otel.SetupConfig{
			Endpoint: endpoint,
			Insecure: insecure,
		})
		if err != nil {
			return exitError(exitRuntime, "%v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("otel shutdown", "error", err)
			}
		}()
		tracer = otelapi.GetTracerProvider().Tracer("groqsearch/proxy")
	}

	tokens, err := proxy.NewTokenSource(proxy.TokenSourceConfig{
		Endpoint: cfg.Proxy.TokenEndpoint,
		APIKey:   cfg.Proxy.APIKey,
		TTL:      cfg.Proxy.TokenTTL(),
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}

	threads, err := proxy.NewThreadClient(proxy.ThreadClientConfig{
		Endpoint:     cfg.Proxy.ThreadEndpoint,
		Tokens:       tokens,
		PollInterval: servePollDuration(cmd, "poll-interval", cfg.Proxy.PollInterval()),
		PollTimeout:  servePollDuration(cmd, "poll-timeout", cfg.Proxy.PollTimeout()),
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitUsage, "%v", err)
	}

	server, err := proxy.NewServer(proxy.ServerConfig{
		Threads:    threads,
		AgentID:    cfg.Proxy.AgentID,
		CORSOrigin: cfg.Proxy.CORSOrigin,
		MaxBody:    maxBody,
		Version:    cmd.Root().Version,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Proxy.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "groqsearch chat proxy listening on %s\n", cfg.Proxy.Addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func servePollDuration(cmd *cobra.Command, name string, fallback time.Duration) time.Duration {
	if cmd.Flags().Changed(name) {
		d, _ := cmd.Flags().GetDuration(name)
		return d
	}
	return fallback
}
