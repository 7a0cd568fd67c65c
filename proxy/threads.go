package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ThreadClientConfig configures a ThreadClient.
type ThreadClientConfig struct {
	// Endpoint is the thread runtime URL runs are posted to. Required.
	Endpoint string
	// Tokens supplies bearer tokens for every request. Required.
	Tokens *TokenSource
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	// PollInterval is the wait between run result polls. Zero means 2s.
	PollInterval time.Duration
	// PollTimeout bounds how long a run is polled. Zero means 5m.
	PollTimeout time.Duration
	// Logger receives request log lines. Nil means slog.Default().
	Logger *slog.Logger
}

// ThreadClient talks to the thread runtime behind the proxy: it triggers
// agent runs and polls their results.
type ThreadClient struct {
	endpoint     string
	tokens       *TokenSource
	client       *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

// NewThreadClient creates a ThreadClient.
func NewThreadClient(cfg ThreadClientConfig) (*ThreadClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("proxy: thread endpoint is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("proxy: thread token source is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ThreadClient{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		tokens:       cfg.Tokens,
		client:       client,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		logger:       logger,
	}, nil
}

// Trigger posts a user message to the runtime and returns the raw reply.
// The reply may carry an inline result, a run_id to poll, or neither.
func (c *ThreadClient) Trigger(ctx context.Context, query, agentID, threadID string) (map[string]any, error) {
	body := map[string]any{
		"message":  map[string]string{"role": "user", "content": query},
		"agent_id": agentID,
	}
	if threadID != "" {
		body["thread_id"] = threadID
	}

	params := url.Values{
		"stream":           {"false"},
		"multiple_content": {"true"},
	}
	return c.postJSON(ctx, c.endpoint+"?"+params.Encode(), body)
}

// CreateThread creates a new thread seeded with query and returns its id.
func (c *ThreadClient) CreateThread(ctx context.Context, query string) (string, error) {
	body := map[string]any{
		"message": map[string]string{"role": "user", "content": query},
	}
	data, err := c.postJSON(ctx, c.endpoint, body)
	if err != nil {
		return "", err
	}

	threadID := stringField(data, "thread_id")
	if threadID == "" {
		return "", &StatusError{
			Status: http.StatusBadGateway,
			Detail: "Upstream did not return thread_id.",
		}
	}
	return threadID, nil
}

// PollRun polls the run result until the runtime reports a terminal status.
// A failed run maps to 400 and a poll deadline to 408, both as StatusError.
func (c *ThreadClient) PollRun(ctx context.Context, runID string) (map[string]any, error) {
	resultURL := c.endpoint + "/" + runID
	deadline := time.Now().Add(c.pollTimeout)

	for {
		data, err := c.getJSON(ctx, resultURL)
		if err != nil {
			return nil, err
		}

		status := runStatus(data)
		switch {
		case isSuccessStatus(status):
			return data, nil
		case isFailureStatus(status):
			raw, _ := json.Marshal(data)
			return nil, &StatusError{
				Status: http.StatusBadRequest,
				Detail: fmt.Sprintf("Run failed: %s", raw),
			}
		}

		if time.Now().After(deadline) {
			return nil, &StatusError{
				Status: http.StatusRequestTimeout,
				Detail: "Polling timed out.",
			}
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *ThreadClient) postJSON(ctx context.Context, rawURL string, body map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("proxy: encode thread request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("proxy: build thread request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *ThreadClient) getJSON(ctx context.Context, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy: build thread request: %w", err)
	}
	return c.do(req)
}

func (c *ThreadClient) do(req *http.Request) (map[string]any, error) {
	token, err := c.tokens.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: thread request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: read thread response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, upstreamError(resp.StatusCode, body)
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("proxy: decode thread response: %w", err)
	}
	return data, nil
}

// runStatus reads the run state from the fields runtimes are known to use.
func runStatus(data map[string]any) string {
	for _, key := range []string{"status", "state", "run_status"} {
		if value := stringField(data, key); value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}

func isSuccessStatus(status string) bool {
	switch status {
	case "completed", "succeeded", "success", "done":
		return true
	}
	return false
}

func isFailureStatus(status string) bool {
	switch status {
	case "failed", "error", "cancelled":
		return true
	}
	return false
}

// ExtractFinalText looks in the payload locations runtimes are known to put
// final text: result.data.message.content, then response, then content.
// Content lists are deduplicated in order and joined with newlines.
func ExtractFinalText(payload map[string]any) string {
	if contents, ok := digList(payload, "result", "data", "message", "content"); ok {
		if text, found := joinContentTexts(contents); found {
			return text
		}
	}

	if response, ok := payload["response"].(string); ok && strings.TrimSpace(response) != "" {
		return strings.TrimSpace(response)
	}

	if contents, ok := payload["content"].([]any); ok {
		if text, found := joinContentTexts(contents); found {
			return text
		}
	}
	return ""
}

func digList(payload map[string]any, keys ...string) ([]any, bool) {
	current := payload
	for i, key := range keys {
		value, ok := current[key]
		if !ok {
			return nil, false
		}
		if i == len(keys)-1 {
			list, ok := value.([]any)
			return list, ok
		}
		next, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func joinContentTexts(contents []any) (string, bool) {
	var texts []string
	for _, entry := range contents {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		text, ok := item["text"].(string)
		if !ok {
			continue
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return "", false
	}

	seen := make(map[string]struct{}, len(texts))
	dedup := make([]string, 0, len(texts))
	for _, text := range texts {
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		dedup = append(dedup, text)
	}
	return strings.TrimSpace(strings.Join(dedup, "\n")), true
}

func stringField(data map[string]any, key string) string {
	value, ok := data[key].(string)
	if !ok {
		return ""
	}
	return value
}
