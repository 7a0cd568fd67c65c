// Package groq is a client for the Groq OpenAI-compatible chat completions
// API, covering the compound models that run server-side web search.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Groq OpenAI-compatible API root.
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	// DefaultModel is the compound model with built-in web search.
	DefaultModel = "groq/compound-mini"

	// modelVersionHeader pins which compound system version serves the
	// request.
	modelVersionHeader = "Groq-Model-Version"
	modelVersion       = "latest"
)

// RetryPolicy controls request retries. Backoff grows linearly with the
// attempt number.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// ChatMessage is one chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompoundTools selects which server-side tools a compound model may use.
type CompoundTools struct {
	EnabledTools []string `json:"enabled_tools"`
}

// CompoundCustom carries Groq's compound-model extensions. The field is not
// part of the OpenAI surface, which is why this client speaks the wire
// format directly.
type CompoundCustom struct {
	Tools CompoundTools `json:"tools"`
}

// ChatCompletionRequest is the request body for POST /chat/completions.
type ChatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []ChatMessage   `json:"messages"`
	Temperature         float64         `json:"temperature,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	TopP                float64         `json:"top_p,omitempty"`
	Stream              bool            `json:"stream"`
	CompoundCustom      *CompoundCustom `json:"compound_custom,omitempty"`
}

// ChatChoice is one generated completion.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the response body for POST /chat/completions.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// APIKey authenticates every request. Required.
	APIKey string
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// Model is the default model when a request names none.
	Model string
	// HTTPClient overrides the default HTTP client and its timeout.
	HTTPClient *http.Client
	// Retry overrides DefaultRetryPolicy.
	Retry RetryPolicy
	// Logger receives retry log lines. Nil means slog.Default().
	Logger *slog.Logger
}

// Client calls the Groq chat completions API.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	retry   RetryPolicy
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("groq: api key is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if retry.Backoff < 0 {
		retry.Backoff = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		client:  httpClient,
		retry:   retry,
		logger:  logger,
	}, nil
}

// CreateChatCompletion posts a chat completion request, retrying rate
// limits, server errors and timeouts per the client's retry policy.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if len(req.Messages) == 0 {
		return ChatCompletionResponse{}, errors.New("groq: chat completion requires at least one message")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("groq: encode chat completion request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ChatCompletionResponse{}, err
		}

		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == c.retry.MaxAttempts || !IsRetryable(err) {
			return ChatCompletionResponse{}, err
		}
		c.logger.Warn("groq request retry", "attempt", attempt, "error", err)

		wait := c.retry.Backoff * time.Duration(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChatCompletionResponse{}, ctx.Err()
		case <-timer.C:
		}
	}

	return ChatCompletionResponse{}, lastErr
}

func (c *Client) do(ctx context.Context, body []byte) (ChatCompletionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("groq: build chat completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set(modelVersionHeader, modelVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("groq: chat completion request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("groq: read chat completion response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return ChatCompletionResponse{}, decodeAPIError(resp.StatusCode, respBody)
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("groq: decode chat completion response: %w", err)
	}
	return out, nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		Status:    status,
		Retryable: retryableStatus(status),
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Code = envelope.Error.Code
		if apiErr.Code == "" {
			apiErr.Code = envelope.Error.Type
		}
		return apiErr
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	apiErr.Message = message
	return apiErr
}
