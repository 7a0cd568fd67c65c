// Package proxy serves the chat HTTP API in front of the agent thread
// runtime: a non-streaming endpoint that triggers a run and polls its
// result, and a streaming variant that reports progress over SSE.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Threads executes runs against the thread runtime. Required.
	Threads *ThreadClient
	// AgentID is the agent used when a request names none.
	AgentID string
	// CORSOrigin is the allowed CORS origin. Empty means "*".
	CORSOrigin string
	// MaxBody caps request body size. Zero means 1 MB.
	MaxBody int64
	// Heartbeat is the SSE keepalive interval. Zero means 15s.
	Heartbeat time.Duration
	// Version is reported by the health endpoint when set.
	Version string
	// Tracer records a span per request when set. Nil disables tracing.
	Tracer trace.Tracer
	// Logger receives request log lines. Nil means slog.Default().
	Logger *slog.Logger
}

// Server is the chat proxy HTTP API server.
type Server struct {
	threads    *ThreadClient
	agentID    string
	corsOrigin string
	maxBody    int64
	heartbeat  time.Duration
	version    string
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Threads == nil {
		return nil, errors.New("proxy: thread client is required")
	}

	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		threads:    cfg.Threads,
		agentID:    cfg.AgentID,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		heartbeat:  heartbeat,
		version:    cfg.Version,
		tracer:     cfg.Tracer,
		logger:     logger,
	}, nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	if s.tracer != nil {
		handler = s.traceMiddleware(handler)
	}
	handler = s.requestLogMiddleware(handler)

	return handler
}

// RegisterRoutes mounts chat proxy routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /chat/v2", s.handleChat)
	mux.HandleFunc("GET /chat", s.handleChatStream)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.RequestURI()),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]string{"status": "ok"}
	if s.version != "" {
		payload["version"] = s.version
	}
	writeJSON(w, http.StatusOK, payload)
}

// chatResponse is the reply envelope both chat endpoints produce.
type chatResponse struct {
	ErrorMessage bool           `json:"error_message"`
	Status       string         `json:"status"`
	Response     string         `json:"response"`
	ThreadID     string         `json:"thread_id"`
	Raw          map[string]any `json:"raw,omitempty"`
}

type chatParams struct {
	Query      string
	AgentID    string
	ThreadID   string
	IncludeRaw bool
}

func (s *Server) parseChatParams(r *http.Request) (chatParams, *StatusError) {
	q := r.URL.Query()

	params := chatParams{
		Query:    strings.TrimSpace(q.Get("query")),
		AgentID:  strings.TrimSpace(q.Get("agent_id")),
		ThreadID: strings.TrimSpace(q.Get("thread_id")),
	}
	if params.Query == "" {
		return chatParams{}, &StatusError{Status: http.StatusBadRequest, Detail: "query is required"}
	}
	if params.AgentID == "" {
		params.AgentID = s.agentID
	}
	if params.AgentID == "" {
		return chatParams{}, &StatusError{Status: http.StatusBadRequest, Detail: "agent_id is required"}
	}

	if raw := strings.TrimSpace(q.Get("include_raw")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return chatParams{}, &StatusError{Status: http.StatusBadRequest, Detail: "include_raw must be an integer"}
		}
		params.IncludeRaw = value != 0
	}
	return params, nil
}

// handleChat is the non-streaming endpoint. It triggers a run, uses an
// inline result when the runtime returns one, and otherwise polls by
// run_id until the run finishes.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	params, perr := s.parseChatParams(r)
	if perr != nil {
		writeDetail(w, perr.Status, perr.Detail)
		return
	}
	ctx := r.Context()

	trigData, err := s.threads.Trigger(ctx, params.Query, params.AgentID, params.ThreadID)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}

	returnedThread := stringField(trigData, "thread_id")
	if returnedThread == "" {
		returnedThread = params.ThreadID
	}

	if inline := ExtractFinalText(trigData); inline != "" {
		out := chatResponse{
			Status:   "completed",
			Response: inline,
			ThreadID: returnedThread,
		}
		if params.IncludeRaw {
			out.Raw = trigData
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	runID := stringField(trigData, "run_id")
	if runID == "" {
		status := stringField(trigData, "status")
		if status == "" {
			status = "unknown"
		}
		out := chatResponse{
			Status:   status,
			ThreadID: returnedThread,
		}
		if params.IncludeRaw {
			out.Raw = trigData
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	finalData, err := s.threads.PollRun(ctx, runID)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}

	if threadID := stringField(finalData, "thread_id"); threadID != "" {
		returnedThread = threadID
	}
	status := stringField(finalData, "status")
	if status == "" {
		status = "completed"
	}

	out := chatResponse{
		Status:   status,
		Response: ExtractFinalText(finalData),
		ThreadID: returnedThread,
	}
	if params.IncludeRaw {
		out.Raw = finalData
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChatStream is the SSE endpoint. It reports run progress as events
// and keeps the connection alive with heartbeat comments while polling.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	params, perr := s.parseChatParams(r)
	if perr != nil {
		writeDetail(w, perr.Status, perr.Detail)
		return
	}

	writer, ok := newSSEWriter(w)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := r.Context()
	writer.startResponse()
	writer.writeEvent("status", map[string]string{"status": "submitted"})

	trigData, err := s.threads.Trigger(ctx, params.Query, params.AgentID, params.ThreadID)
	if err != nil {
		writer.writeError(err)
		return
	}

	returnedThread := stringField(trigData, "thread_id")
	if returnedThread == "" {
		returnedThread = params.ThreadID
	}

	if inline := ExtractFinalText(trigData); inline != "" {
		writer.writeEvent("message", chatResponse{
			Status:   "completed",
			Response: inline,
			ThreadID: returnedThread,
		})
		return
	}

	runID := stringField(trigData, "run_id")
	if runID == "" {
		status := stringField(trigData, "status")
		if status == "" {
			status = "unknown"
		}
		writer.writeEvent("message", chatResponse{
			Status:   status,
			ThreadID: returnedThread,
		})
		return
	}

	writer.writeEvent("status", map[string]string{
		"status":    "queued",
		"run_id":    runID,
		"thread_id": returnedThread,
	})

	type pollOutcome struct {
		data map[string]any
		err  error
	}
	resultCh := make(chan pollOutcome, 1)
	go func() {
		data, err := s.threads.PollRun(ctx, runID)
		resultCh <- pollOutcome{data: data, err: err}
	}()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writer.writeHeartbeat()
		case outcome := <-resultCh:
			if outcome.err != nil {
				writer.writeError(outcome.err)
				return
			}
			finalData := outcome.data
			if threadID := stringField(finalData, "thread_id"); threadID != "" {
				returnedThread = threadID
			}
			status := stringField(finalData, "status")
			if status == "" {
				status = "completed"
			}
			writer.writeEvent("message", chatResponse{
				Status:   status,
				Response: ExtractFinalText(finalData),
				ThreadID: returnedThread,
			})
			return
		}
	}
}

func (s *Server) writeProxyError(w http.ResponseWriter, err error) {
	status, detail := proxyErrorParts(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("proxy request failed", "status", status, "error", err)
	}
	writeDetail(w, status, detail)
}

func proxyErrorParts(err error) (int, string) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status, statusErr.Detail
	}
	return http.StatusInternalServerError, fmt.Sprintf("Internal server error: %s", err)
}

// --- SSE ---

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{
		w:       w,
		flusher: flusher,
	}, true
}

func (s *sseWriter) startResponse() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseWriter) writeEvent(event string, data any) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	s.flusher.Flush()
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

func (s *sseWriter) writeError(err error) {
	status, detail := proxyErrorParts(err)
	s.writeEvent("error", map[string]any{
		"status": status,
		"detail": detail,
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail keeps the {"detail": ...} error envelope existing clients of
// the chat API already parse.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
