package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestServer(t *testing.T, agentID string, runtime http.HandlerFunc) *Server {
	t.Helper()

	runtimeServer := httptest.NewServer(runtime)
	t.Cleanup(runtimeServer.Close)

	threads, err := NewThreadClient(ThreadClientConfig{
		Endpoint:     runtimeServer.URL,
		Tokens:       newStaticTokenServer(t),
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewThreadClient() error = %v", err)
	}

	server, err := NewServer(ServerConfig{
		Threads: threads,
		AgentID: agentID,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return server
}

func doRequest(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeChatResponse(t *testing.T, w *httptest.ResponseRecorder) chatResponse {
	t.Helper()
	var out chatResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func inlineResultPayload(text string) map[string]any {
	return map[string]any{
		"thread_id": "th-inline",
		"result": map[string]any{
			"data": map[string]any{
				"message": map[string]any{
					"content": []any{map[string]any{"text": text}},
				},
			},
		},
	}
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		t.Error("runtime should not be called")
	})

	w := doRequest(s, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestHealthRouteReportsVersion(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		t.Error("runtime should not be called")
	})
	s.version = "1.2.3"

	w := doRequest(s, http.MethodGet, "/health")
	if !strings.Contains(w.Body.String(), `"version":"1.2.3"`) {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestTraceMiddlewareRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		t.Error("runtime should not be called")
	})
	s.tracer = tp.Tracer("test")

	doRequest(s, http.MethodGet, "/health")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /health" {
		t.Fatalf("span name = %q, want GET /health", spans[0].Name)
	}
}

func TestChatInlineResult(t *testing.T) {
	polls := 0
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			polls++
			return
		}
		_ = json.NewEncoder(w).Encode(inlineResultPayload("inline answer"))
	})

	w := doRequest(s, http.MethodGet, "/chat/v2?query=hello")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	out := decodeChatResponse(t, w)
	if out.ErrorMessage {
		t.Fatal("error_message = true")
	}
	if out.Status != "completed" {
		t.Fatalf("status = %q, want completed", out.Status)
	}
	if out.Response != "inline answer" {
		t.Fatalf("response = %q", out.Response)
	}
	if out.ThreadID != "th-inline" {
		t.Fatalf("thread_id = %q", out.ThreadID)
	}
	if polls != 0 {
		t.Fatalf("polled %d times for an inline result", polls)
	}
}

func TestChatPollsByRunID(t *testing.T) {
	polls := 0
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "run-9", "thread_id": "th-1"})
			return
		}
		polls++
		if polls == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "running"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "completed",
			"thread_id": "th-2",
			"result": map[string]any{
				"data": map[string]any{
					"message": map[string]any{
						"content": []any{map[string]any{"text": "polled answer"}},
					},
				},
			},
		})
	})

	w := doRequest(s, http.MethodGet, "/chat/v2?query=hello")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	out := decodeChatResponse(t, w)
	if out.Response != "polled answer" {
		t.Fatalf("response = %q", out.Response)
	}
	if out.ThreadID != "th-2" {
		t.Fatalf("thread_id = %q, want the final run's thread", out.ThreadID)
	}
	if polls != 2 {
		t.Fatalf("polls = %d, want 2", polls)
	}
}

func TestChatWithoutRunID(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
	})

	w := doRequest(s, http.MethodGet, "/chat/v2?query=hello")
	out := decodeChatResponse(t, w)
	if out.Status != "queued" {
		t.Fatalf("status = %q, want queued", out.Status)
	}
	if out.Response != "" {
		t.Fatalf("response = %q, want empty", out.Response)
	}
}

func TestChatParamValidation(t *testing.T) {
	tests := []struct {
		name       string
		agentID    string
		target     string
		wantDetail string
	}{
		{name: "missing query", agentID: "agent-1", target: "/chat/v2", wantDetail: "query is required"},
		{name: "missing agent", agentID: "", target: "/chat/v2?query=x", wantDetail: "agent_id is required"},
		{name: "bad include_raw", agentID: "agent-1", target: "/chat/v2?query=x&include_raw=yes", wantDetail: "include_raw must be an integer"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.agentID, func(w http.ResponseWriter, r *http.Request) {
				t.Error("runtime should not be called")
			})

			w := doRequest(s, http.MethodGet, tt.target)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantDetail) {
				t.Fatalf("body = %q, want %q", w.Body.String(), tt.wantDetail)
			}
		})
	}
}

func TestChatAgentIDFallsBackToConfig(t *testing.T) {
	var gotAgent string
	s := newTestServer(t, "configured-agent", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotAgent, _ = body["agent_id"].(string)
		_ = json.NewEncoder(w).Encode(inlineResultPayload("ok"))
	})

	if w := doRequest(s, http.MethodGet, "/chat/v2?query=hello"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotAgent != "configured-agent" {
		t.Fatalf("agent_id = %q, want configured-agent", gotAgent)
	}

	if w := doRequest(s, http.MethodGet, "/chat/v2?query=hello&agent_id=explicit"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotAgent != "explicit" {
		t.Fatalf("agent_id = %q, want explicit override", gotAgent)
	}
}

func TestChatIncludeRaw(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(inlineResultPayload("ok"))
	})

	w := doRequest(s, http.MethodGet, "/chat/v2?query=hello&include_raw=1")
	if !strings.Contains(w.Body.String(), `"raw"`) {
		t.Fatalf("body = %q, want raw payload included", w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/chat/v2?query=hello")
	if strings.Contains(w.Body.String(), `"raw"`) {
		t.Fatalf("body = %q, want raw payload omitted by default", w.Body.String())
	}
}

func TestChatMirrorsUpstreamError(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance window"))
	})

	w := doRequest(s, http.MethodGet, "/chat/v2?query=hello")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 mirrored from upstream", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Upstream error: maintenance window") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestChatRunFailure(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "run-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "reason": "tool exploded"})
	})

	w := doRequest(s, http.MethodGet, "/chat/v2?query=hello")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Run failed:") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestChatStreamInlineResult(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(inlineResultPayload("streamed answer"))
	})

	w := doRequest(s, http.MethodGet, "/chat?query=hello")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: status") || !strings.Contains(body, `"status":"submitted"`) {
		t.Fatalf("body missing submitted status event:\n%s", body)
	}
	if !strings.Contains(body, "event: message") || !strings.Contains(body, "streamed answer") {
		t.Fatalf("body missing message event:\n%s", body)
	}
}

func TestChatStreamPolledRun(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "run-5", "thread_id": "th-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "response": "polled stream answer"})
	})

	w := doRequest(s, http.MethodGet, "/chat?query=hello")
	body := w.Body.String()
	if !strings.Contains(body, `"status":"queued"`) || !strings.Contains(body, `"run_id":"run-5"`) {
		t.Fatalf("body missing queued status event:\n%s", body)
	}
	if !strings.Contains(body, "event: message") || !strings.Contains(body, "polled stream answer") {
		t.Fatalf("body missing final message event:\n%s", body)
	}
}

func TestChatStreamUpstreamError(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("runtime down"))
	})

	w := doRequest(s, http.MethodGet, "/chat?query=hello")
	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Fatalf("body missing error event:\n%s", body)
	}
	if !strings.Contains(body, "Upstream error: runtime down") {
		t.Fatalf("body = %q", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		t.Error("runtime should not be called")
	})

	w := doRequest(s, http.MethodOptions, "/chat/v2")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "GET") {
		t.Fatalf("CORS methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestChatRejectsPost(t *testing.T) {
	s := newTestServer(t, "agent-1", func(w http.ResponseWriter, r *http.Request) {
		t.Error("runtime should not be called")
	})

	w := doRequest(s, http.MethodPost, "/chat/v2?query=hello")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}
