package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szaher/chatrelay/internal/frontend"
	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/session"
	"github.com/szaher/chatrelay/internal/telemetry"
)

func newTestServer(t *testing.T, client llm.Client, opts ...ServerOption) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := relay.New(client, relay.DefaultPolicy(), relay.WithLogger(logger))
	mgr := session.NewManager(session.NewMemoryStore(), r, logger)
	opts = append([]ServerOption{WithLogger(logger), WithCORSOrigins([]string{"*"})}, opts...)
	srv := httptest.NewServer(NewServer(mgr, r, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("%s %s: Content-Type = %q", method, path, ct)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func startSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	code, body := do(t, srv, http.MethodPost, "/session/start", "")
	if code != http.StatusCreated {
		t.Fatalf("start: status %d", code)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatalf("start: no session_id in %v", body)
	}
	return id
}

func messageBody(id, msg string) string {
	b, _ := json.Marshal(map[string]string{"session_id": id, "message": msg})
	return string(b)
}

func TestServerConversationFlow(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "Hi! How can I help?"})
	srv := newTestServer(t, mock)

	code, body := do(t, srv, http.MethodPost, "/session/start", "")
	if code != http.StatusCreated || body["success"] != true || body["message"] != msgSessionStarted {
		t.Fatalf("start: %d %v", code, body)
	}
	id := body["session_id"].(string)

	code, body = do(t, srv, http.MethodPost, "/session/message", messageBody(id, "Hello"))
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("message: %d %v", code, body)
	}
	if body["response"] != "Hi! How can I help?" || body["session_id"] != id {
		t.Errorf("message body = %v", body)
	}

	code, body = do(t, srv, http.MethodGet, "/session/history/"+id, "")
	if code != http.StatusOK {
		t.Fatalf("history: %d %v", code, body)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("history = %v", msgs)
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if first["role"] != "user" || first["content"] != "Hello" {
		t.Errorf("first turn = %v", first)
	}
	if second["role"] != "assistant" || second["content"] != "Hi! How can I help?" {
		t.Errorf("second turn = %v", second)
	}

	code, body = do(t, srv, http.MethodDelete, "/session/history/"+id, "")
	if code != http.StatusOK || body["message"] != msgHistoryCleared {
		t.Fatalf("clear: %d %v", code, body)
	}

	_, body = do(t, srv, http.MethodGet, "/session/history/"+id, "")
	if msgs, ok := body["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("history after clear = %v (want empty array, not null)", body["messages"])
	}
}

func TestServerLegacyRoutes(t *testing.T) {
	srv := newTestServer(t, llm.NewMockClient(llm.MockResponse{Content: "ok"}))

	code, body := do(t, srv, http.MethodPost, "/api/chat/start", "")
	if code != http.StatusCreated {
		t.Fatalf("start: %d", code)
	}
	id := body["session_id"].(string)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/chat/message", messageBody(id, "Hi"), http.StatusOK},
		{http.MethodGet, "/api/chat/history/" + id, "", http.StatusOK},
		{http.MethodDelete, "/api/chat/clear/" + id, "", http.StatusOK},
		{http.MethodGet, "/api/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if code, body := do(t, srv, tt.method, tt.path, tt.body); code != tt.want || body["success"] != true {
				t.Errorf("got %d %v", code, body)
			}
		})
	}
}

func TestServerMessageErrors(t *testing.T) {
	mock := llm.NewMockClient(llm.MockResponse{Content: "unused"})
	srv := newTestServer(t, mock)
	id := startSession(t, srv)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"no body", "", http.StatusBadRequest, errMissingFields},
		{"invalid json", "{", http.StatusBadRequest, errMissingFields},
		{"missing message", `{"session_id":"` + id + `"}`, http.StatusBadRequest, errMissingFields},
		{"missing session", `{"message":"Hello"}`, http.StatusBadRequest, errMissingFields},
		{"non-string message", `{"session_id":"` + id + `","message":42}`, http.StatusBadRequest, errMissingFields},
		{"empty message", messageBody(id, ""), http.StatusBadRequest, errEmptyMessage},
		{"whitespace message", messageBody(id, "   "), http.StatusBadRequest, errEmptyMessage},
		{"unknown session", messageBody("2f1c7a52-8d0e-4b8e-9a3b-3c2f0f5d9e11", "Hello"), http.StatusNotFound, errInvalidSession},
		{"garbage session", messageBody("nope", "Hello"), http.StatusNotFound, errInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, http.MethodPost, "/session/message", tt.body)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if body["success"] != false || body["error"] != tt.wantErr {
				t.Errorf("body = %v, want error %q", body, tt.wantErr)
			}
		})
	}

	if n := len(mock.Calls()); n != 0 {
		t.Errorf("provider called %d times for rejected requests", n)
	}
}

func TestServerUnknownSession(t *testing.T) {
	srv := newTestServer(t, nil)
	const id = "2f1c7a52-8d0e-4b8e-9a3b-3c2f0f5d9e11"

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/session/history/" + id},
		{http.MethodDelete, "/session/history/" + id},
		{http.MethodGet, "/api/chat/history/" + id},
		{http.MethodDelete, "/api/chat/clear/" + id},
	} {
		code, body := do(t, srv, tt.method, tt.path, "")
		if code != http.StatusNotFound || body["success"] != false || body["error"] != errSessionNotFound {
			t.Errorf("%s %s: %d %v", tt.method, tt.path, code, body)
		}
	}
}

func TestServerProviderFailureIsNotHTTPError(t *testing.T) {
	quota := &llm.APIError{Provider: llm.ProviderOpenAI, StatusCode: 429, Code: "insufficient_quota"}
	srv := newTestServer(t, llm.NewMockClient(llm.MockResponse{Error: quota}))
	id := startSession(t, srv)

	code, body := do(t, srv, http.MethodPost, "/session/message", messageBody(id, "Hello"))
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("status %d body %v", code, body)
	}
	if body["response"] != relay.Fallback(relay.CategoryQuotaExceeded) {
		t.Errorf("response = %v", body["response"])
	}
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	startSession(t, srv)
	startSession(t, srv)

	for _, path := range []string{"/health", "/api/health"} {
		code, body := do(t, srv, http.MethodGet, path, "")
		if code != http.StatusOK {
			t.Fatalf("%s: status %d", path, code)
		}
		if body["status"] != "healthy" || body["service"] != ServiceName {
			t.Errorf("%s: %v", path, body)
		}
		if body["active_session_count"] != float64(2) || body["active_sessions"] != float64(2) {
			t.Errorf("%s: session count = %v", path, body["active_session_count"])
		}
		if body["provider_available"] != false {
			t.Errorf("%s: provider_available = %v", path, body["provider_available"])
		}
	}
}

func TestServerNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/nope"},
		{http.MethodGet, "/session/start"},
		{http.MethodPut, "/session/history/abc"},
		{http.MethodGet, "/"},
	} {
		code, body := do(t, srv, tt.method, tt.path, "")
		if code != http.StatusNotFound || body["success"] != false || body["error"] != errNotFound {
			t.Errorf("%s %s: %d %v", tt.method, tt.path, code, body)
		}
	}
}

func TestServerUI(t *testing.T) {
	srv := newTestServer(t, nil, WithUI(frontend.NewHandler()))

	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("GET / = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	code, body := do(t, srv, http.MethodGet, "/missing", "")
	if code != http.StatusNotFound || body["error"] != errNotFound {
		t.Errorf("unknown route with UI enabled: %d %v", code, body)
	}
}

func TestServerRecoversPanics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(session.NewManager(session.NewMemoryStore(), panicResponder{}, logger), relay.New(nil, relay.DefaultPolicy()), WithLogger(logger))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	id := startSession(t, srv)
	code, body := do(t, srv, http.MethodPost, "/session/message", messageBody(id, "boom"))
	if code != http.StatusInternalServerError || body["success"] != false || body["error"] != errInternal {
		t.Errorf("panic: %d %v", code, body)
	}
}

type panicResponder struct{}

func (panicResponder) Respond(context.Context, []llm.Message, string) relay.Reply {
	panic("responder exploded")
}

func TestServerCorrelationID(t *testing.T) {
	srv := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "trace-123" {
		t.Errorf("echoed id = %q", got)
	}

	resp, err = srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); len(got) != 26 {
		t.Errorf("generated id = %q, want ULID", got)
	}
}

func TestServerCORS(t *testing.T) {
	srv := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/session/message", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestServerCORSAllowList(t *testing.T) {
	srv := newTestServer(t, nil, WithCORSOrigins([]string{"https://chat.example.com"}))

	for _, tt := range []struct {
		origin string
		want   string
	}{
		{"https://chat.example.com", "https://chat.example.com"},
		{"https://evil.example.com", ""},
	} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
		req.Header.Set("Origin", tt.origin)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestServerBodyLimit(t *testing.T) {
	srv := newTestServer(t, llm.NewMockClient(llm.MockResponse{Content: "ok"}))
	id := startSession(t, srv)

	huge := messageBody(id, strings.Repeat("a", maxBodyBytes+1))
	code, body := do(t, srv, http.MethodPost, "/session/message", huge)
	if code != http.StatusBadRequest || body["error"] != errMissingFields {
		t.Errorf("oversized body: %d %v", code, body)
	}
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.MustNewMetrics(reg)
	srv := newTestServer(t, llm.NewMockClient(llm.MockResponse{Content: "ok"}), WithMetrics(metrics, reg))

	id := startSession(t, srv)
	do(t, srv, http.MethodPost, "/session/message", messageBody(id, "Hello"))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)

	for _, want := range []string{
		`chatrelay_http_requests_total{code="2xx",method="POST",route="POST /session/start"} 1`,
		`chatrelay_sessions_active 1`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
