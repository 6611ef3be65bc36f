package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient(t *testing.T) {
	var gotMessage map[string]string
	var gotRequestID string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"session_id":"abc","message":"ok"}`))
	})
	mux.HandleFunc("POST /session/message", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotMessage)
		_, _ = w.Write([]byte(`{"success":true,"response":"Hi!","session_id":"abc"}`))
	})
	mux.HandleFunc("GET /session/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "abc" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":"Session not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"messages":[{"role":"user","content":"Hello"},{"role":"assistant","content":"Hi!"}]}`))
	})
	mux.HandleFunc("DELETE /session/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"message":"Chat history cleared successfully"}`))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"status":"healthy","service":"chatrelay","active_session_count":3,"provider_available":true,"uptime":"1m0s"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", WithRequestID("req-9"))

	id, err := c.Start(ctx)
	if err != nil || id != "abc" {
		t.Fatalf("Start = %q, %v", id, err)
	}
	if gotRequestID != "req-9" {
		t.Errorf("X-Request-ID = %q", gotRequestID)
	}

	reply, err := c.Send(ctx, id, "Hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Response != "Hi!" || reply.SessionID != "abc" {
		t.Errorf("reply = %+v", reply)
	}
	if gotMessage["session_id"] != "abc" || gotMessage["message"] != "Hello" {
		t.Errorf("request body = %v", gotMessage)
	}

	history, err := c.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0] != (Message{Role: "user", Content: "Hello"}) {
		t.Errorf("history = %+v", history)
	}

	if err := c.Clear(ctx, id); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.ActiveSessionCount != 3 || !health.ProviderAvailable {
		t.Errorf("health = %+v", health)
	}

	_, err = c.History(ctx, "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Session not found" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClientNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected APIError 502, got %v", err)
	}
}
