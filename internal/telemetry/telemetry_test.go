package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/szaher/chatrelay/internal/llm"
)

func TestCorrelationID(t *testing.T) {
	t.Run("generated when empty", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "")
		id := CorrelationID(ctx)
		if len(id) != 26 {
			t.Errorf("expected 26-char ULID, got %q", id)
		}
	})

	t.Run("preserved when given", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "req-1")
		if got := CorrelationID(ctx); got != "req-1" {
			t.Errorf("expected req-1, got %q", got)
		}
	})

	t.Run("absent", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("unique", func(t *testing.T) {
		if NewCorrelationID() == NewCorrelationID() {
			t.Error("expected distinct ids")
		}
	})
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	ctx := WithCorrelationID(context.Background(), "abc")

	RequestLogger(logger, ctx, "session_id", "s1").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log: %v", err)
	}
	if entry["correlation_id"] != "abc" {
		t.Errorf("correlation_id = %v", entry["correlation_id"])
	}
	if entry["session_id"] != "s1" {
		t.Errorf("session_id = %v", entry["session_id"])
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelDebug, "text").Debug("visible", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveRequest("/api/chat/start", "POST", 201, 10*time.Millisecond)
	m.ObserveRequest("/api/chat/start", "POST", 404, time.Millisecond)
	m.ObserveCompletion("ok", time.Second, llm.TokenUsage{InputTokens: 12, OutputTokens: 30})
	m.ObserveCompletion("quota_exceeded", time.Second, llm.TokenUsage{})
	m.SetActiveSessions(3)
	m.IncEvicted()

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("/api/chat/start", "POST", "2xx")); got != 1 {
		t.Errorf("2xx requests = %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("/api/chat/start", "POST", "4xx")); got != 1 {
		t.Errorf("4xx requests = %v", got)
	}
	if got := testutil.ToFloat64(m.completionsTotal.WithLabelValues("quota_exceeded")); got != 1 {
		t.Errorf("quota completions = %v", got)
	}
	if got := testutil.ToFloat64(m.tokensTotal.WithLabelValues("output")); got != 30 {
		t.Errorf("output tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 3 {
		t.Errorf("active sessions = %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsEvicted); got != 1 {
		t.Errorf("evicted = %v", got)
	}
}

func TestMetricsReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncEvicted()
	second.IncEvicted()

	if got := testutil.ToFloat64(first.sessionsEvicted); got != 2 {
		t.Errorf("expected shared counter at 2, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/", "GET", 200, 0)
	m.ObserveCompletion("ok", 0, llm.TokenUsage{})
	m.SetActiveSessions(1)
	m.IncEvicted()
}
