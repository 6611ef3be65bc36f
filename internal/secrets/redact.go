package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces redacted values in log output.
const Placeholder = "***REDACTED***"

type secretSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func (s *secretSet) snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// RedactFilter wraps a slog handler and scrubs registered secret values from
// messages and string-like attributes, including grouped and pre-bound ones.
// Handlers derived through WithAttrs or WithGroup share the parent's secrets.
type RedactFilter struct {
	inner   slog.Handler
	secrets *secretSet
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		secrets: &secretSet{values: make(map[string]struct{})},
	}
}

// AddSecret registers a value to be redacted from log output.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.secrets.mu.Lock()
	defer f.secrets.mu.Unlock()
	f.secrets.values[value] = struct{}{}
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts the record and passes it on.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.secrets.snapshot()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, redacted)
}

// WithAttrs redacts the bound attributes with the secrets known now.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.secrets.snapshot()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(clean), secrets: f.secrets}
}

// WithGroup delegates to the inner handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), secrets: f.secrets}
}

// RedactString replaces any known secret values in s with Placeholder.
func (f *RedactFilter) RedactString(s string) string {
	return scrub(s, f.secrets.snapshot())
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, scrub(x.Error(), secrets))
		case fmt.Stringer:
			return slog.String(a.Key, scrub(x.String(), secrets))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}
