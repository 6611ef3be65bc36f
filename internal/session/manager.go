package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// Responder produces the assistant turn for a history plus a new message.
// *relay.Relay implements it.
type Responder interface {
	Respond(ctx context.Context, history []llm.Message, userMessage string) relay.Reply
}

// Manager runs message exchanges against a Store, allowing at most one
// in-flight exchange per session.
type Manager struct {
	store     Store
	responder Responder
	logger    *slog.Logger
}

// NewManager creates a session manager.
func NewManager(store Store, responder Responder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, responder: responder, logger: logger}
}

// Start creates a new session and returns its ID.
func (m *Manager) Start(ctx context.Context) (string, error) {
	sess, err := m.store.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	telemetry.RequestLogger(m.logger, ctx).Info("session started", "session_id", sess.ID)
	return sess.ID, nil
}

// Send runs one exchange: it reads the history, asks the responder, and appends
// the user and assistant turns together. Provider failures surface as fallback
// text in the reply, never as an error.
func (m *Manager) Send(ctx context.Context, id, message string) (relay.Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return relay.Reply{}, ErrEmptyMessage
	}
	if !ValidID(id) {
		return relay.Reply{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	release, err := m.store.Lock(ctx, id)
	if err != nil {
		return relay.Reply{}, err
	}
	defer release()

	history, err := m.store.Get(ctx, id)
	if err != nil {
		return relay.Reply{}, err
	}

	reply := m.responder.Respond(ctx, history, message)

	err = m.store.Append(ctx, id,
		llm.Message{Role: llm.RoleUser, Content: message},
		llm.Message{Role: llm.RoleAssistant, Content: reply.Text},
	)
	if err != nil {
		return relay.Reply{}, err
	}

	telemetry.RequestLogger(m.logger, ctx).Info("message exchanged",
		"session_id", id,
		"category", string(reply.Category),
		"history_len", len(history)+2,
	)
	return reply, nil
}

// History returns the session's turns in order.
func (m *Manager) History(ctx context.Context, id string) ([]llm.Message, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.store.Get(ctx, id)
}

// Clear empties the session's history. It waits for an exchange in flight on
// the same session so the clear is not undone by its append.
func (m *Manager) Clear(ctx context.Context, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	release, err := m.store.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if err := m.store.Clear(ctx, id); err != nil {
		return err
	}
	telemetry.RequestLogger(m.logger, ctx).Info("session cleared", "session_id", id)
	return nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	return m.store.Len()
}
