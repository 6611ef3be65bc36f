// Package session holds conversation histories keyed by session id and
// serializes exchanges within a session.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/chatrelay/internal/llm"
)

var (
	// ErrNotFound is returned for ids the store does not hold.
	ErrNotFound = errors.New("session not found")
	// ErrEmptyMessage is returned when a message is blank after trimming.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// Session is a snapshot of one conversation.
type Session struct {
	ID         string        `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	Turns      []llm.Message `json:"turns"`
}

// Store maps session ids to ordered turn histories.
type Store interface {
	// Create issues a fresh id with an empty history.
	Create(ctx context.Context) (*Session, error)

	// Append adds turns to the end of a history. Multiple turns are added
	// atomically.
	Append(ctx context.Context, id string, turns ...llm.Message) error

	// Get returns a copy of the full history in order.
	Get(ctx context.Context, id string) ([]llm.Message, error)

	// Clear empties a history. The id stays valid.
	Clear(ctx context.Context, id string) error

	// Lock acquires the per-session exchange gate. The returned func releases it.
	Lock(ctx context.Context, id string) (func(), error)

	// Len returns the number of live sessions.
	Len() int

	// Sweep drops sessions idle past the store's TTL and returns how many.
	Sweep(now time.Time) int
}
