// Package memory selects which part of a conversation history is sent to the
// provider on each call.
package memory

import (
	"github.com/szaher/chatrelay/internal/llm"
)

// Selector picks the turns of a history that make up the prompt window.
// Implementations must return a fresh slice in chronological order and must
// not modify the history they are given.
type Selector interface {
	Select(history []llm.Message) []llm.Message
}
