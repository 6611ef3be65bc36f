package memory

import (
	"github.com/szaher/chatrelay/internal/llm"
)

// DefaultWindow is the number of most recent turns kept in a prompt.
const DefaultWindow = 20

// SlidingWindow keeps the most recent MaxMessages turns and silently drops the
// rest. Nothing is summarized; long conversations lose their early context.
type SlidingWindow struct {
	maxMessages int
}

// NewSlidingWindow creates a sliding window selector.
// maxMessages <= 0 selects DefaultWindow.
func NewSlidingWindow(maxMessages int) *SlidingWindow {
	if maxMessages <= 0 {
		maxMessages = DefaultWindow
	}
	return &SlidingWindow{maxMessages: maxMessages}
}

// MaxMessages returns the window size.
func (s *SlidingWindow) MaxMessages() int {
	return s.maxMessages
}

// Select returns the last min(len(history), MaxMessages) turns.
func (s *SlidingWindow) Select(history []llm.Message) []llm.Message {
	start := 0
	if len(history) > s.maxMessages {
		start = len(history) - s.maxMessages
	}
	result := make([]llm.Message, len(history)-start)
	copy(result, history[start:])
	return result
}
