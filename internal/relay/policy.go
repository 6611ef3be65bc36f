package relay

import (
	"time"

	"github.com/szaher/chatrelay/internal/memory"
)

// Generation policy defaults. They are fixed per process, not per request.
const (
	DefaultModel            = "gpt-4o"
	DefaultWindow           = memory.DefaultWindow
	DefaultMaxTokens        = 1000
	DefaultTemperature      = 0.7
	DefaultTopP             = 1.0
	DefaultFrequencyPenalty = 0.1
	DefaultPresencePenalty  = 0.1
	DefaultTimeout          = 60 * time.Second
)

// DefaultSystemPrompt is the persona sent ahead of every prompt window.
const DefaultSystemPrompt = "You are a helpful AI assistant. You provide clear, accurate, and helpful responses to user questions. " +
	"Be conversational but professional. If you're unsure about something, say so rather than guessing. " +
	"Keep your responses concise but informative."

// Policy holds the constants that shape every provider call.
type Policy struct {
	Model            string
	SystemPrompt     string
	Window           int
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	// Timeout bounds a single provider call. Zero disables the bound.
	Timeout time.Duration
}

// DefaultPolicy returns the reference generation policy.
func DefaultPolicy() Policy {
	return Policy{
		Model:            DefaultModel,
		SystemPrompt:     DefaultSystemPrompt,
		Window:           DefaultWindow,
		MaxTokens:        DefaultMaxTokens,
		Temperature:      DefaultTemperature,
		TopP:             DefaultTopP,
		FrequencyPenalty: DefaultFrequencyPenalty,
		PresencePenalty:  DefaultPresencePenalty,
		Timeout:          DefaultTimeout,
	}
}
