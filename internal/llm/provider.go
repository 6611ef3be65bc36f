package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
)

// Provider identifies a completion provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ProviderConfig selects and configures the single provider used by a process.
type ProviderConfig struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
	// HTTPTimeout bounds the transport; the relay applies its own per-call timeout.
	HTTPTimeout time.Duration
}

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"llama3.2"                 → (openai, "llama3.2") fallback
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return ProviderAnthropic, model
	}
	return ProviderOpenAI, model
}

// RequiresCredential reports whether the provider refuses anonymous calls.
func (p Provider) RequiresCredential() bool {
	return p != ProviderOllama
}

// NewClient creates the client for cfg. When the provider needs a credential
// and none is configured it returns a nil Client and no error: callers treat
// that as "service unavailable" rather than a startup failure.
func NewClient(cfg ProviderConfig) (Client, error) {
	provider := cfg.Provider
	if provider == "" {
		provider, cfg.Model = ParseModelString(cfg.Model)
	}

	if provider.RequiresCredential() && cfg.APIKey == "" {
		return nil, nil
	}

	httpClient := http.DefaultClient
	if cfg.HTTPTimeout > 0 {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	switch provider {
	case ProviderOllama:
		return NewOllamaClient(cfg.BaseURL, WithHTTPClient(httpClient)), nil
	case ProviderOpenAI:
		if cfg.BaseURL != "" {
			return NewOpenAICompatibleClient(cfg.BaseURL, cfg.APIKey, WithHTTPClient(httpClient)), nil
		}
		return NewOpenAIClient(cfg.APIKey, WithHTTPClient(httpClient)), nil
	case ProviderAnthropic:
		opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		return NewAnthropicClient(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
