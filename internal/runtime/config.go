// Package runtime wires the chat relay into an HTTP service and manages its
// lifecycle.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/secrets"
)

// Environment variables that override the config file.
const (
	EnvListen           = "CHATRELAY_LISTEN"
	EnvProvider         = "CHATRELAY_PROVIDER"
	EnvModel            = "CHATRELAY_MODEL"
	EnvBaseURL          = "CHATRELAY_BASE_URL"
	EnvAPIKeyRef        = "CHATRELAY_API_KEY_REF"
	EnvLogLevel         = "CHATRELAY_LOG_LEVEL"
	EnvSystemPromptFile = "CHATRELAY_SYSTEM_PROMPT_FILE"
	EnvMaxSessions      = "CHATRELAY_MAX_SESSIONS"
	EnvIdleTTL          = "CHATRELAY_IDLE_TTL"
)

// Duration is a time.Duration that reads "90s"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the service configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	Provider ProviderConfig `yaml:"provider"`
	Relay    RelayConfig    `yaml:"relay"`
	Sessions SessionsConfig `yaml:"sessions"`
	Server   ServerConfig   `yaml:"server"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig selects the completion provider.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	// APIKey is a secret reference such as env(OPENAI_API_KEY), never the key.
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// RelayConfig holds the generation policy.
type RelayConfig struct {
	SystemPrompt     string       `yaml:"system_prompt"`
	SystemPromptFile string       `yaml:"system_prompt_file"`
	Window           int          `yaml:"window"`
	MaxTokens        int          `yaml:"max_tokens"`
	Temperature      float64      `yaml:"temperature"`
	TopP             float64      `yaml:"top_p"`
	FrequencyPenalty float64      `yaml:"frequency_penalty"`
	PresencePenalty  float64      `yaml:"presence_penalty"`
	Rules            []relay.Rule `yaml:"rules"`
}

// SessionsConfig bounds session retention. Zero values keep every session for
// the life of the process.
type SessionsConfig struct {
	MaxSessions   int      `yaml:"max_sessions"`
	IdleTTL       Duration `yaml:"idle_ttl"`
	SweepSchedule string   `yaml:"sweep_schedule"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	CORSOrigins     []string `yaml:"cors_origins"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	p := relay.DefaultPolicy()
	return Config{
		Listen: ":5000",
		Log:    LogConfig{Level: "info", Format: "json"},
		Provider: ProviderConfig{
			Name:    string(llm.ProviderOpenAI),
			Model:   p.Model,
			Timeout: Duration(p.Timeout),
		},
		Relay: RelayConfig{
			SystemPrompt:     p.SystemPrompt,
			Window:           p.Window,
			MaxTokens:        p.MaxTokens,
			Temperature:      p.Temperature,
			TopP:             p.TopP,
			FrequencyPenalty: p.FrequencyPenalty,
			PresencePenalty:  p.PresencePenalty,
		},
		Sessions: SessionsConfig{SweepSchedule: "@every 1m"},
		Server: ServerConfig{
			CORSOrigins:     []string{"*"},
			ReadTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// LoadConfig reads path (optional) over the defaults, then applies environment
// overrides. Resolution order: environment variable, config file, default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.fillProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvListen, &c.Listen)
	str(EnvProvider, &c.Provider.Name)
	str(EnvModel, &c.Provider.Model)
	str(EnvBaseURL, &c.Provider.BaseURL)
	str(EnvAPIKeyRef, &c.Provider.APIKey)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvSystemPromptFile, &c.Relay.SystemPromptFile)

	if v, ok := lookup(EnvMaxSessions); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: expected integer, got %q", EnvMaxSessions, v)
		}
		c.Sessions.MaxSessions = n
	}
	if v, ok := lookup(EnvIdleTTL); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvIdleTTL, err)
		}
		c.Sessions.IdleTTL = Duration(d)
	}
	return nil
}

// fillProviderDefaults picks the credential reference for the provider when
// none was configured.
func (c *Config) fillProviderDefaults() {
	if c.Provider.APIKey != "" {
		return
	}
	switch llm.Provider(strings.ToLower(c.Provider.Name)) {
	case llm.ProviderAnthropic:
		c.Provider.APIKey = secrets.EnvReference("ANTHROPIC_API_KEY")
	case llm.ProviderOpenAI:
		c.Provider.APIKey = secrets.EnvReference("OPENAI_API_KEY")
	}
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch llm.Provider(strings.ToLower(c.Provider.Name)) {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("provider.name: unknown provider %q", c.Provider.Name))
	}
	if c.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if c.Provider.APIKey != "" && !secrets.IsReference(c.Provider.APIKey) {
		errs = append(errs, errors.New("provider.api_key must be a reference like env(OPENAI_API_KEY), not a literal key"))
	}
	if c.Provider.Timeout < 0 {
		errs = append(errs, errors.New("provider.timeout must not be negative"))
	}
	if c.Relay.Window < 0 {
		errs = append(errs, errors.New("relay.window must not be negative"))
	}
	if c.Relay.MaxTokens < 0 {
		errs = append(errs, errors.New("relay.max_tokens must not be negative"))
	}
	if c.Relay.Temperature < 0 || c.Relay.Temperature > 2 {
		errs = append(errs, fmt.Errorf("relay.temperature %v out of range [0, 2]", c.Relay.Temperature))
	}
	if c.Relay.TopP < 0 || c.Relay.TopP > 1 {
		errs = append(errs, fmt.Errorf("relay.top_p %v out of range [0, 1]", c.Relay.TopP))
	}
	for i, r := range c.Relay.Rules {
		if _, err := relay.ParseCategory(string(r.Category)); err != nil {
			errs = append(errs, fmt.Errorf("relay.rules[%d]: %w", i, err))
		}
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, errors.New("sessions.max_sessions must not be negative"))
	}
	if c.Sessions.IdleTTL < 0 {
		errs = append(errs, errors.New("sessions.idle_ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// ProviderSettings converts the provider section for llm.NewClient. apiKey is
// the resolved credential.
func (c Config) ProviderSettings(apiKey string) llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: llm.Provider(strings.ToLower(c.Provider.Name)),
		Model:    c.Provider.Model,
		BaseURL:  c.Provider.BaseURL,
		APIKey:   apiKey,
	}
}

// Policy converts the relay section into a generation policy. The prompt file,
// when set, is read by the caller and takes precedence over SystemPrompt.
func (c Config) Policy() relay.Policy {
	prompt := c.Relay.SystemPrompt
	if prompt == "" {
		prompt = relay.DefaultSystemPrompt
	}
	return relay.Policy{
		Model:            c.Provider.Model,
		SystemPrompt:     prompt,
		Window:           c.Relay.Window,
		MaxTokens:        c.Relay.MaxTokens,
		Temperature:      c.Relay.Temperature,
		TopP:             c.Relay.TopP,
		FrequencyPenalty: c.Relay.FrequencyPenalty,
		PresencePenalty:  c.Relay.PresencePenalty,
		Timeout:          c.Provider.Timeout.Std(),
	}
}
