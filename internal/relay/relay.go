// Package relay turns a session history plus a new user message into a
// provider call and always produces text a user can be shown.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/memory"
	"github.com/szaher/chatrelay/internal/telemetry"
)

var errEmptyCompletion = errors.New("provider returned an empty completion")

// Recorder receives the outcome of every Respond call.
type Recorder interface {
	ObserveCompletion(outcome string, duration time.Duration, usage llm.TokenUsage)
}

// Reply is the result of a Respond call. Text is always safe to show.
type Reply struct {
	Text     string
	Category Category
	Usage    llm.TokenUsage
	Duration time.Duration
	// Err is the underlying provider failure, for logs only.
	Err error
}

// Relay assembles prompts and calls the completion provider. It holds no
// per-session state; all history is supplied by the caller.
type Relay struct {
	client     llm.Client
	policy     Policy
	selector   memory.Selector
	classifier Classifier
	recorder   Recorder
	logger     *slog.Logger
	system     atomic.Pointer[string]
}

// Option configures a Relay.
type Option func(*Relay)

// WithClassifier replaces the default rule classifier.
func WithClassifier(c Classifier) Option {
	return func(r *Relay) { r.classifier = c }
}

// WithSelector replaces the sliding window derived from Policy.Window.
func WithSelector(s memory.Selector) Option {
	return func(r *Relay) { r.selector = s }
}

// WithRecorder sets the outcome recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// New creates a relay. A nil client means no credential was configured and
// every Respond answers with the unavailable fallback.
func New(client llm.Client, policy Policy, opts ...Option) *Relay {
	if policy.MaxTokens <= 0 {
		policy.MaxTokens = DefaultMaxTokens
	}
	r := &Relay{
		client:   client,
		policy:   policy,
		selector: memory.NewSlidingWindow(policy.Window),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.classifier == nil {
		r.classifier = MustNewRuleClassifier()
	}
	r.SetSystemPrompt(policy.SystemPrompt)
	return r
}

// Available reports whether a provider client is configured.
func (r *Relay) Available() bool {
	return r.client != nil
}

// Policy returns the generation policy.
func (r *Relay) Policy() Policy {
	p := r.policy
	p.SystemPrompt = r.SystemPrompt()
	return p
}

// SystemPrompt returns the current persona.
func (r *Relay) SystemPrompt() string {
	return *r.system.Load()
}

// SetSystemPrompt swaps the persona used by subsequent calls.
func (r *Relay) SetSystemPrompt(prompt string) {
	r.system.Store(&prompt)
}

// BuildRequest assembles the provider request: the system instruction plus the
// prompt window over history followed by the new user turn. history is not
// modified.
func (r *Relay) BuildRequest(history []llm.Message, userMessage string) llm.ChatRequest {
	turns := make([]llm.Message, 0, len(history)+1)
	turns = append(turns, history...)
	if userMessage != "" {
		turns = append(turns, llm.Message{Role: llm.RoleUser, Content: userMessage})
	}

	return llm.ChatRequest{
		Model:            r.policy.Model,
		System:           r.SystemPrompt(),
		Messages:         r.selector.Select(turns),
		MaxTokens:        r.policy.MaxTokens,
		Temperature:      llm.Float(r.policy.Temperature),
		TopP:             llm.Float(r.policy.TopP),
		FrequencyPenalty: llm.Float(r.policy.FrequencyPenalty),
		PresencePenalty:  llm.Float(r.policy.PresencePenalty),
	}
}

// Respond calls the provider and returns its top choice verbatim. Provider
// failures, timeouts included, are classified and replaced by fallback text;
// Respond never fails.
func (r *Relay) Respond(ctx context.Context, history []llm.Message, userMessage string) Reply {
	logger := telemetry.RequestLogger(r.logger, ctx)

	if r.client == nil {
		r.record(CategoryUnavailable, 0, llm.TokenUsage{})
		logger.Warn("completion skipped: provider not configured")
		return Reply{Text: Fallback(CategoryUnavailable), Category: CategoryUnavailable}
	}

	req := r.BuildRequest(history, userMessage)

	callCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.client.Chat(callCtx, req)
	duration := time.Since(start)
	if err == nil && resp.Content == "" {
		err = errEmptyCompletion
	}

	if err != nil {
		category := r.classifier.Classify(err)
		r.record(category, duration, llm.TokenUsage{})
		logger.Error("completion failed",
			"category", string(category),
			"model", req.Model,
			"window", len(req.Messages),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return Reply{Text: Fallback(category), Category: category, Duration: duration, Err: err}
	}

	r.record(CategoryOK, duration, resp.Usage)
	logger.Debug("completion succeeded",
		"model", req.Model,
		"window", len(req.Messages),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", duration.Milliseconds(),
	)
	return Reply{Text: resp.Content, Category: CategoryOK, Usage: resp.Usage, Duration: duration}
}

func (r *Relay) record(category Category, duration time.Duration, usage llm.TokenUsage) {
	if r.recorder != nil {
		r.recorder.ObserveCompletion(string(category), duration, usage)
	}
}
