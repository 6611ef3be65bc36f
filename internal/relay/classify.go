package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/szaher/chatrelay/internal/llm"
)

// Category is the outcome of a provider call as seen by the user.
type Category string

const (
	CategoryOK            Category = "ok"
	CategoryUnavailable   Category = "unavailable"
	CategoryQuotaExceeded Category = "quota_exceeded"
	CategoryAuthInvalid   Category = "auth_invalid"
	CategoryRateLimited   Category = "rate_limited"
	CategoryTransient     Category = "transient"
)

var fallbacks = map[Category]string{
	CategoryUnavailable:   "Sorry, the AI service is not available. Please check the API configuration.",
	CategoryQuotaExceeded: "Sorry, the AI service quota has been exceeded. Please try again later.",
	CategoryAuthInvalid:   "Sorry, there's an issue with the AI service authentication.",
	CategoryRateLimited:   "Sorry, too many requests. Please wait a moment and try again.",
	CategoryTransient:     "Sorry, I encountered an error while processing your request. Please try again.",
}

// Fallback returns the user-safe text substituted for a failed provider call.
// Unknown categories get the generic retry notice.
func Fallback(c Category) string {
	if text, ok := fallbacks[c]; ok {
		return text
	}
	return fallbacks[CategoryTransient]
}

// ParseCategory validates a failure category name from configuration.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, ok := fallbacks[c]; !ok || c == CategoryUnavailable {
		return "", fmt.Errorf("unknown failure category %q", s)
	}
	return c, nil
}

// Classifier maps a provider error to a failure category.
type Classifier interface {
	Classify(err error) Category
}

// Rule matches provider errors with an expr boolean expression evaluated
// against RuleEnv.
type Rule struct {
	Category Category `yaml:"category" json:"category"`
	When     string   `yaml:"when" json:"when"`
}

// RuleEnv is the environment rules are evaluated against. Kind is the
// provider's error type. Message is the full error text, so substrings of the
// kind and code are visible there too.
type RuleEnv struct {
	Provider string `expr:"provider"`
	Status   int    `expr:"status"`
	Kind     string `expr:"kind"`
	Code     string `expr:"code"`
	Message  string `expr:"message"`
}

// DefaultRules classify OpenAI and Anthropic failures. Order matters: OpenAI
// reports exhausted quota with HTTP 429, so quota is checked before rate limits.
var DefaultRules = []Rule{
	{
		Category: CategoryQuotaExceeded,
		When:     `code == "insufficient_quota" || lower(message) contains "insufficient_quota" || lower(message) contains "credit balance is too low"`,
	},
	{
		Category: CategoryAuthInvalid,
		When:     `status == 401 || code == "invalid_api_key" || kind == "authentication_error" || lower(message) contains "invalid_api_key"`,
	},
	{
		Category: CategoryRateLimited,
		When:     `status == 429 || kind == "rate_limit_error" || lower(message) contains "rate_limit"`,
	},
}

type compiledRule struct {
	category Category
	source   string
	program  *vm.Program
}

// RuleClassifier evaluates rules in order; the first match wins and errors
// matching no rule are transient.
type RuleClassifier struct {
	rules []compiledRule
}

// NewRuleClassifier compiles rules. Custom rules are consulted before
// DefaultRules so configuration can refine provider-specific matching.
func NewRuleClassifier(custom ...Rule) (*RuleClassifier, error) {
	all := make([]Rule, 0, len(custom)+len(DefaultRules))
	all = append(all, custom...)
	all = append(all, DefaultRules...)

	c := &RuleClassifier{rules: make([]compiledRule, 0, len(all))}
	for i, r := range all {
		if _, err := ParseCategory(string(r.Category)); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		program, err := expr.Compile(r.When, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): compile %q: %w", i, r.Category, r.When, err)
		}
		c.rules = append(c.rules, compiledRule{category: r.Category, source: r.When, program: program})
	}
	return c, nil
}

// MustNewRuleClassifier is NewRuleClassifier for rule sets known to compile.
func MustNewRuleClassifier(custom ...Rule) *RuleClassifier {
	c, err := NewRuleClassifier(custom...)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(err error) Category {
	if err == nil {
		return CategoryOK
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	env := RuleEnv{Message: err.Error()}
	if apiErr, ok := llm.AsAPIError(err); ok {
		env.Provider = string(apiErr.Provider)
		env.Status = apiErr.StatusCode
		env.Kind = apiErr.Type
		env.Code = apiErr.Code
	}

	for _, r := range c.rules {
		out, runErr := expr.Run(r.program, env)
		if runErr != nil {
			continue
		}
		if matched, _ := out.(bool); matched {
			return r.category
		}
	}
	return CategoryTransient
}
