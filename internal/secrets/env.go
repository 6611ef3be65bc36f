package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
)

// ErrNotSet is returned when a referenced secret has no value.
var ErrNotSet = errors.New("secret not set")

var envRef = regexp.MustCompile(`^env\(([A-Za-z_][A-Za-z0-9_]*)\)$`)

// EnvReference formats name as an env() reference.
func EnvReference(name string) string {
	return "env(" + name + ")"
}

// IsReference reports whether ref is a well-formed env(VAR_NAME) reference.
func IsReference(ref string) bool {
	return envRef.MatchString(ref)
}

// EnvResolver resolves secret references of the form "env(VAR_NAME)"
// by reading from environment variables.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve looks up an env() reference and returns the value. Unset and empty
// variables both yield ErrNotSet.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	m := envRef.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}

	value, ok := r.lookup(m[1])
	if !ok || value == "" {
		return "", fmt.Errorf("environment variable %q: %w", m[1], ErrNotSet)
	}
	return value, nil
}
