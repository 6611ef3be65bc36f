// Package secrets resolves credential references and keeps resolved values
// out of log output.
package secrets

import (
	"context"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference and returns its value. It returns
	// an error wrapping ErrNotSet when the reference is well formed but has
	// no value.
	Resolve(ctx context.Context, ref string) (string, error)
}
