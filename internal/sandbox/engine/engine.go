// Package engine provides the sandbox backends that execute one RunSpec
// inside an isolated, resource-bounded environment.
package engine

import (
	"context"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
)

// Backend executes a RunSpec inside a sandbox. Implementations: the direct
// Linux backend (this package) and a stub for unsupported platforms; there
// is no container or remote backend.
type Backend interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error)
	Kill(ctx context.Context, submissionID string) error
}
