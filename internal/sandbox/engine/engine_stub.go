//go:build !linux

package engine

import (
	"context"
	"fmt"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
)

type stubBackend struct{}

// NewBackend returns a backend that rejects every run on platforms without
// sandbox support.
func NewBackend(cfg Config) (Backend, error) {
	return stubBackend{}, nil
}

func (stubBackend) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error) {
	return result.RunOutcome{}, fmt.Errorf("sandbox backend is only supported on linux")
}

func (stubBackend) Kill(ctx context.Context, submissionID string) error {
	return fmt.Errorf("sandbox backend is only supported on linux")
}
