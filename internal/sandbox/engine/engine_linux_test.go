//go:build linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
)

// These tests exercise the real backend and need the sandbox-init helper on
// PATH; they are skipped elsewhere (CI units run against the fake backends).
func requireHelper(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sandbox-init")
	if err != nil {
		t.Skip("sandbox-init helper not installed")
	}
	return path
}

func newTestBackend(t *testing.T) Backend {
	t.Helper()
	helper := requireHelper(t)
	backend, err := NewBackend(Config{
		HelperPath:       helper,
		EnableNamespaces: false,
		EnableCgroup:     false,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return backend
}

func prepareDir(t *testing.T, stdin string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	stdinPath := filepath.Join(dir, "input")
	if err := os.WriteFile(stdinPath, []byte(stdin), 0644); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	return dir, stdinPath
}

func baseLimits() spec.ResourceLimits {
	return spec.ResourceLimits{
		CPUTime:      2.0,
		CPUExtraTime: 0.5,
		WallTime:     5.0,
		MemoryKB:     256 * 1024,
		StackKB:      64 * 1024,
		MaxFileKB:    1024,
		MaxProcesses: 16,
	}
}

func TestBackendRunsEcho(t *testing.T) {
	backend := newTestBackend(t)
	dir, stdinPath := prepareDir(t, "")

	outcome, err := backend.Run(context.Background(), spec.RunSpec{
		SubmissionID: "it-echo",
		Phase:        "run-1",
		WorkDir:      dir,
		Cmd:          []string{"echo", "hello"},
		StdinPath:    stdinPath,
		Limits:       baseLimits(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Termination.Kind != result.TerminationExited || outcome.ExitCode != 0 {
		t.Fatalf("unexpected termination: %+v", outcome.Termination)
	}
	if strings.TrimSpace(string(outcome.Stdout)) != "hello" {
		t.Fatalf("stdout mismatch: %q", outcome.Stdout)
	}
}

func TestBackendStdinReachesChild(t *testing.T) {
	backend := newTestBackend(t)
	dir, stdinPath := prepareDir(t, "Alice\n")

	outcome, err := backend.Run(context.Background(), spec.RunSpec{
		SubmissionID: "it-stdin",
		Phase:        "run-1",
		WorkDir:      dir,
		Cmd:          []string{"cat"},
		StdinPath:    stdinPath,
		Limits:       baseLimits(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(outcome.Stdout) != "Alice\n" {
		t.Fatalf("stdin was not forwarded: %q", outcome.Stdout)
	}
}

func TestBackendWallLimit(t *testing.T) {
	backend := newTestBackend(t)
	dir, stdinPath := prepareDir(t, "")

	limits := baseLimits()
	limits.WallTime = 1.0

	start := time.Now()
	outcome, err := backend.Run(context.Background(), spec.RunSpec{
		SubmissionID: "it-wall",
		Phase:        "run-1",
		WorkDir:      dir,
		Cmd:          []string{"sleep", "30"},
		StdinPath:    stdinPath,
		Limits:       limits,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Termination.Kind != result.TerminationWallLimit {
		t.Fatalf("expected wall limit, got %s", outcome.Termination.Kind)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("kill was not prompt: %s", elapsed)
	}
}

func TestBackendSpawnFailureIsDistinct(t *testing.T) {
	backend := newTestBackend(t)
	dir, stdinPath := prepareDir(t, "")

	outcome, err := backend.Run(context.Background(), spec.RunSpec{
		SubmissionID: "it-missing",
		Phase:        "run-1",
		WorkDir:      dir,
		Cmd:          []string{"definitely-not-a-binary"},
		StdinPath:    stdinPath,
		Limits:       baseLimits(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Termination.Kind != result.TerminationSpawnFailed {
		t.Fatalf("expected spawn failure, got %s", outcome.Termination.Kind)
	}
	if outcome.Termination.Reason == "" {
		t.Fatalf("spawn failure lost its reason")
	}
}
