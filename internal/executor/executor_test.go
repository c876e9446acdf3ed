package executor_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/executor"
	"runbox/internal/registry"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	"runbox/internal/store"
)

// fakeBackend scripts sandbox outcomes per phase, so executor behavior is
// tested without a real sandbox.
type fakeBackend struct {
	mu           sync.Mutex
	compile      *result.RunOutcome
	runs         []result.RunOutcome
	compileCalls int
	runCalls     int
	blockRun     bool
	killed       []string
}

func (f *fakeBackend) Run(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(rs.Phase, "compile") {
		f.compileCalls++
		if f.compile != nil {
			return *f.compile, nil
		}
		return result.RunOutcome{Termination: result.Exited()}, nil
	}

	if f.blockRun {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return result.RunOutcome{
			ExitCode:    -1,
			ExitSignal:  9,
			Termination: result.Termination{Kind: result.TerminationKilled},
		}, nil
	}

	idx := f.runCalls
	f.runCalls++
	if idx < len(f.runs) {
		return f.runs[idx], nil
	}
	return result.RunOutcome{Termination: result.Exited()}, nil
}

func (f *fakeBackend) Kill(ctx context.Context, submissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, submissionID)
	return nil
}

func newExecutor(t *testing.T, backend *fakeBackend) (*executor.Executor, *store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemoryStore()
	root := t.TempDir()
	exec, err := executor.New(executor.Config{
		Backend:       backend,
		Registry:      registry.NewBuiltin(),
		Store:         st,
		WorkspaceRoot: root,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, st, root
}

func seedSubmission(t *testing.T, st *store.MemoryStore, mutate func(*store.Submission)) *store.Submission {
	t.Helper()
	sub := &store.Submission{
		ID:          "sub-1",
		Token:       "tok-1",
		LanguageKey: "python",
		SourceCode:  `print("Hello, World!")`,
		Status:      store.StatusQueued,
		CreatedAt:   time.Now(),
	}
	if mutate != nil {
		mutate(sub)
	}
	if err := st.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed submission: %v", err)
	}
	return sub
}

func assertWorkspacesGone(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace root, found %d entries", len(entries))
	}
}

func TestExecuteAccepted(t *testing.T) {
	backend := &fakeBackend{
		runs: []result.RunOutcome{{
			Stdout:      []byte("Hello, World!\n"),
			CPUTime:     0.02,
			WallTime:    0.05,
			MaxMemoryKB: 2048,
			Termination: result.Exited(),
		}},
	}
	exec, st, root := newExecutor(t, backend)
	sub := seedSubmission(t, st, nil)

	final, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != store.StatusAccepted {
		t.Fatalf("expected accepted, got %s (%s)", final.Status, final.Message)
	}
	if string(final.Stdout) != "Hello, World!\n" {
		t.Fatalf("stdout mismatch: %q", final.Stdout)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", final.ExitCode)
	}
	if final.FinishedAt == nil {
		t.Fatalf("finished_at not set")
	}
	if final.Limits.CPUTime <= 0 {
		t.Fatalf("resolved limits not persisted: %+v", final.Limits)
	}
	assertWorkspacesGone(t, root)
}

func TestExecuteRuntimeError(t *testing.T) {
	backend := &fakeBackend{
		runs: []result.RunOutcome{{
			ExitCode:    3,
			Stderr:      []byte("boom\n"),
			Termination: result.Exited(),
		}},
	}
	exec, st, _ := newExecutor(t, backend)
	sub := seedSubmission(t, st, nil)

	final, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != store.StatusRuntimeError {
		t.Fatalf("expected runtime_error, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", final.ExitCode)
	}
}

func TestExecuteSignalled(t *testing.T) {
	backend := &fakeBackend{
		runs: []result.RunOutcome{{
			ExitCode:    -1,
			ExitSignal:  11,
			Termination: result.Signalled(11),
		}},
	}
	exec, st, _ := newExecutor(t, backend)
	sub := seedSubmission(t, st, nil)

	final, _ := exec.Execute(context.Background(), sub)
	if final.Status != store.StatusRuntimeError {
		t.Fatalf("expected runtime_error, got %s", final.Status)
	}
	if final.ExitSignal == nil || *final.ExitSignal != 11 {
		t.Fatalf("expected signal 11, got %v", final.ExitSignal)
	}
}

func TestExecuteResourceLimits(t *testing.T) {
	cases := []struct {
		name        string
		termination result.TerminationKind
		wantStatus  store.Status
		wantMessage string
	}{
		{"cpu", result.TerminationCPULimit, store.StatusTimeLimitExceeded, "CPU time limit exceeded"},
		{"wall", result.TerminationWallLimit, store.StatusTimeLimitExceeded, "Wall time limit exceeded"},
		{"memory", result.TerminationMemoryLimit, store.StatusMemoryLimitExceeded, "Memory limit exceeded"},
		{"output", result.TerminationOutputLimit, store.StatusRuntimeError, "Output size limit exceeded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{
				runs: []result.RunOutcome{{
					ExitCode:    -1,
					CPUTime:     1.2,
					Termination: result.Termination{Kind: tc.termination},
				}},
			}
			exec, st, _ := newExecutor(t, backend)
			sub := seedSubmission(t, st, nil)

			final, err := exec.Execute(context.Background(), sub)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if final.Status != tc.wantStatus {
				t.Fatalf("expected %s, got %s", tc.wantStatus, final.Status)
			}
			if final.Message != tc.wantMessage {
				t.Fatalf("expected message %q, got %q", tc.wantMessage, final.Message)
			}
		})
	}
}

func TestExecuteCompilationError(t *testing.T) {
	backend := &fakeBackend{
		compile: &result.RunOutcome{
			ExitCode:    1,
			Stderr:      []byte("main.cpp:1:1: error: expected ';'\n"),
			Termination: result.Exited(),
		},
	}
	exec, st, root := newExecutor(t, backend)
	sub := seedSubmission(t, st, func(s *store.Submission) {
		s.LanguageKey = "cpp"
		s.SourceCode = "int main() { return 0 }"
	})

	final, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != store.StatusCompilationError {
		t.Fatalf("expected compilation_error, got %s", final.Status)
	}
	if len(final.CompileOutput) == 0 {
		t.Fatalf("compile output empty")
	}
	if len(final.Stdout) != 0 || len(final.Stderr) != 0 {
		t.Fatalf("run streams must be empty on compilation error")
	}
	if backend.runCalls != 0 {
		t.Fatalf("run step must not execute after compile failure")
	}
	assertWorkspacesGone(t, root)
}

func TestExecuteSpawnFailure(t *testing.T) {
	backend := &fakeBackend{
		runs: []result.RunOutcome{{
			ExitCode:    -1,
			Termination: result.SpawnFailed("resolve command: python3 not found"),
		}},
	}
	exec, st, _ := newExecutor(t, backend)
	sub := seedSubmission(t, st, nil)

	final, _ := exec.Execute(context.Background(), sub)
	if final.Status != store.StatusInternalError {
		t.Fatalf("spawn failure must be internal_error, got %s", final.Status)
	}
	if !strings.Contains(final.Message, "python3 not found") {
		t.Fatalf("message lost the spawn reason: %q", final.Message)
	}
}

func TestExecuteUnknownLanguage(t *testing.T) {
	exec, st, _ := newExecutor(t, &fakeBackend{})
	sub := seedSubmission(t, st, func(s *store.Submission) { s.LanguageKey = "brainfuck" })

	final, _ := exec.Execute(context.Background(), sub)
	if final.Status != store.StatusInternalError {
		t.Fatalf("expected internal_error, got %s", final.Status)
	}
}

func TestExecuteNumberOfRuns(t *testing.T) {
	backend := &fakeBackend{
		runs: []result.RunOutcome{
			{Stdout: []byte("run-1\n"), CPUTime: 0.3, WallTime: 0.5, MaxMemoryKB: 1000, Termination: result.Exited()},
			{Stdout: []byte("run-2\n"), CPUTime: 0.1, WallTime: 0.9, MaxMemoryKB: 3000, Termination: result.Exited()},
			{Stdout: []byte("run-3\n"), CPUTime: 0.2, WallTime: 0.4, MaxMemoryKB: 2000, Termination: result.Exited()},
		},
	}
	exec, st, _ := newExecutor(t, backend)
	sub := seedSubmission(t, st, func(s *store.Submission) { s.NumberOfRuns = 3 })

	final, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if backend.runCalls != 3 {
		t.Fatalf("expected 3 runs, got %d", backend.runCalls)
	}
	// Streams come from the last run; metrics are maxima across runs.
	if string(final.Stdout) != "run-3\n" {
		t.Fatalf("expected last run stdout, got %q", final.Stdout)
	}
	if final.Time == nil || *final.Time != 0.3 {
		t.Fatalf("expected max cpu 0.3, got %v", final.Time)
	}
	if final.WallTime == nil || *final.WallTime != 0.9 {
		t.Fatalf("expected max wall 0.9, got %v", final.WallTime)
	}
	if final.MemoryKB == nil || *final.MemoryKB != 3000 {
		t.Fatalf("expected max memory 3000, got %v", final.MemoryKB)
	}
}

func TestExecuteNumberOfRunsStopsOnFailure(t *testing.T) {
	backend := &fakeBackend{
		runs: []result.RunOutcome{
			{ExitCode: 1, Termination: result.Exited()},
			{Termination: result.Exited()},
		},
	}
	exec, st, _ := newExecutor(t, backend)
	sub := seedSubmission(t, st, func(s *store.Submission) { s.NumberOfRuns = 2 })

	final, _ := exec.Execute(context.Background(), sub)
	if backend.runCalls != 1 {
		t.Fatalf("expected early stop after failed run, got %d runs", backend.runCalls)
	}
	if final.Status != store.StatusRuntimeError {
		t.Fatalf("expected runtime_error, got %s", final.Status)
	}
}

func TestExecuteExpectedOutput(t *testing.T) {
	expected := "42"
	backend := &fakeBackend{
		runs: []result.RunOutcome{{Stdout: []byte("41\n"), Termination: result.Exited()}},
	}
	exec, st, _ := newExecutor(t, backend)
	sub := seedSubmission(t, st, func(s *store.Submission) { s.ExpectedOutput = &expected })

	final, _ := exec.Execute(context.Background(), sub)
	if final.Status != store.StatusWrongAnswer {
		t.Fatalf("expected wrong_answer, got %s", final.Status)
	}

	// Trailing newlines do not count as a difference.
	backend2 := &fakeBackend{
		runs: []result.RunOutcome{{Stdout: []byte("42\n"), Termination: result.Exited()}},
	}
	exec2, st2, _ := newExecutor(t, backend2)
	sub2 := seedSubmission(t, st2, func(s *store.Submission) { s.ExpectedOutput = &expected })

	final2, _ := exec2.Execute(context.Background(), sub2)
	if final2.Status != store.StatusAccepted {
		t.Fatalf("expected accepted, got %s", final2.Status)
	}
}

func TestExecuteCancellation(t *testing.T) {
	backend := &fakeBackend{blockRun: true}
	exec, st, root := newExecutor(t, backend)
	sub := seedSubmission(t, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *store.Submission, 1)
	go func() {
		final, _ := exec.Execute(ctx, sub)
		done <- final
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case final := <-done:
		if final.Status != store.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", final.Status)
		}
		if final.Message != "Execution cancelled" {
			t.Fatalf("unexpected message %q", final.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancellation did not finish")
	}

	if len(backend.killed) == 0 {
		t.Fatalf("child process group was not killed")
	}
	assertWorkspacesGone(t, root)
}
