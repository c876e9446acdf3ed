package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"runbox/internal/dispatch"
	"runbox/internal/executor"
	"runbox/internal/registry"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	"runbox/internal/store"
	appErr "runbox/pkg/errors"
)

// gateBackend lets the test control when runs finish and records
// concurrency and execution order.
type gateBackend struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	order      []string
	runs       int
	gate       chan struct{} // nil means runs finish immediately
}

func (b *gateBackend) Run(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.maxRunning {
		b.maxRunning = b.running
	}
	b.order = append(b.order, rs.SubmissionID)
	b.runs++
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			b.mu.Lock()
			b.running--
			b.mu.Unlock()
			return result.RunOutcome{
				ExitCode:    -1,
				Termination: result.Termination{Kind: result.TerminationKilled},
			}, nil
		}
	}

	b.mu.Lock()
	b.running--
	b.mu.Unlock()
	return result.RunOutcome{Stdout: []byte("ok\n"), Termination: result.Exited()}, nil
}

func (b *gateBackend) Kill(ctx context.Context, submissionID string) error { return nil }

type env struct {
	store      *store.MemoryStore
	dispatcher *dispatch.Dispatcher
	backend    *gateBackend

	mu       sync.Mutex
	terminal []*store.Submission
}

func newEnv(t *testing.T, maxConcurrent, maxQueue int, backend *gateBackend) *env {
	t.Helper()
	st := store.NewMemoryStore()
	exec, err := executor.New(executor.Config{
		Backend:       backend,
		Registry:      registry.NewBuiltin(),
		Store:         st,
		WorkspaceRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	e := &env{store: st, backend: backend}
	d, err := dispatch.New(dispatch.Config{
		Executor:      exec,
		Store:         st,
		MaxConcurrent: maxConcurrent,
		MaxQueueSize:  maxQueue,
		OnTerminal: func(sub *store.Submission) {
			e.mu.Lock()
			e.terminal = append(e.terminal, sub)
			e.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	e.dispatcher = d
	return e
}

func (e *env) seed(t *testing.T, id string, priority int) *store.Submission {
	t.Helper()
	sub := &store.Submission{
		ID:          id,
		Token:       "tok-" + id,
		LanguageKey: "python",
		SourceCode:  "print(1)",
		Priority:    priority,
		Status:      store.StatusQueued,
		CreatedAt:   time.Now(),
	}
	if err := e.store.Create(context.Background(), sub); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sub
}

func (e *env) waitTerminal(t *testing.T, id string, timeout time.Duration) *store.Submission {
	t.Helper()
	deadline := time.After(timeout)
	for {
		sub, err := e.store.Get(context.Background(), id)
		if err == nil && sub.Status.IsTerminal() {
			return sub
		}
		select {
		case <-deadline:
			t.Fatalf("submission %s did not reach terminal state", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatcherRunsSubmission(t *testing.T) {
	e := newEnv(t, 2, 10, &gateBackend{})
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	sub := e.seed(t, "sub-1", 0)
	if err := e.dispatcher.Submit(sub.ID, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := e.waitTerminal(t, sub.ID, 5*time.Second)
	if final.Status != store.StatusAccepted {
		t.Fatalf("expected accepted, got %s (%s)", final.Status, final.Message)
	}

	stats := e.dispatcher.Stats()
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDispatcherIdempotentSubmit(t *testing.T) {
	gate := make(chan struct{})
	backend := &gateBackend{gate: gate}
	e := newEnv(t, 1, 10, backend)
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	sub := e.seed(t, "sub-1", 0)
	for i := 0; i < 5; i++ {
		if err := e.dispatcher.Submit(sub.ID, 0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	close(gate)
	e.waitTerminal(t, sub.ID, 5*time.Second)

	backend.mu.Lock()
	runs := backend.runs
	backend.mu.Unlock()
	if runs != 1 {
		t.Fatalf("expected exactly one execution, got %d", runs)
	}
}

func TestDispatcherBackpressure(t *testing.T) {
	gate := make(chan struct{})
	e := newEnv(t, 1, 3, &gateBackend{gate: gate})
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	// One running occupies the worker; then fill the queue.
	blocker := e.seed(t, "blocker", 0)
	_ = e.dispatcher.Submit(blocker.ID, 0)
	waitForRunning(t, e, 1)

	for i := 0; i < 3; i++ {
		sub := e.seed(t, fmt.Sprintf("sub-%d", i), 0)
		if err := e.dispatcher.Submit(sub.ID, 0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	overflow := e.seed(t, "overflow", 0)
	if err := e.dispatcher.Submit(overflow.ID, 0); !appErr.Is(err, appErr.QueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}

	// Drain: everything accepted except the overflow completes.
	close(gate)
	e.waitTerminal(t, blocker.ID, 5*time.Second)
	for i := 0; i < 3; i++ {
		e.waitTerminal(t, fmt.Sprintf("sub-%d", i), 5*time.Second)
	}
}

func TestDispatcherPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	backend := &gateBackend{gate: gate}
	e := newEnv(t, 1, 10, backend)
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	blocker := e.seed(t, "blocker", 0)
	_ = e.dispatcher.Submit(blocker.ID, 0)
	waitForRunning(t, e, 1)

	low1 := e.seed(t, "low-1", 0)
	high := e.seed(t, "high", 5)
	low2 := e.seed(t, "low-2", 0)
	_ = e.dispatcher.Submit(low1.ID, 0)
	_ = e.dispatcher.Submit(high.ID, 5)
	_ = e.dispatcher.Submit(low2.ID, 0)

	close(gate)
	e.waitTerminal(t, low2.ID, 5*time.Second)
	e.waitTerminal(t, low1.ID, 5*time.Second)
	e.waitTerminal(t, high.ID, 5*time.Second)

	backend.mu.Lock()
	order := append([]string(nil), backend.order...)
	backend.mu.Unlock()
	// blocker first, then high priority, then FIFO among equals.
	want := []string{"blocker", "high", "low-1", "low-2"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("dispatch order mismatch: got %v, want %v", order, want)
		}
	}
}

func TestDispatcherConcurrencyBound(t *testing.T) {
	gate := make(chan struct{})
	backend := &gateBackend{gate: gate}
	e := newEnv(t, 2, 20, backend)
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	for i := 0; i < 6; i++ {
		sub := e.seed(t, fmt.Sprintf("sub-%d", i), 0)
		_ = e.dispatcher.Submit(sub.ID, 0)
	}
	waitForRunning(t, e, 2)
	close(gate)
	for i := 0; i < 6; i++ {
		e.waitTerminal(t, fmt.Sprintf("sub-%d", i), 5*time.Second)
	}

	backend.mu.Lock()
	maxRunning := backend.maxRunning
	backend.mu.Unlock()
	if maxRunning > 2 {
		t.Fatalf("concurrency bound exceeded: %d", maxRunning)
	}
}

func TestDispatcherCancelPending(t *testing.T) {
	gate := make(chan struct{})
	backend := &gateBackend{gate: gate}
	e := newEnv(t, 1, 10, backend)
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	blocker := e.seed(t, "blocker", 0)
	_ = e.dispatcher.Submit(blocker.ID, 0)
	waitForRunning(t, e, 1)

	pending := e.seed(t, "pending", 0)
	_ = e.dispatcher.Submit(pending.ID, 0)

	if got := e.dispatcher.Cancel(context.Background(), pending.ID); got != dispatch.CancelRemoved {
		t.Fatalf("expected CancelRemoved, got %v", got)
	}

	final := e.waitTerminal(t, pending.ID, time.Second)
	if final.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}

	close(gate)
	e.waitTerminal(t, blocker.ID, 5*time.Second)

	// The cancelled job never reached the backend.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for _, id := range backend.order {
		if id == pending.ID {
			t.Fatalf("cancelled pending submission was executed")
		}
	}
}

func TestDispatcherCancelRunning(t *testing.T) {
	gate := make(chan struct{})
	e := newEnv(t, 1, 10, &gateBackend{gate: gate})
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	sub := e.seed(t, "sub-1", 0)
	_ = e.dispatcher.Submit(sub.ID, 0)
	waitForRunning(t, e, 1)

	if got := e.dispatcher.Cancel(context.Background(), sub.ID); got != dispatch.CancelCancelling {
		t.Fatalf("expected CancelCancelling, got %v", got)
	}

	final := e.waitTerminal(t, sub.ID, 5*time.Second)
	if final.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestDispatcherCancelUnknownAndDone(t *testing.T) {
	e := newEnv(t, 1, 10, &gateBackend{})
	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	if got := e.dispatcher.Cancel(context.Background(), "ghost"); got != dispatch.CancelNotFound {
		t.Fatalf("expected CancelNotFound, got %v", got)
	}

	sub := e.seed(t, "sub-1", 0)
	_ = e.dispatcher.Submit(sub.ID, 0)
	e.waitTerminal(t, sub.ID, 5*time.Second)

	if got := e.dispatcher.Cancel(context.Background(), sub.ID); got != dispatch.CancelAlreadyDone {
		t.Fatalf("expected CancelAlreadyDone, got %v", got)
	}
}

func TestDispatcherRestartReconciliation(t *testing.T) {
	e := newEnv(t, 1, 10, &gateBackend{})

	// A running orphan from a dead process and a queued survivor.
	orphan := e.seed(t, "orphan", 0)
	running := store.StatusRunning
	if _, err := e.store.Update(context.Background(), orphan.ID, store.Patch{Status: &running}); err != nil {
		t.Fatalf("update: %v", err)
	}
	queued := e.seed(t, "queued", 0)

	if err := e.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.dispatcher.Shutdown()

	final := e.waitTerminal(t, orphan.ID, 5*time.Second)
	if final.Status != store.StatusInternalError || final.Message != "engine restart" {
		t.Fatalf("orphan not reconciled: %s (%s)", final.Status, final.Message)
	}

	survivor := e.waitTerminal(t, queued.ID, 5*time.Second)
	if survivor.Status != store.StatusAccepted {
		t.Fatalf("queued submission not re-dispatched: %s", survivor.Status)
	}
}

func waitForRunning(t *testing.T, e *env, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if e.dispatcher.Stats().Running >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("never reached %d running jobs", want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
