// Package dispatch holds queued submissions and feeds them to a bounded
// pool of executor workers.
package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"runbox/internal/executor"
	"runbox/internal/store"
	appErr "runbox/pkg/errors"
	"runbox/pkg/logger"
)

// CancelOutcome reports what Cancel did.
type CancelOutcome int

const (
	// CancelRemoved: the job was pending and has been removed; no process
	// was ever spawned.
	CancelRemoved CancelOutcome = iota
	// CancelCancelling: the job is running; its cancel flag is set and
	// the child process group is being torn down.
	CancelCancelling
	// CancelNotFound: the dispatcher does not hold the id and the store has
	// no terminal record for it (unknown id, or a known submission that is
	// not enqueued here).
	CancelNotFound
	// CancelAlreadyDone: the submission already reached a terminal state.
	CancelAlreadyDone
)

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type jobState int

const (
	jobPending jobState = iota
	jobRunning
)

// job is the dispatcher-internal record; it is discarded once the
// submission record has been updated.
type job struct {
	id          string
	priority    int
	seq         uint64
	enqueueTime time.Time
	state       jobState
	removed     bool
	cancel      context.CancelFunc
	index       int
}

// Dispatcher owns the pending queue and the worker pool. Dispatch is
// at-most-once per submission id.
type Dispatcher struct {
	executor  *executor.Executor
	store     store.Store
	terminal  func(*store.Submission)
	maxWorker int
	maxQueue  int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     jobQueue
	jobs      map[string]*job
	pending   int
	running   int
	completed uint64
	failed    uint64
	seq       uint64
	stopped   bool

	baseCtx context.Context
	wg      sync.WaitGroup
}

// Config holds dispatcher settings and collaborators.
type Config struct {
	Executor      *executor.Executor
	Store         store.Store
	MaxConcurrent int
	MaxQueueSize  int
	// OnTerminal is invoked once per submission after its terminal
	// record is persisted (callback delivery hangs off this).
	OnTerminal func(*store.Submission)
}

// New creates a dispatcher; Start must be called before Submit.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	d := &Dispatcher{
		executor:  cfg.Executor,
		store:     cfg.Store,
		terminal:  cfg.OnTerminal,
		maxWorker: cfg.MaxConcurrent,
		maxQueue:  cfg.MaxQueueSize,
		jobs:      make(map[string]*job),
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Start reconciles store state from a previous process, then launches the
// worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.baseCtx = ctx
	if err := d.recover(ctx); err != nil {
		return err
	}
	for i := 0; i < d.maxWorker; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return nil
}

// recover marks orphaned running submissions as internal errors and
// re-enqueues queued ones, restoring the durable queue into the heap.
func (d *Dispatcher) recover(ctx context.Context) error {
	orphans, err := d.store.ListByStatus(ctx, store.StatusRunning)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreError, "list running submissions failed")
	}
	for _, sub := range orphans {
		final, err := d.store.MarkTerminal(ctx, sub.ID, store.TerminalResult{
			Status:  store.StatusInternalError,
			Message: "engine restart",
		})
		if err != nil {
			logger.Warn(ctx, "reconcile running submission failed",
				zap.String("submission_id", sub.ID), zap.Error(err))
			continue
		}
		d.notifyTerminal(final)
	}

	queued, err := d.store.ListByStatus(ctx, store.StatusQueued)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreError, "list queued submissions failed")
	}
	for _, sub := range queued {
		if err := d.Submit(sub.ID, sub.Priority); err != nil {
			logger.Warn(ctx, "requeue submission failed",
				zap.String("submission_id", sub.ID), zap.Error(err))
		}
	}
	return nil
}

// Shutdown stops accepting new submissions and waits until the workers have
// run every job already queued or running.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit enqueues a submission id. It is idempotent: a known id is a no-op.
// When the pending queue is full a QueueFull error is returned and the
// caller translates it to a too-many-requests signal.
func (d *Dispatcher) Submit(submissionID string, priority int) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("dispatcher is shut down")
	}
	if _, ok := d.jobs[submissionID]; ok {
		return nil
	}
	if d.pending >= d.maxQueue {
		return appErr.New(appErr.QueueFull)
	}
	d.seq++
	j := &job{
		id:          submissionID,
		priority:    priority,
		seq:         d.seq,
		enqueueTime: time.Now(),
		state:       jobPending,
	}
	d.jobs[submissionID] = j
	heap.Push(&d.queue, j)
	d.pending++
	d.cond.Signal()
	return nil
}

// Cancel removes a pending job or signals a running one.
func (d *Dispatcher) Cancel(ctx context.Context, submissionID string) CancelOutcome {
	d.mu.Lock()
	j, ok := d.jobs[submissionID]
	if !ok {
		d.mu.Unlock()
		sub, err := d.store.Get(ctx, submissionID)
		if err != nil {
			return CancelNotFound
		}
		if sub.Status.IsTerminal() {
			return CancelAlreadyDone
		}
		return CancelNotFound
	}

	if j.state == jobRunning {
		cancel := j.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return CancelCancelling
	}

	// Pending: drop from the queue before any process spawn.
	j.removed = true
	if j.index >= 0 {
		heap.Remove(&d.queue, j.index)
	}
	delete(d.jobs, submissionID)
	d.pending--
	d.mu.Unlock()

	final, err := d.store.MarkTerminal(ctx, submissionID, store.TerminalResult{
		Status:  store.StatusCancelled,
		Message: "Execution cancelled",
	})
	if err != nil && !appErr.Is(err, appErr.AlreadyTerminal) {
		logger.Warn(ctx, "mark cancelled failed",
			zap.String("submission_id", submissionID), zap.Error(err))
	}
	d.notifyTerminal(final)
	return CancelRemoved
}

// Stats returns the current queue snapshot.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Pending:   d.pending,
		Running:   d.running,
		Completed: d.completed,
		Failed:    d.failed,
	}
}

// worker is one long-lived executor slot; it pulls jobs in sequence.
func (d *Dispatcher) worker(slot int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.queue.Len() == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped && d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		j := heap.Pop(&d.queue).(*job)
		if j.removed {
			d.mu.Unlock()
			continue
		}
		jobCtx, cancel := context.WithCancel(d.baseCtx)
		j.state = jobRunning
		j.cancel = cancel
		d.pending--
		d.running++
		d.mu.Unlock()

		final := d.run(jobCtx, j)
		cancel()

		d.mu.Lock()
		d.running--
		delete(d.jobs, j.id)
		if final != nil && final.Status == store.StatusInternalError {
			d.failed++
		} else {
			d.completed++
		}
		d.mu.Unlock()

		d.notifyTerminal(final)
	}
}

// run executes one job, translating panics and executor errors into an
// internal_error terminal record so one submission can never take the
// worker down.
func (d *Dispatcher) run(ctx context.Context, j *job) (final *store.Submission) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "worker panic",
				zap.String("submission_id", j.id), zap.Any("panic", r))
			final = d.failSubmission(j.id, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	sub, err := d.store.Get(ctx, j.id)
	if err != nil {
		logger.Error(ctx, "load submission failed",
			zap.String("submission_id", j.id), zap.Error(err))
		return nil
	}
	if sub.Status.IsTerminal() {
		// Re-submitted id that already finished; its callback has fired.
		return nil
	}

	final, err = d.executor.Execute(ctx, sub)
	if err != nil {
		logger.Error(ctx, "execute submission failed",
			zap.String("submission_id", j.id), zap.Error(err))
		return d.failSubmission(j.id, fmt.Sprintf("execution failed: %v", err))
	}
	return final
}

func (d *Dispatcher) failSubmission(id, message string) *store.Submission {
	ctx := context.Background()
	final, err := d.store.MarkTerminal(ctx, id, store.TerminalResult{
		Status:  store.StatusInternalError,
		Message: message,
	})
	if err != nil && !appErr.Is(err, appErr.AlreadyTerminal) {
		logger.Warn(ctx, "mark internal error failed",
			zap.String("submission_id", id), zap.Error(err))
		return nil
	}
	return final
}

func (d *Dispatcher) notifyTerminal(sub *store.Submission) {
	if d.terminal != nil && sub != nil && sub.Status.IsTerminal() {
		d.terminal(sub)
	}
}

// jobQueue is a max-heap on (priority, fifo seq).
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}
