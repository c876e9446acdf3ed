// Package executor drives one submission end to end: workspace staging,
// compile, run, outcome classification and the terminal store transition.
package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"runbox/internal/registry"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/spec"
	"runbox/internal/store"
	appErr "runbox/pkg/errors"
	"runbox/pkg/logger"
)

// compile-phase limit profile; fixed and conservative. Memory is raised to
// the user limit when that is higher.
var compileLimits = spec.ResourceLimits{
	CPUTime:      30.0,
	CPUExtraTime: 2.0,
	WallTime:     60.0,
	MemoryKB:     512 * 1024,
	StackKB:      64 * 1024,
	MaxFileKB:    64 * 1024,
	MaxProcesses: 128,
}

// ArchiveFetcher resolves an additional_files object key to archive bytes.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, key string) ([]byte, error)
}

// StatusListener observes status transitions as they are persisted.
type StatusListener interface {
	StatusChanged(sub *store.Submission)
}

// Executor runs submissions against a sandbox backend. One instance is
// shared by all dispatcher workers.
type Executor struct {
	backend       engine.Backend
	registry      *registry.Registry
	store         store.Store
	workspaceRoot string
	archives      ArchiveFetcher
	listener      StatusListener
}

// Config holds executor dependencies.
type Config struct {
	Backend       engine.Backend
	Registry      *registry.Registry
	Store         store.Store
	WorkspaceRoot string
	Archives      ArchiveFetcher // optional
	Listener      StatusListener // optional
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("sandbox backend is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	return &Executor{
		backend:       cfg.Backend,
		registry:      cfg.Registry,
		store:         cfg.Store,
		workspaceRoot: cfg.WorkspaceRoot,
		archives:      cfg.Archives,
		listener:      cfg.Listener,
	}, nil
}

// Execute runs the submission to a terminal state and returns the final
// record. The context carries cancellation: when it fires, the current
// process group is killed and the submission ends as cancelled.
func (e *Executor) Execute(ctx context.Context, sub *store.Submission) (*store.Submission, error) {
	ctx = logger.WithSubmissionID(ctx, sub.ID)

	running := store.StatusRunning
	if updated, err := e.store.Update(ctx, sub.ID, store.Patch{Status: &running}); err != nil {
		return nil, appErr.Wrapf(err, appErr.StoreError, "mark running failed")
	} else if updated.Status.IsTerminal() {
		// Cancelled between dequeue and start.
		return updated, nil
	} else {
		e.notify(updated)
	}

	lang, err := e.registry.Lookup(sub.LanguageKey)
	if err != nil {
		return e.finishInternal(ctx, sub, fmt.Sprintf("unknown language: %s", sub.LanguageKey))
	}

	limits := sub.Limits.Merge(lang.DefaultLimits)
	sub.Limits = limits

	archive, err := e.resolveArchive(ctx, sub)
	if err != nil {
		return e.finishInternal(ctx, sub, err.Error())
	}

	ws, err := registry.PrepareWorkspace(e.workspaceRoot, lang, sub.SourceCode, sub.Stdin, archive)
	if err != nil {
		return e.finishInternal(ctx, sub, fmt.Sprintf("workspace preparation failed: %v", err))
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn(ctx, "workspace cleanup failed", zap.Error(err))
		}
	}()

	if cancelled(ctx) {
		return e.finishCancelled(ctx, sub)
	}

	if lang.Compiled() {
		final, done, err := e.compile(ctx, sub, lang, ws)
		if done || err != nil {
			return final, err
		}
	}

	if cancelled(ctx) {
		return e.finishCancelled(ctx, sub)
	}

	return e.runAll(ctx, sub, lang, ws)
}

func (e *Executor) resolveArchive(ctx context.Context, sub *store.Submission) ([]byte, error) {
	if sub.AdditionalFilesKey != "" {
		if e.archives == nil {
			return nil, fmt.Errorf("additional files key given but object storage is not configured")
		}
		return e.archives.FetchArchive(ctx, sub.AdditionalFilesKey)
	}
	data, err := registry.DecodeArchive(sub.AdditionalFiles)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// compile runs the compile step. done is true when the submission reached a
// terminal state (compilation error or internal error).
func (e *Executor) compile(ctx context.Context, sub *store.Submission, lang registry.Language, ws *registry.Workspace) (*store.Submission, bool, error) {
	argv, err := registry.CompileArgv(lang, sub.SourceCode, sub.CompilerOptions)
	if err != nil {
		final, ferr := e.finishInternal(ctx, sub, fmt.Sprintf("build compile command failed: %v", err))
		return final, true, ferr
	}

	limits := compileLimits
	if sub.Limits.MemoryKB > limits.MemoryKB {
		limits.MemoryKB = sub.Limits.MemoryKB
	}

	outcome, err := e.backend.Run(ctx, spec.RunSpec{
		SubmissionID: sub.ID,
		Phase:        "compile",
		WorkDir:      ws.Path,
		Cmd:          argv,
		Limits:       limits,
		Flags: spec.Flags{
			EnableNetwork:          lang.RequiresNetworkForBuild,
			RedirectStderrToStdout: false,
		},
	})
	if err != nil {
		final, ferr := e.finishInternal(ctx, sub, fmt.Sprintf("compile step failed: %v", err))
		return final, true, ferr
	}

	if cancelled(ctx) {
		final, ferr := e.finishCancelled(ctx, sub)
		return final, true, ferr
	}

	if outcome.Termination.Kind == result.TerminationSpawnFailed {
		final, ferr := e.finishInternal(ctx, sub, fmt.Sprintf("compiler unavailable: %s", outcome.Termination.Reason))
		return final, true, ferr
	}

	if outcome.Termination.Kind != result.TerminationExited || outcome.ExitCode != 0 {
		compileOutput := append(outcome.Stderr, outcome.Stdout...)
		exitCode := outcome.ExitCode
		final, ferr := e.markTerminal(ctx, sub, store.TerminalResult{
			Status:        store.StatusCompilationError,
			CompileOutput: compileOutput,
			ExitCode:      &exitCode,
			Message:       "Compilation failed",
			Limits:        &sub.Limits,
		})
		return final, true, ferr
	}

	// Successful compile output (warnings) is kept for the final record.
	sub.CompileOutput = append(outcome.Stderr, outcome.Stdout...)
	return nil, false, nil
}

// runAll executes the run step number_of_runs times. The final streams come
// from the last run; cpu/wall/memory are the maxima across runs.
func (e *Executor) runAll(ctx context.Context, sub *store.Submission, lang registry.Language, ws *registry.Workspace) (*store.Submission, error) {
	argv, err := registry.RunArgv(lang, sub.SourceCode, sub.CommandLineArguments)
	if err != nil {
		return e.finishInternal(ctx, sub, fmt.Sprintf("build run command failed: %v", err))
	}

	runs := sub.NumberOfRuns
	if runs < 1 {
		runs = 1
	}

	var last result.RunOutcome
	var maxCPU, maxWall float64
	var maxMemKB int64

	for i := 0; i < runs; i++ {
		outcome, err := e.backend.Run(ctx, spec.RunSpec{
			SubmissionID: sub.ID,
			Phase:        fmt.Sprintf("run-%d", i+1),
			WorkDir:      ws.Path,
			Cmd:          argv,
			StdinPath:    ws.StdinPath,
			Limits:       sub.Limits,
			Flags:        sub.Flags,
		})
		if err != nil {
			return e.finishInternal(ctx, sub, fmt.Sprintf("run step failed: %v", err))
		}
		if cancelled(ctx) {
			return e.finishCancelled(ctx, sub)
		}

		last = outcome
		if outcome.CPUTime > maxCPU {
			maxCPU = outcome.CPUTime
		}
		if outcome.WallTime > maxWall {
			maxWall = outcome.WallTime
		}
		if outcome.MaxMemoryKB > maxMemKB {
			maxMemKB = outcome.MaxMemoryKB
		}

		// A resource fault or crash ends the loop; remaining runs would
		// only repeat it.
		if outcome.Termination.Kind != result.TerminationExited || outcome.ExitCode != 0 {
			break
		}
	}

	last.CPUTime = maxCPU
	last.WallTime = maxWall
	last.MaxMemoryKB = maxMemKB
	return e.finishFromOutcome(ctx, sub, last)
}

// finishFromOutcome maps a sandbox outcome onto the terminal status table.
func (e *Executor) finishFromOutcome(ctx context.Context, sub *store.Submission, outcome result.RunOutcome) (*store.Submission, error) {
	res := store.TerminalResult{
		Stdout:        outcome.Stdout,
		Stderr:        outcome.Stderr,
		CompileOutput: sub.CompileOutput,
		Time:          &outcome.CPUTime,
		WallTime:      &outcome.WallTime,
		MemoryKB:      &outcome.MaxMemoryKB,
		Limits:        &sub.Limits,
	}

	switch outcome.Termination.Kind {
	case result.TerminationCPULimit:
		res.Status = store.StatusTimeLimitExceeded
		res.Message = "CPU time limit exceeded"
	case result.TerminationWallLimit:
		res.Status = store.StatusTimeLimitExceeded
		res.Message = "Wall time limit exceeded"
	case result.TerminationMemoryLimit:
		res.Status = store.StatusMemoryLimitExceeded
		res.Message = "Memory limit exceeded"
	case result.TerminationOutputLimit:
		res.Status = store.StatusRuntimeError
		res.Message = "Output size limit exceeded"
	case result.TerminationSignalled:
		sig := outcome.ExitSignal
		res.Status = store.StatusRuntimeError
		res.ExitSignal = &sig
		res.Message = fmt.Sprintf("Process terminated with signal %d", sig)
	case result.TerminationKilled:
		return e.finishCancelled(ctx, sub)
	case result.TerminationSpawnFailed:
		return e.finishInternal(ctx, sub, fmt.Sprintf("spawn failed: %s", outcome.Termination.Reason))
	default:
		code := outcome.ExitCode
		res.ExitCode = &code
		if code == 0 {
			res.Status = store.StatusAccepted
			if wrong(sub, outcome.Stdout) {
				res.Status = store.StatusWrongAnswer
				res.Message = "Output does not match expected output"
			}
		} else {
			res.Status = store.StatusRuntimeError
			res.Message = fmt.Sprintf("Exited with code %d", code)
		}
	}

	return e.markTerminal(ctx, sub, res)
}

// wrong compares stdout against the expected output after trailing-newline
// normalization. Absent expected output means no comparison.
func wrong(sub *store.Submission, stdout []byte) bool {
	if sub.ExpectedOutput == nil {
		return false
	}
	got := strings.TrimRight(string(stdout), "\n")
	want := strings.TrimRight(*sub.ExpectedOutput, "\n")
	return got != want
}

func (e *Executor) finishInternal(ctx context.Context, sub *store.Submission, message string) (*store.Submission, error) {
	logger.Error(ctx, "submission failed", zap.String("message", message))
	return e.markTerminal(ctx, sub, store.TerminalResult{
		Status:  store.StatusInternalError,
		Message: message,
		Limits:  &sub.Limits,
	})
}

func (e *Executor) finishCancelled(ctx context.Context, sub *store.Submission) (*store.Submission, error) {
	// Make sure nothing of the submission's process tree survives.
	_ = e.backend.Kill(context.WithoutCancel(ctx), sub.ID)
	return e.markTerminal(ctx, sub, store.TerminalResult{
		Status:  store.StatusCancelled,
		Message: "Execution cancelled",
		Limits:  &sub.Limits,
	})
}

func (e *Executor) markTerminal(ctx context.Context, sub *store.Submission, res store.TerminalResult) (*store.Submission, error) {
	// The terminal write must land even when the worker context was
	// cancelled mid-run.
	final, err := e.store.MarkTerminal(context.WithoutCancel(ctx), sub.ID, res)
	if err != nil {
		if appErr.Is(err, appErr.AlreadyTerminal) {
			return final, nil
		}
		return nil, err
	}
	e.notify(final)
	return final, nil
}

func (e *Executor) notify(sub *store.Submission) {
	if e.listener != nil && sub != nil {
		e.listener.StatusChanged(sub)
	}
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
