//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"runbox/internal/sandbox/result"
	"runbox/internal/sandbox/security"
	"runbox/internal/sandbox/spec"
	"runbox/pkg/logger"
)

const (
	// samplePeriod bounds how stale a CPU/memory reading can be.
	samplePeriod = 100 * time.Millisecond
	// termGrace is how long a process group gets between SIGTERM and
	// SIGKILL on wall-clock expiry or cancellation.
	termGrace = 250 * time.Millisecond
)

type runHandle struct {
	pgid       int
	cgroupPath string
}

type linuxBackend struct {
	cfg       Config
	registryM sync.Mutex
	registry  map[string][]*runHandle
}

// NewBackend creates the direct Linux sandbox backend.
func NewBackend(cfg Config) (Backend, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	return &linuxBackend{
		cfg:      cfg,
		registry: make(map[string][]*runHandle),
	}, nil
}

func (e *linuxBackend) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunOutcome{}, err
	}

	limits := runSpec.Limits

	// Without a cgroup the address-space rlimit is the only memory
	// ceiling, so the helper must always apply it.
	if !e.cfg.EnableCgroup {
		runSpec.Flags.PerProcessMemoryLimit = true
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.SubmissionID, runSpec.Phase)
		if err != nil {
			return spawnFailure(fmt.Sprintf("create cgroup: %v", err)), nil
		}
		if err := applyCgroupLimits(cgroupPath, limits); err != nil {
			cgroupCleanup()
			return spawnFailure(fmt.Sprintf("apply cgroup limits: %v", err)), nil
		}
	}
	defer cgroupCleanup()

	initReq := InitRequest{
		RunSpec:       runSpec,
		Isolation:     e.isolationProfile(runSpec.Flags),
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}
	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return spawnFailure(fmt.Sprintf("encode init request: %v", err)), nil
	}
	defer stdinPipe.Close()

	outputLimit := limits.MaxFileKB * 1024
	stdoutBuf := newBoundedBuffer(outputLimit)
	stderrBuf := stdoutBuf
	if !runSpec.Flags.RedirectStderrToStdout {
		stderrBuf = newBoundedBuffer(outputLimit)
	}

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = e.buildSysProcAttr(runSpec.Flags)
	cmd.Stdin = stdinPipe
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return spawnFailure(fmt.Sprintf("start helper: %v", err)), nil
	}
	pid := cmd.Process.Pid

	if e.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed",
				zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	handle := &runHandle{pgid: pid, cgroupPath: cgroupPath}
	e.register(runSpec.SubmissionID, handle)
	defer e.unregister(runSpec.SubmissionID, handle)

	watch := newWatchdog(pid, cgroupPath, limits)
	done := make(chan struct{})
	go watch.run(ctx, done, func() { e.terminateGroup(pid, cgroupPath) })

	// Exit status is read from ProcessState; a nonzero child exit shows
	// up here as *exec.ExitError and is not an engine failure.
	_ = cmd.Wait()
	close(done)
	wallTime := time.Since(start).Seconds()

	state := cmd.ProcessState
	exitCode, exitSignal := exitStatus(state)

	cpuTime := watch.cpuSeconds()
	if cg := cgroupCPUSeconds(cgroupPath); cg > cpuTime {
		cpuTime = cg
	}
	if ru := rusageCPUSeconds(state); ru > cpuTime {
		cpuTime = ru
	}

	memKB := watch.peakMemoryKB()
	if cg := cgroupPeakMemoryKB(cgroupPath); cg > memKB {
		memKB = cg
	}
	if ru := rusageMaxRSSKB(state); ru > memKB {
		memKB = ru
	}

	violations := result.Violations{
		Memory: wasOomKilled(cgroupPath) ||
			(limits.MemoryKB > 0 && memKB >= limits.MemoryKB),
		CPU:    limits.CPUTime > 0 && cpuTime > limits.CPUTime,
		Wall:   watch.wallExpired(),
		Output: stdoutBuf.Truncated() || stderrBuf.Truncated(),
	}
	// SIGXCPU means the kernel stopped the process at the hard CPU
	// rlimit; report it as the CPU fault it is.
	if exitSignal == int(syscall.SIGXCPU) {
		violations.CPU = true
	}

	outcome := result.RunOutcome{
		Stdout:      stdoutBuf.Bytes(),
		ExitCode:    exitCode,
		ExitSignal:  exitSignal,
		CPUTime:     roundSeconds(cpuTime),
		WallTime:    roundSeconds(wallTime),
		MaxMemoryKB: memKB,
		Termination: result.Classify(violations, exitCode, exitSignal),
	}
	if !runSpec.Flags.RedirectStderrToStdout {
		outcome.Stderr = stderrBuf.Bytes()
	}

	if reason, ok := helperFailure(exitCode, outcome.Stderr, outcome.Stdout); ok {
		outcome.Termination = result.SpawnFailed(reason)
		outcome.Stdout = nil
		outcome.Stderr = nil
	}

	return outcome, nil
}

// Kill terminates every process group registered for the submission.
func (e *linuxBackend) Kill(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	for _, handle := range e.snapshot(submissionID) {
		e.terminateGroup(handle.pgid, handle.cgroupPath)
	}
	return nil
}

// terminateGroup asks the group to exit, waits the grace period, then
// force-kills via cgroup.kill when available or SIGKILL on the group.
func (e *linuxBackend) terminateGroup(pgid int, cgroupPath string) {
	if pgid <= 0 {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(termGrace)
	if cgroupPath != "" {
		if err := killCgroup(cgroupPath); err == nil {
			return
		}
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func (e *linuxBackend) isolationProfile(flags spec.Flags) security.IsolationProfile {
	profile := security.IsolationProfile{
		DisableNetwork: !flags.EnableNetwork,
		RunAsUID:       e.cfg.RunAsUID,
		RunAsGID:       e.cfg.RunAsGID,
	}
	if e.cfg.EnableSeccomp && e.cfg.SeccompDir != "" {
		profile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, "default.json")
	}
	return profile
}

func (e *linuxBackend) buildSysProcAttr(flags spec.Flags) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if e.cfg.RunAsUID > 0 {
		attr.Credential = &syscall.Credential{
			Uid: uint32(e.cfg.RunAsUID),
			Gid: uint32(e.cfg.RunAsGID),
		}
	}
	if !e.cfg.EnableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !flags.EnableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	if e.cfg.RunAsUID == 0 {
		cloneFlags |= syscall.CLONE_NEWUSER
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getuid(),
			Size:        1,
		}}
		attr.GidMappings = []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getgid(),
			Size:        1,
		}}
	}
	attr.Cloneflags = cloneFlags
	return attr
}

func (e *linuxBackend) register(submissionID string, handle *runHandle) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.registry[submissionID] = append(e.registry[submissionID], handle)
}

func (e *linuxBackend) unregister(submissionID string, handle *runHandle) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	handles := e.registry[submissionID]
	updated := handles[:0]
	for _, h := range handles {
		if h != handle {
			updated = append(updated, h)
		}
	}
	if len(updated) == 0 {
		delete(e.registry, submissionID)
		return
	}
	e.registry[submissionID] = updated
}

func (e *linuxBackend) snapshot(submissionID string) []*runHandle {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	handles := e.registry[submissionID]
	out := make([]*runHandle, len(handles))
	copy(out, handles)
	return out
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.SubmissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	return nil
}

func spawnFailure(reason string) result.RunOutcome {
	return result.RunOutcome{
		ExitCode:    -1,
		Termination: result.SpawnFailed(reason),
	}
}

func jsonToPipe(req InitRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func exitStatus(state *os.ProcessState) (code int, signal int) {
	if state == nil {
		return -1, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -1, int(ws.Signal())
		}
		return ws.ExitStatus(), 0
	}
	return state.ExitCode(), 0
}

func rusageCPUSeconds(state *os.ProcessState) float64 {
	if state == nil {
		return 0
	}
	return state.UserTime().Seconds() + state.SystemTime().Seconds()
}

func rusageMaxRSSKB(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func helperFailure(exitCode int, stderr, stdout []byte) (string, bool) {
	if exitCode != helperFailureExit {
		return "", false
	}
	for _, stream := range [][]byte{stderr, stdout} {
		idx := bytes.Index(stream, []byte(helperFailurePrefix))
		if idx < 0 {
			continue
		}
		line := stream[idx+len(helperFailurePrefix):]
		if end := bytes.IndexByte(line, '\n'); end >= 0 {
			line = line[:end]
		}
		return strings.TrimSpace(string(line)), true
	}
	return "sandbox helper failed", true
}

func roundSeconds(s float64) float64 {
	return math.Round(s*1000) / 1000
}

// watchdog samples CPU and memory usage and arms the wall-clock timer. The
// sampled values back the limit classification even when the kernel stops
// the process through another path.
type watchdog struct {
	pid        int
	cgroupPath string
	limits     spec.ResourceLimits

	mu          sync.Mutex
	cpu         float64
	peakKB      int64
	wallTimeout bool
}

func newWatchdog(pid int, cgroupPath string, limits spec.ResourceLimits) *watchdog {
	return &watchdog{pid: pid, cgroupPath: cgroupPath, limits: limits}
}

func (w *watchdog) run(ctx context.Context, done <-chan struct{}, kill func()) {
	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()

	var wallTimer <-chan time.Time
	if w.limits.WallTime > 0 {
		wallTimer = time.After(time.Duration(w.limits.WallTime * float64(time.Second)))
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			kill()
			return
		case <-wallTimer:
			w.mu.Lock()
			w.wallTimeout = true
			w.mu.Unlock()
			kill()
			return
		case <-ticker.C:
			if w.sample() {
				kill()
				return
			}
		}
	}
}

// sample refreshes usage and reports whether a limit was crossed.
func (w *watchdog) sample() bool {
	cpu := cgroupCPUSeconds(w.cgroupPath)
	if cpu == 0 {
		cpu = procCPUSeconds(w.pid)
	}
	mem := cgroupPeakMemoryKB(w.cgroupPath)
	if mem == 0 {
		mem = procPeakMemoryKB(w.pid)
	}

	w.mu.Lock()
	if cpu > w.cpu {
		w.cpu = cpu
	}
	if mem > w.peakKB {
		w.peakKB = mem
	}
	limits := w.limits
	w.mu.Unlock()

	// The grace window lets a process that just crossed cpu_time_limit
	// finish; the hard stop is cpu_time_limit + cpu_extra_time.
	if limits.CPUTime > 0 && cpu > limits.CPUTime+limits.CPUExtraTime {
		return true
	}
	if limits.MemoryKB > 0 && mem >= limits.MemoryKB {
		return true
	}
	return false
}

func (w *watchdog) cpuSeconds() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cpu
}

func (w *watchdog) peakMemoryKB() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peakKB
}

func (w *watchdog) wallExpired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wallTimeout
}
