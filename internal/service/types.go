package service

import "runbox/internal/sandbox/spec"

// SubmitRequest is one submission payload as received from the transport.
type SubmitRequest struct {
	Language   string `json:"language,optional"`
	LanguageID int    `json:"language_id,optional"`
	SourceCode string `json:"source_code,optional"`
	Stdin      string `json:"stdin,optional"`

	ExpectedOutput       *string `json:"expected_output,optional"`
	CompilerOptions      string  `json:"compiler_options,optional"`
	CommandLineArguments string  `json:"command_line_arguments,optional"`
	AdditionalFiles      string  `json:"additional_files,optional"`
	AdditionalFilesKey   string  `json:"additional_files_key,optional"`

	CPUTimeLimit     float64 `json:"cpu_time_limit,optional"`
	CPUExtraTime     float64 `json:"cpu_extra_time,optional"`
	WallTimeLimit    float64 `json:"wall_time_limit,optional"`
	MemoryLimit      int64   `json:"memory_limit,optional"`
	StackLimit       int64   `json:"stack_limit,optional"`
	MaxProcesses     int64   `json:"max_processes_and_or_threads,optional"`
	MaxFileSize      int64   `json:"max_file_size,optional"`
	NumberOfRuns     int     `json:"number_of_runs,optional"`
	RedirectStderr   bool    `json:"redirect_stderr_to_stdout,optional"`
	EnableNetwork    bool    `json:"enable_network,optional"`
	PerProcessTime   bool    `json:"enable_per_process_and_thread_time_limit,optional"`
	PerProcessMemory bool    `json:"enable_per_process_and_thread_memory_limit,optional"`

	CallbackURL string `json:"callback_url,optional"`
	Priority    int    `json:"priority,optional"`
}

func (r SubmitRequest) limits() spec.ResourceLimits {
	return spec.ResourceLimits{
		CPUTime:      r.CPUTimeLimit,
		CPUExtraTime: r.CPUExtraTime,
		WallTime:     r.WallTimeLimit,
		MemoryKB:     r.MemoryLimit,
		StackKB:      r.StackLimit,
		MaxFileKB:    r.MaxFileSize,
		MaxProcesses: r.MaxProcesses,
	}
}

func (r SubmitRequest) flags() spec.Flags {
	return spec.Flags{
		RedirectStderrToStdout: r.RedirectStderr,
		EnableNetwork:          r.EnableNetwork,
		PerProcessTimeLimit:    r.PerProcessTime,
		PerProcessMemoryLimit:  r.PerProcessMemory,
	}
}

// SubmitResponse acknowledges a queued submission.
type SubmitResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// BatchItem is one per-submission result of a batch intake, preserving
// order: exactly one of Token or Error is set.
type BatchItem struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// View is a field-projected, encoding-safe rendering of a submission
// record.
type View map[string]interface{}

// GetOptions control record rendering.
type GetOptions struct {
	// Fields projects the response to the named subset; empty means all.
	Fields []string
	// Base64 encodes the binary-safe fields instead of rejecting
	// non-text bytes.
	Base64 bool
}

// EngineStats mirrors the dispatcher snapshot plus lifetime aggregates.
type EngineStats struct {
	TotalSubmissions     uint64  `json:"total_submissions"`
	ActiveExecutions     int     `json:"active_executions"`
	QueuedExecutions     int     `json:"queued_executions"`
	CompletedExecutions  uint64  `json:"completed_executions"`
	FailedExecutions     uint64  `json:"failed_executions"`
	AverageExecutionTime float64 `json:"average_execution_time"`
	UptimeSeconds        int64   `json:"uptime_seconds"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status    string `json:"status"`
	Engine    string `json:"engine"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// LanguageInfo is one catalog entry as shown to clients.
type LanguageInfo struct {
	ID         int    `json:"id"`
	Key        string `json:"key"`
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	CompileCmd string `json:"compile_cmd,omitempty"`
	RunCmd     string `json:"run_cmd"`
}
