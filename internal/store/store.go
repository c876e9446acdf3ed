// Package store defines the submission record and the persistence contract
// the engine runs against.
package store

import (
	"context"
	"time"

	"runbox/internal/sandbox/spec"
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusQueued              Status = "queued"
	StatusRunning             Status = "running"
	StatusAccepted            Status = "accepted"
	StatusWrongAnswer         Status = "wrong_answer"
	StatusCompilationError    Status = "compilation_error"
	StatusRuntimeError        Status = "runtime_error"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusInternalError       Status = "internal_error"
	StatusCancelled           Status = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusQueued, StatusRunning:
		return false
	default:
		return s != ""
	}
}

// Submission is the unit of work. Resource limits are resolved from the
// registry at dispatch time and written back so the record is
// self-describing.
type Submission struct {
	ID    string `json:"id"`
	Token string `json:"token"`

	LanguageKey          string  `json:"language"`
	SourceCode           string  `json:"source_code"`
	Stdin                string  `json:"stdin,omitempty"`
	ExpectedOutput       *string `json:"expected_output,omitempty"`
	CompilerOptions      string  `json:"compiler_options,omitempty"`
	CommandLineArguments string  `json:"command_line_arguments,omitempty"`
	AdditionalFiles      string  `json:"additional_files,omitempty"`
	AdditionalFilesKey   string  `json:"additional_files_key,omitempty"`

	Limits       spec.ResourceLimits `json:"limits"`
	NumberOfRuns int                 `json:"number_of_runs,omitempty"`
	Flags        spec.Flags          `json:"flags"`

	CallbackURL string `json:"callback_url,omitempty"`
	Priority    int    `json:"priority,omitempty"`

	Status        Status     `json:"status"`
	Stdout        []byte     `json:"stdout,omitempty"`
	Stderr        []byte     `json:"stderr,omitempty"`
	CompileOutput []byte     `json:"compile_output,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	ExitSignal    *int       `json:"exit_signal,omitempty"`
	Time          *float64   `json:"time,omitempty"`
	WallTime      *float64   `json:"wall_time,omitempty"`
	MemoryKB      *int64     `json:"memory,omitempty"`
	Message       string     `json:"message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// TerminalResult carries everything a terminal transition writes at once.
type TerminalResult struct {
	Status        Status
	Stdout        []byte
	Stderr        []byte
	CompileOutput []byte
	ExitCode      *int
	ExitSignal    *int
	Time          *float64
	WallTime      *float64
	MemoryKB      *int64
	Message       string
	Limits        *spec.ResourceLimits
}

// Patch is a partial non-terminal update. Nil fields are left untouched.
type Patch struct {
	Status *Status
	Limits *spec.ResourceLimits
}

// Store is the submission persistence contract. Implementations must make
// Update and MarkTerminal atomic with respect to concurrent readers.
type Store interface {
	// Create inserts a new submission record.
	Create(ctx context.Context, sub *Submission) error

	// Get returns the submission matching the id or token, or a
	// SubmissionNotFound error.
	Get(ctx context.Context, idOrToken string) (*Submission, error)

	// GetBatch returns records for the given tokens in order; unknown
	// tokens yield nil entries.
	GetBatch(ctx context.Context, tokens []string) ([]*Submission, error)

	// Update applies a partial update. It is a no-op returning the
	// current record when the submission is already terminal.
	Update(ctx context.Context, id string, patch Patch) (*Submission, error)

	// MarkTerminal performs the atomic terminal transition. It rejects a
	// second terminal write with an AlreadyTerminal error, returning the
	// existing record.
	MarkTerminal(ctx context.Context, id string, res TerminalResult) (*Submission, error)

	// ListByStatus returns all submissions currently in one of the given
	// states, ordered by creation time. Used for restart reconciliation.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Submission, error)

	// Close releases underlying resources.
	Close() error
}
