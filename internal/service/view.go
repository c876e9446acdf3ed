package service

import (
	"encoding/base64"
	"time"
	"unicode/utf8"

	"runbox/internal/store"
	appErr "runbox/pkg/errors"
)

// binaryFields are representable either as text or base64; non-text bytes
// without base64 requested are a hard error, never silent corruption.
var binaryFields = map[string]bool{
	"stdout":         true,
	"stderr":         true,
	"compile_output": true,
	"source_code":    true,
}

// Render projects a submission record into a response view.
func Render(sub *store.Submission, opts GetOptions) (View, error) {
	if sub == nil {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}

	full := View{
		"token":                  sub.Token,
		"language":               sub.LanguageKey,
		"status":                 string(sub.Status),
		"source_code":            []byte(sub.SourceCode),
		"stdin":                  sub.Stdin,
		"stdout":                 sub.Stdout,
		"stderr":                 sub.Stderr,
		"compile_output":         sub.CompileOutput,
		"exit_code":              sub.ExitCode,
		"exit_signal":            sub.ExitSignal,
		"time":                   sub.Time,
		"wall_time":              sub.WallTime,
		"memory":                 sub.MemoryKB,
		"message":                sub.Message,
		"created_at":             sub.CreatedAt.Format(time.RFC3339),
		"compiler_options":       sub.CompilerOptions,
		"command_line_arguments": sub.CommandLineArguments,
		"callback_url":           sub.CallbackURL,
		"cpu_time_limit":         sub.Limits.CPUTime,
		"cpu_extra_time":         sub.Limits.CPUExtraTime,
		"wall_time_limit":        sub.Limits.WallTime,
		"memory_limit":           sub.Limits.MemoryKB,
		"stack_limit":            sub.Limits.StackKB,
		"max_file_size":          sub.Limits.MaxFileKB,
		"max_processes_and_or_threads": sub.Limits.MaxProcesses,
	}
	if sub.FinishedAt != nil {
		full["finished_at"] = sub.FinishedAt.Format(time.RFC3339)
	} else {
		full["finished_at"] = nil
	}

	selected := full
	if len(opts.Fields) > 0 {
		selected = make(View, len(opts.Fields))
		for _, field := range opts.Fields {
			if value, ok := full[field]; ok {
				selected[field] = value
			}
		}
	}

	for field, value := range selected {
		if !binaryFields[field] {
			continue
		}
		raw, ok := value.([]byte)
		if !ok {
			continue
		}
		if len(raw) == 0 {
			selected[field] = nil
			continue
		}
		if opts.Base64 {
			selected[field] = base64.StdEncoding.EncodeToString(raw)
			continue
		}
		if !utf8.Valid(raw) {
			return nil, appErr.Newf(appErr.Base64Required,
				"field %s contains binary data, retry with base64_encoded=true", field)
		}
		selected[field] = string(raw)
	}

	return selected, nil
}
