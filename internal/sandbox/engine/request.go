package engine

import (
	"runbox/internal/sandbox/security"
	"runbox/internal/sandbox/spec"
)

// InitRequest is the JSON document piped to the sandbox-init helper on its
// stdin. The helper applies the isolation settings and rlimits, redirects
// stdin to the workspace input file, then execs the command.
type InitRequest struct {
	RunSpec       spec.RunSpec              `json:"runSpec"`
	Isolation     security.IsolationProfile `json:"isolation"`
	EnableSeccomp bool                      `json:"enableSeccomp"`
	EnableNs      bool                      `json:"enableNs"`
}

// helperFailureExit is the exit code sandbox-init reserves for its own
// setup failures, so the engine can tell them apart from the child's exit.
const helperFailureExit = 125

// helperFailurePrefix starts every setup-failure line on stderr.
const helperFailurePrefix = "sandbox-init: "
