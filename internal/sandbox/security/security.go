// Package security defines sandbox isolation and security profiles.
package security

// IsolationProfile describes namespace, identity and seccomp settings
// applied to a sandboxed process.
type IsolationProfile struct {
	RootFS         string `json:"rootFS"`
	SeccompProfile string `json:"seccompProfile"`
	DisableNetwork bool   `json:"disableNetwork"`

	// RunAsUID and RunAsGID map the child to an unprivileged principal.
	// Zero values fall back to the engine's own uid/gid inside a user
	// namespace.
	RunAsUID int `json:"runAsUID"`
	RunAsGID int `json:"runAsGID"`

	// ScratchDir, when set, is bind mounted writable at /tmp.
	ScratchDir string `json:"scratchDir"`
}
