// Package sandbox implements the sandbox executor (C8): policy-checked
// command tokenization, jail path validation, and secret redaction ahead
// of dispatch through the worker pool (C7). Availability-gate/demo-mode
// shape grounded on internal/gvisor/sandbox_executor.go's
// "check availability, else fail closed" pattern; path-jail handling
// grounded on internal/gvisor/state_cloner.go.
package sandbox

import "github.com/loa-finn/gateway/internal/pool"

// CommandPolicy declares what is allowed for one leading binary name.
type CommandPolicy struct {
	Binary          string
	Subcommands     []string // if non-empty, the first non-flag arg must be in this set
	DeniedFlags     []string // matched against "-x", "--long", each letter of a combined "-abc", or the key of "--long=value"
	IsFileCommand   bool     // triggers path validation over non-flag args
	ReadOnly        bool     // allowed to proceed on a degraded audit-append failure
	MaxOutputBytes  int
	DefaultTimeout  int64 // milliseconds
}

// Policy is the full sandbox command-policy table, keyed by leading
// binary name.
type Policy struct {
	Enabled  bool
	JailRoot string
	Commands map[string]CommandPolicy
	Env      map[string]string // sanitized environment handed to every subprocess

	// SpiffeSocketPath, if set, enables workload identity attestation
	// (see attestation.go) before dispatch. Empty disables the check.
	SpiffeSocketPath string
}

// Request is one command string submitted for sandboxed execution.
type Request struct {
	Command   string
	Args      []string
	SessionID string
	Lane      pool.Lane
	TimeoutMs int64

	// CallerSpiffeID is the workload identity the caller claims to hold.
	// Only checked when the executor was built with attestation enabled.
	CallerSpiffeID string
}

// Result is the redacted outcome handed back to the caller.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Truncated  bool
	DurationMs int64
}

// tokenForbidden is the exact character set spec'd as rejected during
// tokenization, regardless of position within a token.
const tokenForbidden = "|&;$`(){}!<>\\#~"
