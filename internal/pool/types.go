// Package pool implements the worker pool (C7): bounded subprocess
// dispatch across interactive and system priority lanes, with
// main-thread-authoritative timeouts, replacement of workers wedged past
// the hard timeout (worker crashes are not detected), per-session
// fairness, and graceful shutdown. Re-architected per spec §9 design
// note as message-passing over a typed channel — the supervisor
// goroutine owns all mutable pool state; workers exchange only
// {exec|abort|result|aborted} messages with it. Channel-plus-mutex
// supervisor shape is grounded on this codebase's
// internal/ghostpool/pool_manager.go, generalized from Docker-container
// acquisition to subprocess message-passing.
package pool

import "time"

// Lane is the priority channel a job is dispatched on, per spec §3.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneSystem      Lane = "system"
)

// ExecSpec is an immutable request to run a subprocess, per spec §3.
// Every path has been canonicalized and verified against the jail prefix
// by the sandbox executor (C8) before construction.
type ExecSpec struct {
	BinaryPath     string
	Args           []string
	WorkDir        string
	TimeoutMs      int64
	Env            map[string]string
	MaxOutputBytes int
	SessionID      string
}

// ExecResult is the outcome of one dispatch, per spec §3.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	Truncated  bool
	DurationMs int64
}

// workerState is a ManagedWorker's lifecycle state, per spec §3.
type workerState string

const (
	stateIdle workerState = "idle"
	stateBusy workerState = "busy"
)

// job is an in-flight or queued ExecSpec, per spec §3's Job type. The
// done channel is the completion handle the caller suspends on — per
// spec §5, dispatch itself is non-blocking from the caller's point of
// view.
type job struct {
	id        string
	spec      ExecSpec
	lane      Lane
	jailRoot  string
	sessionID string
	done      chan jobOutcome
}

type jobOutcome struct {
	result *ExecResult
	err    error
}

// Message types exchanged between the supervisor and a worker goroutine.
type execMsg struct {
	jobID    string
	spec     ExecSpec
	jailRoot string
}

type abortMsg struct {
	jobID string
}

type resultMsg struct {
	jobID  string
	result *ExecResult
	err    error
}

type abortedMsg struct {
	jobID string
}

// managedWorker is one long-lived worker goroutine's supervisor-side
// record, per spec §3's ManagedWorker type. Replacement mutates this
// record in place — handlers always target the same *managedWorker, so
// no reference leaks to a stale process, per spec §4.7.
type managedWorker struct {
	id          string
	lane        Lane
	state       workerState
	currentJob  string
	toWorker    chan interface{}
	generation  int // bumped on replacement; not read anywhere (stale messages are detected by jobID)
	softTimer   *time.Timer
	hardTimer   *time.Timer
}
