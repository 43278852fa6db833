// Package reconcile implements the budget reconciliation client (C9): a
// SYNCED/FAIL_OPEN/FAIL_CLOSED state machine kept current by periodic
// polling of an upstream budget service, with a monotonically
// decreasing fail-open headroom. Periodic-poll-plus-state-machine shape
// grounded on this codebase's internal/escrow/entropy_live.go and
// entropy_jitter.go; the "unreachable upstream degrades admission"
// pattern reuses the circuit breaker wired in C10.
package reconcile

import (
	"context"
	"sync"
	"time"
)

// State is the reconciliation state machine's current mode.
type State string

const (
	StateSynced     State = "SYNCED"
	StateFailOpen   State = "FAIL_OPEN"
	StateFailClosed State = "FAIL_CLOSED"
)

// UpstreamClient is the external budget-service collaborator. Fetch
// returns the tenant's currently committed/reserved/limit view in
// micro-units.
type UpstreamClient interface {
	FetchBudget(ctx context.Context, tenantID string) (committed, reserved, limit int64, err error)
}

// Config carries the tunables from config.ReconcileConfig.
type Config struct {
	PollInterval        time.Duration
	DriftThresholdMicro int64
	HeadroomPercent     int64
	FailOpenAbsCapMicro int64
	FailOpenMaxDuration time.Duration
	UpstreamTimeout     time.Duration
}

// snapshot is the atomically-read state exposed to the admission path,
// per spec §5's "owned by a single reconciliation task, read via an
// atomic snapshot" rule.
type snapshot struct {
	state             State
	localSpend        int64
	upstreamCommitted int64
	upstreamReserved  int64
	upstreamLimit     int64
	headroomRemaining int64
	failOpenStartedAt time.Time
}

// Client is one tenant's reconciliation state machine.
type Client struct {
	tenantID string
	cfg      Config
	upstream UpstreamClient
	onChange func(tenantID string, from, to State)

	mu   sync.Mutex
	snap snapshot
}

func New(tenantID string, cfg Config, upstream UpstreamClient, onChange func(tenantID string, from, to State)) *Client {
	return &Client{
		tenantID: tenantID,
		cfg:      cfg,
		upstream: upstream,
		onChange: onChange,
		snap:     snapshot{state: StateSynced},
	}
}

// RecordLocalSpend increments local spend and, if currently FAIL_OPEN,
// decrements headroom by the same amount monotonically — never
// increasing it — transitioning to FAIL_CLOSED once headroom reaches
// zero, per spec §4.9 and Testable Property 10.
func (c *Client) RecordLocalSpend(microUnits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap.localSpend += microUnits
	if c.snap.state != StateFailOpen {
		return
	}
	c.snap.headroomRemaining -= microUnits
	if c.snap.headroomRemaining < 0 {
		c.snap.headroomRemaining = 0
	}
	if c.snap.headroomRemaining <= 0 {
		c.transitionLocked(StateFailClosed)
	}
}

// Poll fetches the upstream view and drives the SYNCED/FAIL_OPEN
// transition logic from spec §4.9.
func (c *Client) Poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	committed, reserved, limit, err := c.upstream.FetchBudget(pollCtx, c.tenantID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.snap.state == StateSynced {
			c.enterFailOpenLocked()
		}
		return err
	}

	c.snap.upstreamCommitted = committed
	c.snap.upstreamReserved = reserved
	c.snap.upstreamLimit = limit

	drift := c.snap.localSpend - committed
	if drift < 0 {
		drift = -drift
	}

	switch c.snap.state {
	case StateFailOpen, StateFailClosed:
		c.transitionLocked(StateSynced)
	case StateSynced:
		if drift > c.cfg.DriftThresholdMicro {
			c.enterFailOpenLocked()
		}
	}
	return nil
}

// enterFailOpenLocked computes the bounded headroom and records the
// entry timestamp. Caller must hold c.mu.
func (c *Client) enterFailOpenLocked() {
	headroom := c.snap.upstreamLimit * c.cfg.HeadroomPercent / 100
	if c.cfg.FailOpenAbsCapMicro > 0 && headroom > c.cfg.FailOpenAbsCapMicro {
		headroom = c.cfg.FailOpenAbsCapMicro
	}
	c.snap.headroomRemaining = headroom
	c.snap.failOpenStartedAt = time.Now()
	c.transitionLocked(StateFailOpen)
}

// ShouldAllowRequest reports whether a request may be admitted under
// the current reconciliation state, lazily transitioning FAIL_OPEN to
// FAIL_CLOSED when the bounded duration is exceeded (spec §4.9).
func (c *Client) ShouldAllowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.snap.state {
	case StateSynced:
		return true
	case StateFailClosed:
		return false
	case StateFailOpen:
		if c.snap.headroomRemaining <= 0 {
			c.transitionLocked(StateFailClosed)
			return false
		}
		if time.Since(c.snap.failOpenStartedAt) >= c.cfg.FailOpenMaxDuration {
			c.transitionLocked(StateFailClosed)
			return false
		}
		return true
	}
	return false
}

// Snapshot returns a copy of the current reconciliation scalars for
// observability endpoints.
func (c *Client) Snapshot() (state State, localSpend, upstreamCommitted, upstreamLimit, headroomRemaining int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.state, c.snap.localSpend, c.snap.upstreamCommitted, c.snap.upstreamLimit, c.snap.headroomRemaining
}

// transitionLocked updates state and fires onChange. Caller must hold c.mu.
func (c *Client) transitionLocked(to State) {
	from := c.snap.state
	if from == to {
		return
	}
	c.snap.state = to
	if c.onChange != nil {
		c.onChange(c.tenantID, from, to)
	}
}
