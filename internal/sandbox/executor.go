package sandbox

import (
	"context"
	"log"
	"time"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/pool"
	"github.com/loa-finn/gateway/internal/store"
)

// readOnlyAuditDegraded is logged (not returned as an error) when a
// read-only command's audit append fails, per spec §4.8 step 8's narrow
// allowlist carve-out.
const readOnlyAuditDegraded = "sandbox: audit append failed for read-only command, proceeding degraded"

// Executor runs the full pipeline from spec §4.8: gate check, tokenize,
// policy lookup, subcommand validation, denied-flag check, path
// validation, binary realpath, audit append, dispatch via C7, secret
// redaction. Grounded on internal/gvisor/sandbox_executor.go's
// availability-gate shape, generalized to fail closed (SANDBOX_DISABLED)
// instead of returning a fake demo-mode success.
type Executor struct {
	policy   *Policy
	pool     *pool.Pool
	audit    *auditLogger
	log      *log.Logger
	attestor *Attestor
}

// NewExecutor wires the pipeline. attestor may be nil, in which case
// step 1.5 (workload attestation) is skipped entirely.
func NewExecutor(policy *Policy, p *pool.Pool, st store.Store, logger *log.Logger, attestor *Attestor) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{policy: policy, pool: p, audit: newAuditLogger(st), log: logger, attestor: attestor}
}

// Execute runs one command string through the full policy pipeline and,
// on success, dispatches it to the worker pool and redacts its output.
func (e *Executor) Execute(ctx context.Context, requestID string, req Request) (*Result, error) {
	// 1. Gate check.
	if !e.policy.Enabled {
		return nil, errs.New(errs.KindSandboxDisabled, "sandbox execution is disabled")
	}

	// 1.5. Optional workload attestation.
	if e.attestor != nil {
		if err := e.attestor.Verify(req.CallerSpiffeID); err != nil {
			return nil, errs.Wrap(errs.KindAttestationFailed, "workload attestation failed", err)
		}
	}

	// 2. Tokenize.
	tokens, err := tokenize(req.Command)
	if err != nil {
		return nil, err
	}
	binary := tokens[0]
	args := append(append([]string{}, tokens[1:]...), req.Args...)

	// 3. Policy lookup by leading binary.
	cp, err := lookupPolicy(e.policy, binary)
	if err != nil {
		return nil, err
	}

	// 4. Subcommand validation.
	if err := validateSubcommand(cp, args); err != nil {
		return nil, err
	}

	// 5. Denied-flag check.
	if err := checkDeniedFlags(cp, args); err != nil {
		return nil, err
	}

	// 6. Path validation for file commands.
	if cp.IsFileCommand {
		for i, a := range args {
			if len(a) > 0 && a[0] == '-' {
				continue
			}
			resolved, err := validatePath(a, e.policy.JailRoot)
			if err != nil {
				return nil, err
			}
			args[i] = resolved
		}
	}

	// 7. Binary realpath, defeating TOCTOU swap after startup.
	resolvedBinary, err := resolveBinary(binary)
	if err != nil {
		return nil, err
	}

	// 8. Audit append: fail-closed for non-read-only commands.
	entry := AuditEntry{
		RequestID: requestID,
		SessionID: req.SessionID,
		Binary:    resolvedBinary,
		Args:      args,
		JailRoot:  e.policy.JailRoot,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := e.audit.append(ctx, entry); err != nil {
		if !cp.ReadOnly {
			return nil, errs.Wrap(errs.KindInternal, "audit append failed", err)
		}
		e.log.Printf("%s: %v", readOnlyAuditDegraded, err)
	}

	// 9. Dispatch via C7.
	timeout := req.TimeoutMs
	if timeout <= 0 {
		timeout = cp.DefaultTimeout
	}
	maxOut := cp.MaxOutputBytes

	spec := pool.ExecSpec{
		BinaryPath:     resolvedBinary,
		Args:           args,
		WorkDir:        e.policy.JailRoot,
		TimeoutMs:      timeout,
		Env:            e.policy.Env,
		MaxOutputBytes: maxOut,
		SessionID:      req.SessionID,
	}

	execResult, err := e.pool.Submit(ctx, spec, req.Lane, e.policy.JailRoot)
	if err != nil {
		return nil, err
	}

	// 10. Secret redaction over output.
	redactor := newRedactor(e.policy.Env)
	return &Result{
		Stdout:     redactor.apply(string(execResult.Stdout)),
		Stderr:     redactor.apply(string(execResult.Stderr)),
		ExitCode:   execResult.ExitCode,
		Truncated:  execResult.Truncated,
		DurationMs: execResult.DurationMs,
	}, nil
}
