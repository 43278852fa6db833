package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Attestor verifies that the workload dispatching a sandboxed command
// presents the SPIFFE SVID it claims to. It is optional: when no socket
// path is configured, NewAttestor is never called and Executor skips
// this step entirely — most deployments have no SPIRE agent.
//
// Grounded on internal/identity/spiffe.go's SPIFFEVerifier, generalized
// from a standalone mTLS-config helper to a pre-dispatch attestation
// check gated by Policy.SpiffeSocketPath.
type Attestor struct {
	source *workloadapi.X509Source
}

// NewAttestor connects to the SPIRE agent at socketPath. Connection is
// bounded by a short timeout so a missing agent can't stall startup;
// callers should fall back to running with attestation disabled rather
// than failing startup outright.
func NewAttestor(socketPath string) (*Attestor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("sandbox: connecting to SPIRE agent at %s: %w", socketPath, err)
	}
	slog.Info("sandbox: connected to SPIRE agent", "socket_path", socketPath)
	return &Attestor{source: source}, nil
}

// Verify checks that the workload's current X.509 SVID matches the
// claimed SPIFFE ID. A malformed claimed ID or a live SVID mismatch are
// both treated as a failed attestation.
func (a *Attestor) Verify(claimedID string) error {
	id, err := spiffeid.FromString(claimedID)
	if err != nil {
		return fmt.Errorf("sandbox: invalid spiffe id %q: %w", claimedID, err)
	}

	svid, err := a.source.GetX509SVID()
	if err != nil {
		return fmt.Errorf("sandbox: fetching workload SVID: %w", err)
	}
	if svid.ID.String() != id.String() {
		return fmt.Errorf("sandbox: spiffe id mismatch: claimed %s, actual %s", id, svid.ID)
	}
	return nil
}

func (a *Attestor) Close() error { return a.source.Close() }
