package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loa-finn/gateway/internal/store"
)

// AuditEntry is one sandbox dispatch record, persisted before (not after)
// the subprocess runs for non-read-only commands, per spec §4.8's
// fail-closed audit-append requirement.
type AuditEntry struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Binary    string `json:"binary"`
	Args      []string `json:"args"`
	JailRoot  string `json:"jail_root"`
	Timestamp int64  `json:"timestamp"`
}

// auditLogger appends entries to the remote store under a per-request
// key, reusing C1's Set primitive rather than a dedicated append-only
// log store — the store adapter has no list primitive, so each entry is
// keyed individually and enumerable by prefix for out-of-band export.
type auditLogger struct {
	st store.Store
}

func newAuditLogger(st store.Store) *auditLogger {
	return &auditLogger{st: st}
}

// append writes the entry, fail-closed: a write error is returned to the
// caller, who must reject the command unless its policy marks it
// read-only.
func (a *auditLogger) append(ctx context.Context, e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("sandbox:audit:%s:%d", e.RequestID, e.Timestamp)
	return a.st.Set(ctx, key, data, 30*24*time.Hour)
}
