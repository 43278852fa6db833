package pool

import (
	"context"
)

// runWorker is the worker goroutine body. It owns no pool state; it only
// receives exec/abort messages on toWorker and reports back on
// fromSupervisor, tagged with its own workerID so the supervisor can
// discard stale messages whose jobId no longer matches that worker's
// current assignment.
func runWorker(workerID string, backend Backend, toWorker <-chan interface{}, fromSupervisor chan<- supervisorMsg) {
	for msg := range toWorker {
		switch m := msg.(type) {
		case execMsg:
			runOne(workerID, backend, m, toWorker, fromSupervisor)
		case abortMsg:
			// An abort arriving with nothing in flight (e.g. raced with a
			// just-finished exec) is simply ignored — the supervisor
			// correlates by jobId and will have already moved on.
			continue
		}
	}
}

// supervisorMsg is a worker->supervisor envelope identifying the sending
// worker, so the supervisor's single receive loop can route it.
type supervisorMsg struct {
	workerID string
	result   *resultMsg
	aborted  *abortedMsg
	crashed  bool
}

// runOne executes a single exec message. Abort is honored by canceling
// the command's context; the worker still reports back (result or
// aborted) so the supervisor's hard-timeout race is resolved by message
// arrival, not by the worker self-timing-out.
func runOne(workerID string, backend Backend, m execMsg, toWorker <-chan interface{}, fromSupervisor chan<- supervisorMsg) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aborted := make(chan struct{})
	done := make(chan struct{})

	// A nested goroutine drains further messages for this job only long
	// enough to notice an abort; once done fires it stops listening.
	go func() {
		for {
			select {
			case msg, ok := <-toWorker:
				if !ok {
					return
				}
				if am, ok := msg.(abortMsg); ok && am.jobID == m.jobID {
					cancel()
					close(aborted)
					return
				}
			case <-done:
				return
			}
		}
	}()

	result, err := backend.Run(ctx, m.spec)
	close(done)

	select {
	case <-aborted:
		fromSupervisor <- supervisorMsg{workerID: workerID, aborted: &abortedMsg{jobID: m.jobID}}
		return
	default:
	}

	if err != nil {
		fromSupervisor <- supervisorMsg{workerID: workerID, result: &resultMsg{jobID: m.jobID, result: nil, err: err}}
		return
	}
	fromSupervisor <- supervisorMsg{workerID: workerID, result: &resultMsg{jobID: m.jobID, result: result}}
}

func truncate(b []byte, max int) ([]byte, bool) {
	if max <= 0 || len(b) <= max {
		return b, false
	}
	return b[:max], true
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
