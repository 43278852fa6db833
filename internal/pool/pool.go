package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loa-finn/gateway/internal/errs"
)

// Config carries the lane sizing and timeout knobs from spec §4.7.
type Config struct {
	InteractiveWorkers  int
	QueueDepth          int
	HardTimeout         time.Duration
	ShutdownDeadline    time.Duration
	FairnessThresholdPc int

	// Backend dispatches each ExecSpec. Nil defaults to execBackend, which
	// runs the binary directly on the host; set it to a *DockerBackend to
	// run jobs inside throwaway containers instead.
	Backend Backend
}

func DefaultConfig() Config {
	return Config{
		InteractiveWorkers:  2,
		QueueDepth:          10,
		HardTimeout:         10 * time.Second,
		ShutdownDeadline:    15 * time.Second,
		FairnessThresholdPc: 50,
	}
}

// laneQueue holds one lane's FIFO (with fairness rewrite) plus its
// workers. Only the supervisor goroutine touches this struct.
type laneQueue struct {
	workers []*managedWorker
	queue   []*job
	depth   int
}

// Pool is the supervisor. All mutable state — interactiveWorkers,
// queues, stats — is owned by the single run() goroutine per spec §5;
// everything else communicates via the cmds channel.
type Pool struct {
	cfg Config
	log *log.Logger

	interactive laneQueue
	system      laneQueue

	fromWorkers chan supervisorMsg
	cmds        chan command
	shutdownCh  chan chan struct{}

	metricQueueDepth *prometheus.GaugeVec
	metricBusy       *prometheus.GaugeVec

	pendingJobs sync.Map // jobID -> *job, per-pool so multiple pools never collide

	wg sync.WaitGroup
}

// command is the supervisor's single inbound channel for external
// requests (dispatch, timer fire, abort-on-timeout), keeping all state
// mutation on one goroutine.
type command struct {
	dispatch *dispatchCmd
	timer    *timerFire
}

type dispatchCmd struct {
	j     *job
	reply chan dispatchReply
}

type dispatchReply struct {
	accepted bool
	err      error
}

type timerFire struct {
	workerID string
	jobID    string
	kind     string // "soft" or "hard"
}

// New constructs and starts a pool's supervisor goroutine and its
// workers.
func New(cfg Config) *Pool {
	if cfg.Backend == nil {
		cfg.Backend = execBackend{}
	}
	p := &Pool{
		cfg:         cfg,
		log:         log.New(log.Writer(), "[pool] ", log.LstdFlags),
		fromWorkers: make(chan supervisorMsg, 64),
		cmds:        make(chan command, 64),
		shutdownCh:  make(chan chan struct{}, 1),
		metricQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_queue_depth",
			Help: "Current queue depth per lane.",
		}, []string{"lane"}),
		metricBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_busy_workers",
			Help: "Current busy worker count per lane.",
		}, []string{"lane"}),
	}

	for i := 0; i < cfg.InteractiveWorkers; i++ {
		p.interactive.workers = append(p.interactive.workers, p.spawnWorker(LaneInteractive))
	}
	p.system.workers = append(p.system.workers, p.spawnWorker(LaneSystem))

	go p.run()
	return p
}

// Registry exposes the pool's Prometheus collectors for registration by
// the caller.
func (p *Pool) Registry() []prometheus.Collector {
	return []prometheus.Collector{p.metricQueueDepth, p.metricBusy}
}

func (p *Pool) spawnWorker(lane Lane) *managedWorker {
	w := &managedWorker{
		id:       uuid.NewString(),
		lane:     lane,
		state:    stateIdle,
		toWorker: make(chan interface{}, 4),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runWorker(w.id, p.cfg.Backend, w.toWorker, p.fromWorkers)
	}()
	return w
}

// Submit enqueues spec on lane and blocks the caller only on the
// returned completion handle, per spec §5 — the dispatch call itself
// does not block on subprocess execution.
func (p *Pool) Submit(ctx context.Context, spec ExecSpec, lane Lane, jailRoot string) (*ExecResult, error) {
	j := &job{
		id:        uuid.NewString(),
		spec:      spec,
		lane:      lane,
		jailRoot:  jailRoot,
		sessionID: spec.SessionID,
		done:      make(chan jobOutcome, 1),
	}

	reply := make(chan dispatchReply, 1)
	select {
	case p.cmds <- command{dispatch: &dispatchCmd{j: j, reply: reply}}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindInternal, "submit canceled", ctx.Err())
	}

	r := <-reply
	if !r.accepted {
		return nil, r.err
	}

	select {
	case outcome := <-j.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindInternal, "caller canceled before completion", ctx.Err())
	}
}

// run is the supervisor's single goroutine. It is the only writer of
// interactive/system state.
func (p *Pool) run() {
	for {
		select {
		case c := <-p.cmds:
			if c.dispatch != nil {
				p.handleDispatch(c.dispatch)
			}
			if c.timer != nil {
				p.handleTimer(*c.timer)
			}
		case m := <-p.fromWorkers:
			p.handleWorkerMsg(m)
		case reply := <-p.shutdownCh:
			p.handleShutdown(reply)
			return
		}
	}
}

func (p *Pool) laneFor(lane Lane) *laneQueue {
	if lane == LaneSystem {
		return &p.system
	}
	return &p.interactive
}

func (p *Pool) handleDispatch(d *dispatchCmd) {
	lq := p.laneFor(d.j.lane)

	if w := findIdle(lq.workers); w != nil {
		p.dispatchToWorker(w, d.j)
		d.reply <- dispatchReply{accepted: true}
		return
	}

	if lq.depth >= p.cfg.QueueDepth {
		d.reply <- dispatchReply{accepted: false, err: errs.New(errs.KindWorkerUnavailable, "queue full")}
		return
	}

	p.enqueueWithFairness(lq, d.j)
	d.reply <- dispatchReply{accepted: true}
	p.updateMetrics()
}

// enqueueWithFairness applies the per-session round-robin rewrite from
// spec §4.7: once the lane queue is over FairnessThresholdPc full, a new
// arrival whose session matches the last queued job is inserted after
// the next different-session job instead of at the tail.
func (p *Pool) enqueueWithFairness(lq *laneQueue, j *job) {
	lq.depth++
	thresholdCount := (p.cfg.QueueDepth * p.cfg.FairnessThresholdPc) / 100

	if lq.lane() == LaneSystem || len(lq.queue) == 0 || len(lq.queue) < thresholdCount {
		lq.queue = append(lq.queue, j)
		return
	}

	last := lq.queue[len(lq.queue)-1]
	if last.sessionID != j.sessionID || j.sessionID == "" {
		lq.queue = append(lq.queue, j)
		return
	}

	insertAt := -1
	for i := len(lq.queue) - 1; i >= 0; i-- {
		if lq.queue[i].sessionID != j.sessionID {
			insertAt = i + 1
			break
		}
	}
	if insertAt == -1 {
		lq.queue = append(lq.queue, j)
		return
	}
	lq.queue = append(lq.queue, nil)
	copy(lq.queue[insertAt+1:], lq.queue[insertAt:])
	lq.queue[insertAt] = j
}

func (lq *laneQueue) lane() Lane {
	if len(lq.workers) > 0 {
		return lq.workers[0].lane
	}
	return LaneInteractive
}

func (p *Pool) dispatchToWorker(w *managedWorker, j *job) {
	w.state = stateBusy
	w.currentJob = j.id
	p.jobDone(j.id, w, j)

	w.toWorker <- execMsg{jobID: j.id, spec: j.spec, jailRoot: j.jailRoot}

	w.softTimer = time.AfterFunc(time.Duration(j.spec.TimeoutMs)*time.Millisecond, func() {
		p.cmds <- command{timer: &timerFire{workerID: w.id, jobID: j.id, kind: "soft"}}
	})
	p.updateMetrics()
}

// jobDone registers the completion target so handleWorkerMsg can find it
// by jobID; kept as a simple map entry rather than threading the job
// pointer through every message.
func (p *Pool) jobDone(jobID string, w *managedWorker, j *job) {
	p.pendingJobs.Store(jobID, j)
}

func (p *Pool) handleTimer(t timerFire) {
	lq := p.findLaneForWorker(t.workerID)
	if lq == nil {
		return
	}
	w := findByID(lq.workers, t.workerID)
	if w == nil || w.currentJob != t.jobID {
		return // stale timer for a job this worker is no longer running
	}

	switch t.kind {
	case "soft":
		w.toWorker <- abortMsg{jobID: t.jobID}
		w.hardTimer = time.AfterFunc(p.cfg.HardTimeout, func() {
			p.cmds <- command{timer: &timerFire{workerID: w.id, jobID: t.jobID, kind: "hard"}}
		})
	case "hard":
		p.replaceWedgedWorker(lq, w, t.jobID)
	}
}

func (p *Pool) findLaneForWorker(workerID string) *laneQueue {
	if findByID(p.interactive.workers, workerID) != nil {
		return &p.interactive
	}
	if findByID(p.system.workers, workerID) != nil {
		return &p.system
	}
	return nil
}

func (p *Pool) replaceWedgedWorker(lq *laneQueue, w *managedWorker, jobID string) {
	if jv, ok := p.pendingJobs.LoadAndDelete(jobID); ok {
		j := jv.(*job)
		j.done <- jobOutcome{err: errs.New(errs.KindExecTimeout, "worker wedged — terminated and replaced")}
	}

	// Replace in place: mutate the record, keep the same *managedWorker
	// so no handler references leak to the old goroutine, per spec §4.7.
	close(w.toWorker)
	w.toWorker = make(chan interface{}, 4)
	w.state = stateIdle
	w.currentJob = ""
	w.generation++
	p.wg.Add(1)
	go func(id string, ch chan interface{}) {
		defer p.wg.Done()
		runWorker(id, p.cfg.Backend, ch, p.fromWorkers)
	}(w.id, w.toWorker)

	p.drainNext(lq, w)
	p.updateMetrics()
}

func (p *Pool) handleWorkerMsg(m supervisorMsg) {
	lq := p.findLaneForWorker(m.workerID)
	if lq == nil {
		return
	}
	w := findByID(lq.workers, m.workerID)
	if w == nil {
		return
	}

	var jobID string
	if m.result != nil {
		jobID = m.result.jobID
	} else if m.aborted != nil {
		jobID = m.aborted.jobID
	}

	// Stale messages whose jobId doesn't match the worker's current
	// assignment are silently discarded, per spec §4.7.
	if jobID != w.currentJob {
		return
	}

	clearTimers(w)

	jv, ok := p.pendingJobs.LoadAndDelete(jobID)
	if ok {
		j := jv.(*job)
		if m.result != nil {
			j.done <- jobOutcome{result: m.result.result, err: m.result.err}
		} else {
			j.done <- jobOutcome{err: errs.New(errs.KindExecTimeout, "job aborted")}
		}
	}

	w.state = stateIdle
	w.currentJob = ""
	p.drainNext(lq, w)
	p.updateMetrics()
}

func (p *Pool) drainNext(lq *laneQueue, w *managedWorker) {
	if len(lq.queue) == 0 {
		return
	}
	next := lq.queue[0]
	lq.queue = lq.queue[1:]
	lq.depth--
	p.dispatchToWorker(w, next)
}

// clearTimers stops and forgets a worker's soft and hard timers.
//
// Worker crashes are not detected: a panic in a worker goroutine is not
// recovered, supervisorMsg.crashed is never set, and no path fails a job
// with WORKER_CRASHED. The only replacement path is replaceWedgedWorker,
// after a hard timeout.
func clearTimers(w *managedWorker) {
	if w.softTimer != nil {
		w.softTimer.Stop()
		w.softTimer = nil
	}
	if w.hardTimer != nil {
		w.hardTimer.Stop()
		w.hardTimer = nil
	}
}

func findIdle(workers []*managedWorker) *managedWorker {
	for _, w := range workers {
		if w.state == stateIdle {
			return w
		}
	}
	return nil
}

func findByID(workers []*managedWorker, id string) *managedWorker {
	for _, w := range workers {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (p *Pool) updateMetrics() {
	p.metricQueueDepth.WithLabelValues("interactive").Set(float64(len(p.interactive.queue)))
	p.metricQueueDepth.WithLabelValues("system").Set(float64(len(p.system.queue)))
	p.metricBusy.WithLabelValues("interactive").Set(float64(countBusy(p.interactive.workers)))
	p.metricBusy.WithLabelValues("system").Set(float64(countBusy(p.system.workers)))
}

func countBusy(workers []*managedWorker) int {
	n := 0
	for _, w := range workers {
		if w.state == stateBusy {
			n++
		}
	}
	return n
}

// Shutdown stops accepting new work, rejects queued jobs with
// POOL_SHUTTING_DOWN, asks busy workers to abort, and waits up to the
// configured deadline before forcibly terminating stragglers, per spec
// §4.7.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	p.shutdownCh <- done
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) handleShutdown(done chan struct{}) {
	for _, lq := range []*laneQueue{&p.interactive, &p.system} {
		for _, j := range lq.queue {
			j.done <- jobOutcome{err: errs.New(errs.KindPoolShuttingDown, "pool is shutting down")}
		}
		lq.queue = nil

		for _, w := range lq.workers {
			if w.state == stateBusy {
				w.toWorker <- abortMsg{jobID: w.currentJob}
			}
		}
	}

	deadline := time.NewTimer(p.cfg.ShutdownDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if p.allIdle() {
			break
		}
		select {
		case <-deadline.C:
			p.forceTerminateRemaining()
			close(done)
			return
		case m := <-p.fromWorkers:
			p.handleWorkerMsg(m)
		case <-tick.C:
		}
	}
	close(done)
}

func (p *Pool) allIdle() bool {
	for _, lq := range []*laneQueue{&p.interactive, &p.system} {
		for _, w := range lq.workers {
			if w.state == stateBusy {
				return false
			}
		}
	}
	return true
}

func (p *Pool) forceTerminateRemaining() {
	for _, lq := range []*laneQueue{&p.interactive, &p.system} {
		for _, w := range lq.workers {
			if w.state == stateBusy {
				if jv, ok := p.pendingJobs.LoadAndDelete(w.currentJob); ok {
					j := jv.(*job)
					j.done <- jobOutcome{err: errs.New(errs.KindPoolShuttingDown, "forcibly terminated at shutdown deadline")}
				}
				close(w.toWorker)
			}
		}
	}
}
