package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Task is one named recurring job. Run is called once per tick,
// through the task's own circuit breaker.
type Task struct {
	Name     string
	Interval time.Duration
	JitterPc int // +/- percentage of Interval applied to each tick
	Run      func(ctx context.Context) error
}

// Scheduler runs a set of registered Tasks on their own jittered
// ticker, each guarded by a per-task CircuitBreaker from Manager, so a
// consistently failing task backs off instead of hammering its
// collaborator every tick. Ticker-loop idiom grounded on this
// codebase's internal/ghostpool/pool_manager.go's maintainPool
// background loop, generalized from a fixed 2s poll to a per-task
// jittered interval with Start/Stop lifecycle.
type Scheduler struct {
	breakers *Manager
	log      *log.Logger

	mu     sync.Mutex
	tasks  []Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(breakers *Manager, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{breakers: breakers, log: logger}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start launches one goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		t := t
		cb := s.breakers.GetOrCreate(t.Name, DefaultConfig(t.Name))
		s.wg.Add(1)
		go s.runTask(ctx, t, cb)
	}
}

// Stop cancels every task goroutine and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task, cb *CircuitBreaker) {
	defer s.wg.Done()

	timer := time.NewTimer(s.jittered(t))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := cb.ExecuteContext(ctx, t.Run); err != nil {
				s.log.Printf("scheduler: task %q failed: %v", t.Name, err)
			}
			timer.Reset(s.jittered(t))
		}
	}
}

// jittered returns Interval +/- JitterPc%, avoiding synchronized
// thundering-herd polling across tenants/tasks sharing an interval.
func (s *Scheduler) jittered(t Task) time.Duration {
	if t.JitterPc <= 0 {
		return t.Interval
	}
	spread := float64(t.Interval) * float64(t.JitterPc) / 100.0
	delta := (rand.Float64()*2 - 1) * spread
	d := time.Duration(float64(t.Interval) + delta)
	if d <= 0 {
		d = t.Interval
	}
	return d
}
