// Package scheduler implements a cooperative job runner that keeps a
// registered service instance's token and lease fresh, built around
// an explicit job registry with per-host startup jitter derived from
// the machine identity.
package scheduler

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/errs"
	"github.com/tradeflow/ctrlplane/flog"
)

// Job is a unit of work the scheduler runs at Interval. Execute errors
// are swallowed at the scheduler boundary and only logged; each job
// owns its own retry policy.
type Job struct {
	Name     string
	Interval time.Duration
	Execute  func(ctx context.Context) error
}

// Scheduler runs a fixed set of registered jobs on independent
// timers until Stop.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	started bool
	clk     clock.Clock
	log     *flog.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(clk clock.Clock, log *flog.Logger) *Scheduler {
	if log == nil {
		log = flog.Default()
	}
	return &Scheduler{clk: clk, log: log.With("scheduler")}
}

// Register adds job to the schedule. Must be called before Start;
// registering after Start is rejected with errs.Conflict.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errs.New(errs.Conflict, "cannot register job "+job.Name+" after the scheduler has started")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start schedules every registered job at its interval. Each job runs
// on its own goroutine, serially with respect to itself only (no
// overlapping executions of the same job), using hostJitterSeed to spread
// the first tick of identically configured jobs across hosts.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.quit = make(chan struct{})
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	jitterSeed := hostJitterSeed()
	for _, job := range jobs {
		job := job
		s.wg.Add(1)
		go s.runJob(ctx, job, jitterSeed)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job, jitterSeed uint32) {
	defer s.wg.Done()

	firstDelay := time.Duration(jitterSeed%1000) * time.Millisecond
	select {
	case <-s.quit:
		return
	case <-ctx.Done():
		return
	case <-s.after(firstDelay):
	}

	for {
		s.execute(ctx, job)

		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-s.after(job.Interval):
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", flog.String("job", job.Name))
		}
	}()
	if err := job.Execute(ctx); err != nil {
		s.log.Warn("scheduled job returned an error", flog.String("job", job.Name), flog.Err(err))
	}
}

func (s *Scheduler) after(d time.Duration) <-chan time.Time {
	if s.clk != nil {
		return s.clk.After(d)
	}
	return time.After(d)
}

// Stop cancels pending timers; in-flight executions are allowed to
// complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	quit := s.quit
	s.mu.Unlock()

	close(quit)
	s.wg.Wait()
}

// hostJitterSeed derives a stable per-host seed from the machine
// identity, so a fleet of instances sharing the same job interval
// doesn't tick in lockstep against the registry.
func hostJitterSeed() uint32 {
	id, err := machineid.ID()
	if err != nil || id == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}
