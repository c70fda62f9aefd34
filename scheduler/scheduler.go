// Package scheduler runs recurring jobs on fixed intervals with single-flight semantics: a tick that finds the
// previous run of the same job still active is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/metrics"
)

// Job is the body of a scheduled job. Returned errors and panics are logged and counted, never propagated.
type Job func(ctx context.Context) error

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrBadInterval  = errors.New("job interval must be positive")
	ErrStarted      = errors.New("scheduler already started")
)

type job struct {
	name     string
	interval time.Duration
	fn       Job
	active   atomic.Bool
}

// Scheduler owns the run state of every registered job.
type Scheduler struct {
	log   *logrus.Entry
	guard Guard

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	wg      sync.WaitGroup
}

// New returns a scheduler. A nil guard means jobs are only single-flight within this process.
func New(log *logrus.Entry, guard Guard) *Scheduler {
	if guard == nil {
		guard = LocalGuard{}
	}
	return &Scheduler{
		log:   log.WithField("component", "scheduler"),
		guard: guard,
		jobs:  make(map[string]*job),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn Job) error {
	if interval <= 0 {
		return fmt.Errorf("%s: %w", name, ErrBadInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateJob)
	}
	s.jobs[name] = &job{name: name, interval: interval, fn: fn}

	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Start launches one ticker per job. Tickers stop when ctx is done; use Wait to wait for running bodies.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	t := time.NewTicker(j.interval)
	defer t.Stop()

	s.log.WithFields(logrus.Fields{"job": j.name, "interval": j.interval}).Info("job scheduled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.run(ctx, j)
			}()
		}
	}
}

// Fire runs the job now, in the calling goroutine, unless a run is already active. It returns whether the body ran.
func (s *Scheduler) Fire(ctx context.Context, name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		s.log.WithField("job", name).Warn("fire: unknown job")
		return false
	}

	return s.run(ctx, j)
}

// Active reports whether a run of the job is in progress in this process.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]

	return ok && j.active.Load()
}

// Wait blocks until the tickers have stopped and the last bodies have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, j *job) bool {
	log := s.log.WithField("job", j.name)

	if !j.active.CompareAndSwap(false, true) {
		log.Debug("previous run still active, tick skipped")
		metrics.JobSkips.WithLabelValues(j.name).Inc()
		return false
	}
	defer j.active.Store(false)

	release, ok, err := s.guard.Acquire(ctx, j.name, lease(j.interval))
	if err != nil {
		log.WithError(err).Warn("acquiring job lease")
		metrics.JobFailures.WithLabelValues(j.name).Inc()
		return false
	}
	if !ok {
		log.Debug("job lease held elsewhere, tick skipped")
		metrics.JobSkips.WithLabelValues(j.name).Inc()
		return false
	}
	defer release()

	metrics.JobRuns.WithLabelValues(j.name).Inc()
	start := time.Now()

	err = call(ctx, j.fn)

	metrics.JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.WithError(err).Error("job failed")
		metrics.JobFailures.WithLabelValues(j.name).Inc()
	}

	return true
}

func call(ctx context.Context, fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	return fn(ctx)
}

// lease is the time a cluster lease survives without renewal.
func lease(interval time.Duration) time.Duration {
	if interval < 10*time.Second {
		return 10 * time.Second
	}
	return interval
}
