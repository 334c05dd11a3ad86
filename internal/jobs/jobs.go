// Package jobs runs the service's periodic background work on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/cardescrow/internal/metrics"
)

// Func is the body of a job. It receives the scheduler's context, which is
// cancelled on Stop.
type Func func(ctx context.Context)

type job struct {
	name string
	spec string
	fn   Func
	mu   sync.Mutex // a job never overlaps with itself
}

// Scheduler wraps a cron.Cron. Schedules are evaluated in UTC.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name. spec is a standard five-field cron
// expression or a descriptor such as "@every 5m".
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if _, err := s.cron.AddFunc(spec, func() { s.safeRun(s.ctx, j) }); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, spec, err)
	}
	s.jobs[name] = j
	return nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them to return, or for ctx to
// end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("job scheduler stop timed out")
	}
}

// RunNow runs a registered job synchronously with ctx. It waits if the job
// is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	s.safeRun(ctx, j)
	return nil
}

// Names lists the registered jobs.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.JobRunsTotal.WithLabelValues(j.name, "panic").Inc()
			s.logger.Error("panic in scheduled job", "job", j.name, "panic", fmt.Sprint(r))
			return
		}
		metrics.JobRunsTotal.WithLabelValues(j.name, "ok").Inc()
		s.logger.Debug("job finished", "job", j.name, "duration", time.Since(start))
	}()

	if ctx.Err() != nil {
		return
	}
	j.fn(ctx)
}
