// Package tasks runs the bot's periodic housekeeping jobs.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
}

// Scheduler runs registered jobs on their cron schedules. A job whose previous
// run is still going skips the tick.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	locks  map[string]*sync.Mutex
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.locks[name]; exists {
		return fmt.Errorf("tasks: duplicate job name %q", name)
	}
	s.locks[name] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser))

	for _, j := range s.jobs {
		job := j
		// Ticks must not touch s.mu: Stop holds it while cron drains.
		lock := s.locks[job.Name()]
		if _, err := s.cron.AddFunc(job.Schedule(), func() { _ = s.run(ctx, job, lock) }); err != nil {
			cancel()
			return fmt.Errorf("tasks: invalid schedule for job %q: %w", job.Name(), err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// RunNow runs the named job immediately, honouring the per-job lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var found Job
	for _, j := range s.jobs {
		if j.Name() == name {
			found = j
			break
		}
	}
	lock := s.locks[name]
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("tasks: unknown job %q", name)
	}
	return s.run(ctx, found, lock)
}

func (s *Scheduler) run(ctx context.Context, job Job, lock *sync.Mutex) error {
	if !lock.TryLock() {
		s.logger.Warn("Job still running, skipping tick", zap.String("job", job.Name()))
		return nil
	}
	defer lock.Unlock()

	s.logger.Debug("Job started", zap.String("job", job.Name()))
	if err := job.Run(ctx); err != nil {
		s.logger.Error("Job failed", zap.String("job", job.Name()), zap.Error(err))
		return err
	}
	s.logger.Debug("Job completed", zap.String("job", job.Name()))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks: waiting for running jobs: %w", ctx.Err())
	}
}
