package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakePurger struct {
	cutoff int64
	n      int64
}

func (p *fakePurger) PurgeBatchesBefore(_ context.Context, cutoff int64) (int64, error) {
	p.cutoff = cutoff
	return p.n, nil
}

func TestRetentionJob(t *testing.T) {
	fixed := time.Unix(10_000, 0)
	purger := &fakePurger{n: 3}
	var purged int64
	job := &RetentionJob{
		Store:    purger,
		MaxAge:   time.Hour,
		OnPurged: func(n int64) { purged = n },
		Logger:   zaptest.NewLogger(t),
		Now:      func() time.Time { return fixed },
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if purger.cutoff != 10_000-3600 || purged != 3 {
		t.Fatalf("cutoff=%d purged=%d", purger.cutoff, purged)
	}

	disabled := &RetentionJob{Store: &fakePurger{}}
	if err := disabled.Run(context.Background()); err != nil {
		t.Fatalf("disabled run: %v", err)
	}
}

func TestManifestSweepJob(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "batch_1_2.json")
	fresh := filepath.Join(dir, "batch_1_3.json")
	other := filepath.Join(dir, "notes.json")
	for _, path := range []string{old, fresh, other} {
		if err := os.WriteFile(path, []byte("[]"), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	for _, path := range []string{old, other} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	job := &ManifestSweepJob{Dir: dir, Pattern: "batch_*.json", MaxAge: time.Hour, Logger: zaptest.NewLogger(t)}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(old); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("old manifest should be removed")
	}
	for _, path := range []string{fresh, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s should be kept: %v", path, err)
		}
	}
}

type blockingJob struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	runs    int
}

func (j *blockingJob) Name() string     { return "blocking" }
func (j *blockingJob) Schedule() string { return "@every 1h" }

func (j *blockingJob) Run(ctx context.Context) error {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	close(j.started)
	select {
	case <-j.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	job := &blockingJob{started: make(chan struct{}), release: make(chan struct{})}
	if err := s.Register(job); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(job); err == nil {
		t.Fatal("expected duplicate job name to fail")
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "blocking") }()
	<-job.started

	if err := s.RunNow(context.Background(), "blocking"); err != nil {
		t.Fatalf("overlapping run should be skipped, got %v", err)
	}
	close(job.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if job.runs != 1 {
		t.Fatalf("expected one run, got %d", job.runs)
	}

	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown job to fail")
	}
}

type namedJob struct{ schedule string }

func (j namedJob) Name() string              { return "named" }
func (j namedJob) Schedule() string          { return j.schedule }
func (j namedJob) Run(context.Context) error { return nil }

func TestSchedulerStartValidatesSchedules(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	if err := s.Register(namedJob{schedule: "not a schedule"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("expected invalid schedule to fail")
	}

	s = NewScheduler(zaptest.NewLogger(t))
	if err := s.Register(namedJob{schedule: "17 * * * *"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type tickingJob struct {
	ticked chan struct{}
}

func (j *tickingJob) Name() string     { return "ticking" }
func (j *tickingJob) Schedule() string { return "@every 1s" }

func (j *tickingJob) Run(ctx context.Context) error {
	select {
	case j.ticked <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil
}

func TestSchedulerStopWhileTickRuns(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	job := &tickingJob{ticked: make(chan struct{}, 1)}
	if err := s.Register(job); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A tick has to make progress even while the scheduler mutex is held.
	s.mu.Lock()
	select {
	case <-job.ticked:
		s.mu.Unlock()
	case <-time.After(3 * time.Second):
		s.mu.Unlock()
		t.Fatal("scheduled run blocked on the scheduler mutex")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop with a running job: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
