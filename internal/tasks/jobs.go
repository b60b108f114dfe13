package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

type BatchPurger interface {
	PurgeBatchesBefore(ctx context.Context, cutoffUnix int64) (int64, error)
}

// RetentionJob deletes batch records older than MaxAge. A zero MaxAge keeps
// records forever.
type RetentionJob struct {
	Store    BatchPurger
	MaxAge   time.Duration
	Cron     string
	OnPurged func(n int64)
	Logger   *zap.Logger
	Now      func() time.Time
}

func (j *RetentionJob) Name() string     { return "batch-retention" }
func (j *RetentionJob) Schedule() string { return j.Cron }

func (j *RetentionJob) Run(ctx context.Context) error {
	if j.MaxAge <= 0 {
		return nil
	}
	cutoff := now(j.Now).Add(-j.MaxAge).Unix()
	n, err := j.Store.PurgeBatchesBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if j.OnPurged != nil {
		j.OnPurged(n)
	}
	if n > 0 && j.Logger != nil {
		j.Logger.Info("Purged expired batch records", zap.Int64("count", n), zap.Int64("cutoff", cutoff))
	}
	return nil
}

// ManifestSweepJob removes temporary manifest files left behind by a crash.
type ManifestSweepJob struct {
	Dir     string
	Pattern string
	MaxAge  time.Duration
	Cron    string
	Logger  *zap.Logger
	Now     func() time.Time
}

func (j *ManifestSweepJob) Name() string     { return "manifest-sweep" }
func (j *ManifestSweepJob) Schedule() string { return j.Cron }

func (j *ManifestSweepJob) Run(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(j.Dir, j.Pattern))
	if err != nil {
		return err
	}
	cutoff := now(j.Now).Add(-j.MaxAge)
	var errs []error
	removed := 0
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 && j.Logger != nil {
		j.Logger.Info("Removed stale manifest files", zap.Int("count", removed), zap.String("dir", j.Dir))
	}
	return errors.Join(errs...)
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}
