// Package janitor periodically removes durable logs and finished jobs that
// have outlived their retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/go-co-op/gocron/v2"
)

// Pruner deletes expired records.
type Pruner interface {
	PruneLogs(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
	PruneJobs(before time.Time) (int64, error)
}

// Options sets retention and sweep frequency.
type Options struct {
	BuildTTL   time.Duration
	FailureTTL time.Duration
	Interval   time.Duration
}

// OptionsFromConfig derives janitor options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BuildTTL:   time.Duration(cfg.BuildTTLSeconds) * time.Second,
		FailureTTL: time.Duration(cfg.FailureTTLSeconds) * time.Second,
		Interval:   time.Duration(cfg.JanitorIntervalSeconds) * time.Second,
	}
}

// Janitor wraps a gocron scheduler running the retention sweep.
type Janitor struct {
	scheduler gocron.Scheduler
	pruner    Pruner
	opts      Options
	now       func() time.Time
}

// New creates a janitor. Nothing runs until Start.
func New(pruner Pruner, opts Options) (*Janitor, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("janitor interval must be positive, got %s", opts.Interval)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Janitor{
		scheduler: s,
		pruner:    pruner,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// Start schedules the sweep and begins the scheduler.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.opts.Interval),
		gocron.NewTask(j.sweep, ctx),
		gocron.WithName("retention-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create retention job: %w", err)
	}

	slog.Info("Starting janitor", slog.Duration("interval", j.opts.Interval))
	j.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (j *Janitor) Stop() error {
	slog.Info("Stopping janitor")
	return j.scheduler.Shutdown()
}

func (j *Janitor) sweep(ctx context.Context) {
	if _, _, err := j.Sweep(ctx); err != nil {
		slog.Error("Retention sweep failed", logfields.Error(err))
	}
}

// Sweep prunes once and returns the number of log lines and jobs removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, int64, error) {
	now := j.now().UTC()

	logs, err := j.pruner.PruneLogs(ctx, now.Add(-j.opts.BuildTTL), now.Add(-j.opts.FailureTTL))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prune logs: %w", err)
	}

	jobs, err := j.pruner.PruneJobs(now.Add(-max(j.opts.BuildTTL, j.opts.FailureTTL)))
	if err != nil {
		return logs, 0, fmt.Errorf("failed to prune jobs: %w", err)
	}

	if logs > 0 || jobs > 0 {
		slog.Info("Retention sweep removed records", slog.Int64("log_lines", logs), slog.Int64("jobs", jobs))
	}
	return logs, jobs, nil
}
