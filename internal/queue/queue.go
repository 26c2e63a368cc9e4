package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/db"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrAlreadyQueued is returned when the project has a pending or building job
	ErrAlreadyQueued = errors.New("project is already queued or building")
	// ErrQueueFull is returned when max_pending_jobs is reached
	ErrQueueFull = errors.New("build queue is full")
)

// Runner executes one orchestration run for a project
type Runner interface {
	Run(ctx context.Context, project string) (*models.BuildResult, error)
}

// Worker processes build jobs from the queue
type Worker struct {
	db       *db.DB
	runner   Runner
	status   models.StatusStore
	config   *config.Config
	stopCh   chan struct{}
	inFlight atomic.Int32
}

// NewWorker creates a new worker instance
func NewWorker(database *db.DB, runner Runner, status models.StatusStore, cfg *config.Config) *Worker {
	return &Worker{
		db:     database,
		runner: runner,
		status: status,
		config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins processing jobs from the queue. It returns once ctx is done
// or Stop is called and every running job has finished.
func (w *Worker) Start(ctx context.Context) {
	if err := RecoverInterrupted(ctx, w.db, w.status, w.config.WorkerID); err != nil {
		slog.Error("Failed to recover interrupted jobs", logfields.Error(err))
	}

	ticker := time.NewTicker(time.Duration(w.config.WorkerPollSecs) * time.Second)
	defer ticker.Stop()

	p := pool.New().WithMaxGoroutines(w.config.WorkerConcurrent)
	defer p.Wait()

	slog.Info("Worker started",
		logfields.Worker(w.config.WorkerID),
		slog.Int("concurrency", w.config.WorkerConcurrent),
		slog.Int("poll_seconds", w.config.WorkerPollSecs))

	// Process immediately on start
	w.processJobs(ctx, p)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Worker shutting down", logfields.Worker(w.config.WorkerID))
			return
		case <-w.stopCh:
			slog.Info("Worker stopped", logfields.Worker(w.config.WorkerID))
			return
		case <-ticker.C:
			w.processJobs(ctx, p)
		}
	}
}

// Stop signals the worker to stop
func (w *Worker) Stop() {
	close(w.stopCh)
}

// processJobs claims as many pending jobs as there are free slots
func (w *Worker) processJobs(ctx context.Context, p *pool.Pool) {
	free := w.config.WorkerConcurrent - int(w.inFlight.Load())
	if free <= 0 {
		return
	}

	jobs, err := w.db.GetPendingJobs(free)
	if err != nil {
		slog.Error("Failed to get pending jobs", logfields.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	slog.Debug("Found pending jobs", slog.Int("count", len(jobs)))

	for _, job := range jobs {
		claimed, err := w.db.ClaimBuildJob(job.ID, w.config.WorkerID)
		if err != nil {
			slog.Error("Failed to claim job", logfields.JobID(job.ID), logfields.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		w.inFlight.Add(1)
		p.Go(func() {
			defer w.inFlight.Add(-1)
			w.processJob(ctx, job)
		})
	}
}

// processJob runs a claimed job to completion
func (w *Worker) processJob(ctx context.Context, job *models.BuildJob) {
	log := slog.With(logfields.JobID(job.ID), logfields.Project(job.Project), logfields.Worker(w.config.WorkerID))
	log.Info("Processing job")

	startTime := time.Now()
	result, err := w.runner.Run(ctx, job.Project)
	duration := time.Since(startTime)

	if err != nil {
		log.Error("Orchestration run failed", logfields.Error(err))
		if err := w.db.FailBuildJob(job.ID, err.Error()); err != nil {
			log.Error("Failed to mark job as failed", logfields.Error(err))
		}
		return
	}

	if !result.Success {
		log.Info("Build failed",
			logfields.Reason(string(result.Reason)),
			logfields.DurationMS(float64(duration.Milliseconds())))
		msg := string(result.Reason)
		if result.Message != "" {
			msg += ": " + result.Message
		}
		if err := w.db.FailBuildJob(job.ID, msg); err != nil {
			log.Error("Failed to mark job as failed", logfields.Error(err))
		}
		return
	}

	if err := w.db.CompleteBuildJob(job.ID); err != nil {
		log.Error("Failed to mark job as completed", logfields.Error(err))
		return
	}

	log.Info("Build completed",
		logfields.Path(result.ArtifactPath),
		slog.Bool("degraded", result.Degraded),
		logfields.DurationMS(float64(duration.Milliseconds())))
}

// EnqueueJob adds a new build job to the queue and returns its position
func EnqueueJob(database *db.DB, project string, maxPending int) (int, error) {
	// Check if already in queue or building
	existingJob, err := database.GetActiveJob(project)
	if err != nil {
		return 0, fmt.Errorf("failed to check existing job: %w", err)
	}
	if existingJob != nil {
		return 0, ErrAlreadyQueued
	}

	queueLen, err := database.GetQueueLength()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	if maxPending > 0 && queueLen >= maxPending {
		return 0, ErrQueueFull
	}

	id, err := database.CreateBuildJob(project)
	if err != nil {
		if errors.Is(err, db.ErrActiveJobExists) {
			return 0, ErrAlreadyQueued
		}
		return 0, fmt.Errorf("failed to create build job: %w", err)
	}

	position, err := database.GetQueuePosition(project)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue position: %w", err)
	}

	slog.Info("Enqueued job", logfields.JobID(id), logfields.Project(project), slog.Int("queue_position", position))
	return position, nil
}

// CancelPending removes a job that has not started and records the run as
// cancelled. It reports whether a pending job existed.
func CancelPending(ctx context.Context, database *db.DB, status models.StatusStore, project string) (bool, error) {
	cancelled, err := database.CancelPendingJob(project)
	if err != nil || !cancelled {
		return false, err
	}

	result := &models.BuildResult{
		Success: false,
		Reason:  models.ReasonCancelled,
		Message: "cancelled before start",
	}
	if err := status.SetTerminal(ctx, project, time.Now().UTC(), result); err != nil {
		return true, fmt.Errorf("failed to record cancellation: %w", err)
	}

	slog.Info("Cancelled pending job", logfields.Project(project))
	return true, nil
}

// RecoverInterrupted fails jobs this worker left building before a restart
// and closes their still in-progress status records.
func RecoverInterrupted(ctx context.Context, database *db.DB, status models.StatusStore, workerID string) error {
	projects, err := database.FailInterruptedJobs(workerID)
	if err != nil {
		return err
	}

	for _, project := range projects {
		st, err := status.Get(ctx, project)
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", project, err)
		}
		if st.State != models.StateInProgress {
			continue
		}

		result := &models.BuildResult{
			Success: false,
			Reason:  models.ReasonInternal,
			Message: "interrupted by service restart",
		}
		if err := status.SetTerminal(ctx, project, time.Now().UTC(), result); err != nil {
			return fmt.Errorf("failed to close status of %s: %w", project, err)
		}
		slog.Warn("Recovered interrupted job", logfields.Project(project), logfields.Worker(workerID))
	}
	return nil
}
