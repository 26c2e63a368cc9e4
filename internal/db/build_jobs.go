package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aparcar/asu/buildfix/internal/models"
)

// ErrActiveJobExists is returned when a project already has a pending or
// building job
var ErrActiveJobExists = errors.New("project already has an active job")

const jobColumns = `id, project, status, enqueued_at, started_at, finished_at, error_message, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.BuildJob, error) {
	var job models.BuildJob
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Project,
		&job.Status,
		&job.EnqueuedAt,
		&startedAt,
		&finishedAt,
		&job.ErrorMessage,
		&job.WorkerID,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	return &job, nil
}

// CreateBuildJob inserts a new pending job for a project
func (db *DB) CreateBuildJob(project string) (int64, error) {
	query := `
		INSERT INTO build_jobs (project, status, enqueued_at)
		VALUES (?, ?, ?)
	`

	result, err := db.Exec(query, project, models.JobStatusPending, time.Now().UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrActiveJobExists
		}
		return 0, fmt.Errorf("failed to insert build job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// GetBuildJob retrieves the most recent job for a project
func (db *DB) GetBuildJob(project string) (*models.BuildJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM build_jobs
		WHERE project = ?
		ORDER BY id DESC
		LIMIT 1
	`

	job, err := scanJob(db.QueryRow(query, project))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build job: %w", err)
	}

	return job, nil
}

// GetActiveJob retrieves the pending or building job for a project
func (db *DB) GetActiveJob(project string) (*models.BuildJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM build_jobs
		WHERE project = ? AND status IN (?, ?)
		LIMIT 1
	`

	job, err := scanJob(db.QueryRow(query, project, models.JobStatusPending, models.JobStatusBuilding))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active job: %w", err)
	}

	return job, nil
}

// GetPendingJobs retrieves pending jobs in enqueue order
func (db *DB) GetPendingJobs(limit int) ([]*models.BuildJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM build_jobs
		WHERE status = ?
		ORDER BY id ASC
		LIMIT ?
	`

	rows, err := db.Query(query, models.JobStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BuildJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ClaimBuildJob moves a pending job to building. It returns false when the
// job was already claimed or cancelled.
func (db *DB) ClaimBuildJob(id int64, workerID string) (bool, error) {
	query := `
		UPDATE build_jobs
		SET status = ?, started_at = ?, worker_id = ?
		WHERE id = ? AND status = ?
	`

	result, err := db.Exec(query, models.JobStatusBuilding, time.Now().UTC(), workerID, id, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteBuildJob marks a job as completed
func (db *DB) CompleteBuildJob(id int64) error {
	query := `
		UPDATE build_jobs
		SET status = ?, finished_at = ?
		WHERE id = ?
	`

	_, err := db.Exec(query, models.JobStatusCompleted, time.Now().UTC(), id)
	return err
}

// FailBuildJob marks a job as failed
func (db *DB) FailBuildJob(id int64, errorMessage string) error {
	query := `
		UPDATE build_jobs
		SET status = ?, finished_at = ?, error_message = ?
		WHERE id = ?
	`

	_, err := db.Exec(query, models.JobStatusFailed, time.Now().UTC(), errorMessage, id)
	return err
}

// CancelPendingJob cancels a project's job that has not started yet
func (db *DB) CancelPendingJob(project string) (bool, error) {
	query := `
		UPDATE build_jobs
		SET status = ?, finished_at = ?, error_message = ?
		WHERE project = ? AND status = ?
	`

	result, err := db.Exec(query, models.JobStatusCancelled, time.Now().UTC(), "cancelled before start", project, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailInterruptedJobs fails jobs a worker left in building, typically after
// a restart, and returns their projects
func (db *DB) FailInterruptedJobs(workerID string) ([]string, error) {
	rows, err := db.Query(`SELECT project FROM build_jobs WHERE status = ? AND worker_id = ?`, models.JobStatusBuilding, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interrupted jobs: %w", err)
	}

	var projects []string
	for rows.Next() {
		var project string
		if err := rows.Scan(&project); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	query := `
		UPDATE build_jobs
		SET status = ?, finished_at = ?, error_message = ?
		WHERE status = ? AND worker_id = ?
	`
	if _, err := db.Exec(query, models.JobStatusFailed, time.Now().UTC(), "interrupted", models.JobStatusBuilding, workerID); err != nil {
		return nil, fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}

	return projects, nil
}

// GetQueueLength returns the number of pending jobs
func (db *DB) GetQueueLength() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM build_jobs WHERE status = ?", models.JobStatusPending).Scan(&count)
	return count, err
}

// GetQueuePosition returns the 1-based position of a project's pending job,
// or 0 when it has none
func (db *DB) GetQueuePosition(project string) (int, error) {
	job, err := db.GetActiveJob(project)
	if err != nil {
		return 0, err
	}
	if job == nil || job.Status != models.JobStatusPending {
		return 0, nil
	}

	var position int
	query := `
		SELECT COUNT(*) + 1
		FROM build_jobs
		WHERE status = ? AND id < ?
	`
	err = db.QueryRow(query, models.JobStatusPending, job.ID).Scan(&position)
	return position, err
}

// PruneJobs deletes finished jobs older than before
func (db *DB) PruneJobs(before time.Time) (int64, error) {
	query := `
		DELETE FROM build_jobs
		WHERE status IN (?, ?, ?) AND finished_at < ?
	`

	result, err := db.Exec(query, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return result.RowsAffected()
}
