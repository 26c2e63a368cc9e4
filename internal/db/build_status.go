package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aparcar/asu/buildfix/internal/models"
)

var _ models.StatusStore = (*DB)(nil)

// SetInProgress replaces the project's status with a fresh in-progress record
func (db *DB) SetInProgress(ctx context.Context, project, runID string, startedAt time.Time) error {
	query := `
		INSERT OR REPLACE INTO build_status (project, run_id, state, started_at, ended_at, attempts, result)
		VALUES (?, ?, ?, ?, NULL, 0, NULL)
	`

	_, err := db.ExecContext(ctx, query, project, runID, models.StateInProgress, startedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set status in progress: %w", err)
	}
	return nil
}

// RecordAttempt updates the attempt counter of an in-progress run
func (db *DB) RecordAttempt(ctx context.Context, project string, attempts int) error {
	query := `UPDATE build_status SET attempts = ? WHERE project = ? AND state = ?`

	_, err := db.ExecContext(ctx, query, attempts, project, models.StateInProgress)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// SetTerminal stores the final result. A project without a record gets one.
func (db *DB) SetTerminal(ctx context.Context, project string, endedAt time.Time, result *models.BuildResult) error {
	state := models.StateFailed
	if result != nil && result.Success {
		state = models.StateCompleted
	}

	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal build result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO build_status (project, state, ended_at, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at,
			result = excluded.result
	`

	_, err := db.ExecContext(ctx, query, project, state, endedAt.UnixNano(), resultJSON)
	if err != nil {
		return fmt.Errorf("failed to set terminal status: %w", err)
	}
	return nil
}

// Get returns the project's status, NotStarted when there is no record
func (db *DB) Get(ctx context.Context, project string) (*models.BuildStatus, error) {
	query := `
		SELECT project, run_id, state, started_at, ended_at, attempts, result
		FROM build_status
		WHERE project = ?
	`

	var status models.BuildStatus
	var startedAt, endedAt sql.NullInt64
	var resultJSON sql.NullString

	err := db.QueryRowContext(ctx, query, project).Scan(
		&status.Project,
		&status.RunID,
		&status.State,
		&startedAt,
		&endedAt,
		&status.Attempts,
		&resultJSON,
	)
	if err == sql.ErrNoRows {
		return models.NotStarted(project), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build status: %w", err)
	}

	status.StartedAt = timeFromUnixNano(startedAt)
	status.EndedAt = timeFromUnixNano(endedAt)

	if resultJSON.Valid {
		var result models.BuildResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal build result: %w", err)
		}
		status.Result = &result
	}

	return &status, nil
}
