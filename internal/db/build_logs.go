package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aparcar/asu/buildfix/internal/models"
)

var _ models.LogStore = (*DB)(nil)

// AppendLog stores one log line
func (db *DB) AppendLog(ctx context.Context, event models.LogEvent) error {
	query := `INSERT INTO build_logs (project, seq, ts, message) VALUES (?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query, event.Project, event.Sequence, event.Timestamp.UnixNano(), event.Message)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ReadLogs returns a project's log lines after afterSeq in sequence order
func (db *DB) ReadLogs(ctx context.Context, project string, afterSeq int64) ([]models.LogEvent, error) {
	query := `
		SELECT seq, ts, message
		FROM build_logs
		WHERE project = ? AND seq > ?
		ORDER BY seq ASC
	`

	rows, err := db.QueryContext(ctx, query, project, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var events []models.LogEvent
	for rows.Next() {
		event := models.LogEvent{Project: project}
		var ts int64
		if err := rows.Scan(&event.Sequence, &ts, &event.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, event)
	}

	return events, rows.Err()
}

// LastSequence returns the highest stored sequence number, 0 when empty
func (db *DB) LastSequence(ctx context.Context, project string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM build_logs WHERE project = ?`, project).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last sequence: %w", err)
	}
	return seq, nil
}

// ResetLogs deletes a project's durable log
func (db *DB) ResetLogs(ctx context.Context, project string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM build_logs WHERE project = ?`, project); err != nil {
		return fmt.Errorf("failed to reset logs: %w", err)
	}
	return nil
}

// PruneLogs removes durable logs of projects whose last run ended before
// the per-state cutoffs
func (db *DB) PruneLogs(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM build_logs
		WHERE project IN (
			SELECT project FROM build_status
			WHERE (state = ? AND ended_at < ?) OR (state = ? AND ended_at < ?)
		)
	`

	result, err := db.ExecContext(ctx, query,
		models.StateCompleted, completedBefore.UnixNano(),
		models.StateFailed, failedBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	return result.RowsAffected()
}
