package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/aparcar/asu/buildfix/internal/builder"
	"github.com/aparcar/asu/buildfix/internal/diagnostics"
	"github.com/aparcar/asu/buildfix/internal/fsutil"
	"github.com/aparcar/asu/buildfix/internal/models"
)

// ErrorReport is written when a run fails after exhausting its options.
type ErrorReport struct {
	Project     string               `json:"project"`
	RunID       string               `json:"runId"`
	Reason      models.FailureReason `json:"reason"`
	Message     string               `json:"message"`
	Attempts    int                  `json:"attempts"`
	FixAttempts int                  `json:"fixAttempts"`
	StartedAt   time.Time            `json:"startedAt"`
	EndedAt     time.Time            `json:"endedAt"`
	Errors      []string             `json:"errors"`
}

// LoadErrorReport reads the error report of project, if one was written.
func (c *Controller) LoadErrorReport(project string) (*ErrorReport, error) {
	if err := models.ValidateProjectID(project); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.ReportPath(project))
	if err != nil {
		return nil, err
	}
	var report ErrorReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode error report: %w", err)
	}
	return &report, nil
}

// removeErrorReport deletes the report of a previous run.
func (r *run) removeErrorReport() error {
	err := os.Remove(r.c.ReportPath(r.project))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *run) writeErrorReport(result *models.BuildResult, endedAt time.Time) (string, error) {
	report := ErrorReport{
		Project:     r.project,
		RunID:       r.runID,
		Reason:      result.Reason,
		Message:     result.Message,
		Attempts:    r.attempts,
		FixAttempts: r.fixAttempts,
		StartedAt:   r.startedAt,
		EndedAt:     endedAt,
		Errors:      r.errorLines(r.c.opts.ErrorReportLines),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode error report: %w", err)
	}

	path := r.c.ReportPath(r.project)
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// errorLines returns the last n error lines of the most recent attempt that
// produced any, or the raw output tail when none were marked.
func (r *run) errorLines(n int) []string {
	var lines []string
	for _, a := range []*builder.Attempt{r.last, r.lastNormal} {
		if a == nil {
			continue
		}
		if lines = diagnostics.ErrorLines(a.Output.Lines()); len(lines) > 0 {
			break
		}
	}
	if len(lines) == 0 && r.last != nil {
		lines = r.last.Output.Tail(n)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if lines == nil {
		lines = []string{}
	}
	return lines
}
