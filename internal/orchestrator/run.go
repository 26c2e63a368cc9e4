package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aparcar/asu/buildfix/internal/builder"
	"github.com/aparcar/asu/buildfix/internal/diagnostics"
	"github.com/aparcar/asu/buildfix/internal/events"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/metrics"
	"github.com/aparcar/asu/buildfix/internal/models"
)

// linePrefix marks lines written by the orchestrator into the build log
const linePrefix = "[buildfix] "

// run is a single orchestration. It is driven by one goroutine.
type run struct {
	c *Controller
	// ctx ends the run when cancelled; bg outlives it for bookkeeping
	ctx     context.Context
	bg      context.Context
	release func()
	log     *slog.Logger

	project string
	path    string
	runID   string

	state  State
	mode   builder.Mode
	reason models.FailureReason

	startedAt   time.Time
	attempts    int
	fixAttempts int
	lastNormal  *builder.Attempt
	last        *builder.Attempt
}

func (r *run) execute() (*models.BuildResult, error) {
	defer r.release()
	d := r.c.deps

	r.startedAt = time.Now().UTC()
	if err := d.Logs.Open(r.bg, r.project); err != nil {
		r.log.Warn("Failed to reset durable log", logfields.Error(err))
	}
	defer d.Logs.Close(r.project)

	if err := d.Status.SetInProgress(r.bg, r.project, r.runID, r.startedAt); err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}

	if err := r.removeErrorReport(); err != nil {
		r.log.Warn("Failed to remove previous error report", logfields.Error(err))
	}

	d.Recorder.AddActiveRuns(1)
	defer d.Recorder.AddActiveRuns(-1)
	r.log.Info("Orchestration run started", logfields.Path(r.path))

	result := r.drive()
	endedAt := time.Now().UTC()

	if result.Reason == models.ReasonRetriesExhausted || result.Reason == models.ReasonVerificationFailed {
		path, err := r.writeErrorReport(result, endedAt)
		if err != nil {
			r.log.Error("Failed to write error report", logfields.Error(err))
		} else {
			result.ErrorReportPath = path
		}
	}

	if err := d.Status.SetTerminal(r.bg, r.project, endedAt, result); err != nil {
		r.log.Error("Failed to record terminal status", logfields.Error(err))
		return result, fmt.Errorf("failed to record terminal status: %w", err)
	}

	d.Events.PublishResult(events.Result{Project: r.project, RunID: r.runID, Result: result, Time: endedAt})
	d.Recorder.ObserveRunDuration(endedAt.Sub(r.startedAt))
	d.Recorder.IncRunOutcome(outcomeLabel(result))

	if result.Success {
		r.publishf("run finished: artifact %s (degraded=%t, fix attempts=%d)", result.ArtifactPath, result.Degraded, result.FixAttempts)
		r.log.Info("Orchestration run succeeded",
			logfields.Path(result.ArtifactPath),
			slog.Bool("degraded", result.Degraded),
			slog.Int("fix_attempts", result.FixAttempts),
			logfields.DurationMS(float64(endedAt.Sub(r.startedAt).Milliseconds())))
	} else {
		r.publishf("run failed: %s: %s", result.Reason, result.Message)
		r.log.Warn("Orchestration run failed",
			logfields.Reason(string(result.Reason)),
			slog.String("message", result.Message),
			slog.Int("fix_attempts", result.FixAttempts))
	}

	return result, nil
}

func (r *run) drive() *models.BuildResult {
	if err := r.c.deps.Runner.Validate(r.path); err != nil {
		return r.fail(models.ReasonInvalidProject, err)
	}

	r.mode = builder.ModeNormal
	r.transition(StateCompiling)
	result, verifyErr := r.normalBuild()
	if result != nil {
		return result
	}

	for verifyErr == nil && r.fixAttempts < r.c.opts.MaxFixAttempts {
		if r.ctx.Err() != nil {
			return r.cancelled()
		}
		r.fixAttempts++

		changed, result := r.fixIteration()
		if result != nil {
			return result
		}
		if !changed {
			continue
		}

		r.mode = builder.ModeNormal
		r.transition(StateCompiling)
		result, verifyErr = r.normalBuild()
		if result != nil {
			return result
		}
	}

	return r.fallback(verifyErr)
}

// normalBuild runs a full build. A non-nil result ends the run; a non-nil
// error means the build passed but its artifact did not verify.
func (r *run) normalBuild() (*models.BuildResult, error) {
	attempt, err := r.build(builder.ModeNormal)
	if result := r.interrupted(err); result != nil {
		return result, nil
	}
	if err != nil || !attempt.Succeeded() {
		r.transition(StateBuildFailed)
		return nil, nil
	}

	r.transition(StateBuildSucceeded)
	return r.verify(false)
}

// fixIteration analyses the last failure, asks for a fix and applies it. It
// reports whether any project file changed.
func (r *run) fixIteration() (bool, *models.BuildResult) {
	d := r.c.deps

	r.mode = builder.ModeCompileOnly
	r.transition(StateAnalyzingErrors)
	report := r.analyze()
	if r.ctx.Err() != nil {
		return false, r.cancelled()
	}

	r.transition(StateRequestingFix)
	r.publishf("fix attempt %d/%d: %d error(s) in %d file(s), %d general",
		r.fixAttempts, r.c.opts.MaxFixAttempts, report.Count(), len(report.Files), len(report.GeneralErrors))
	patches, err := d.Fixer.Request(r.ctx, r.path, report)
	if r.ctx.Err() != nil {
		return false, r.cancelled()
	}
	if err != nil {
		r.fixFailed(err)
		return false, nil
	}

	r.transition(StateApplyingFix)
	outcome, err := d.Fixer.Apply(r.path, patches)
	if err != nil {
		r.log.Warn("Failed to apply patches", logfields.Attempt(r.fixAttempts), logfields.Error(err))
	}
	if outcome == nil || !outcome.Changed() {
		if err == nil {
			err = models.Errorf(models.ReasonFixServiceRejected, "fix", "patch set changes nothing")
		}
		r.fixFailed(err)
		return false, nil
	}

	d.Recorder.IncFixResult(metrics.ResultSuccess)
	r.publishf("fix attempt %d applied %d file(s): %s", r.fixAttempts, len(outcome.Applied), strings.Join(outcome.Applied, ", "))
	if len(outcome.Rejected) > 0 {
		r.publishf("fix attempt %d dropped suspicious path(s): %s", r.fixAttempts, strings.Join(outcome.Rejected, ", "))
	}
	if len(outcome.Failed) > 0 {
		r.publishf("fix attempt %d could not write: %s", r.fixAttempts, strings.Join(outcome.Failed, ", "))
	}
	return true, nil
}

// analyze compiles without packaging and parses the errors. Output of the
// last full build is used when compilation reports nothing.
func (r *run) analyze() *diagnostics.Report {
	parser := r.c.parser

	attempt, _ := r.build(builder.ModeCompileOnly)
	var report *diagnostics.Report
	if attempt != nil {
		report = parser.ParseLines(attempt.Output.Lines())
	}
	if (report == nil || report.Empty()) && r.lastNormal != nil {
		report = parser.ParseLines(r.lastNormal.Output.Lines())
	}
	if report == nil {
		report = parser.ParseLines(nil)
	}

	r.log.Debug("Parsed build errors",
		logfields.Attempt(r.fixAttempts),
		slog.Int("files", len(report.Files)),
		slog.Int("general", len(report.GeneralErrors)))
	return report
}

func (r *run) fallback(verifyErr error) *models.BuildResult {
	if r.ctx.Err() != nil {
		return r.cancelled()
	}

	reason := models.ReasonRetriesExhausted
	cause := fmt.Errorf("build still failing after %d fix attempt(s)", r.fixAttempts)
	if verifyErr != nil {
		reason = models.ReasonVerificationFailed
		cause = verifyErr
	}

	r.mode = builder.ModeNoShade
	r.transition(StateFallbackBuild)
	attempt, err := r.build(builder.ModeNoShade)
	if result := r.interrupted(err); result != nil {
		return result
	}
	if err != nil || !attempt.Succeeded() {
		return r.fail(reason, fmt.Errorf("%w; fallback build failed", cause))
	}

	result, _ := r.verify(true)
	return result
}

// verify checks the artifact. For a degraded build a failed check ends the
// run; otherwise the error is returned so the fallback can be tried.
func (r *run) verify(degraded bool) (*models.BuildResult, error) {
	r.transition(StateVerifying)

	res, err := r.c.deps.Verifier.Verify(r.path)
	if err != nil {
		r.publishf("artifact verification failed: %v", err)
		if degraded {
			return r.fail(models.ReasonVerificationFailed, err), nil
		}
		return nil, err
	}

	r.transition(StateSucceeded)
	return &models.BuildResult{
		Success:      true,
		ArtifactPath: res.ArtifactPath,
		Checksum:     res.Checksum,
		Degraded:     degraded,
		FixAttempts:  r.fixAttempts,
	}, nil
}

// build runs the build tool once, forwarding every line to the log.
func (r *run) build(mode builder.Mode) (*builder.Attempt, error) {
	r.attempts++
	n := r.attempts
	r.publishf("attempt %d: %s build", n, mode)

	exec, err := r.c.deps.Runner.Run(r.ctx, r.path, mode)
	if err != nil {
		r.publishf("attempt %d could not start: %v", n, err)
		r.recordAttempt(mode, nil, err)
		return nil, err
	}

	for line := range exec.Lines() {
		r.publish(line)
	}
	attempt, err := exec.Wait()
	attempt.Ordinal = n

	r.recordAttempt(mode, attempt, err)
	if err != nil {
		r.publishf("attempt %d ended: %v", n, err)
	} else {
		r.publishf("attempt %d exited with code %d", n, attempt.ExitCode)
	}

	r.last = attempt
	if mode == builder.ModeNormal {
		r.lastNormal = attempt
	}
	return attempt, err
}

func (r *run) recordAttempt(mode builder.Mode, attempt *builder.Attempt, err error) {
	d := r.c.deps

	label := metrics.ResultFailed
	switch {
	case errors.Is(err, models.ErrTimeout):
		label = metrics.ResultTimeout
	case errors.Is(err, models.ErrCancelled):
		label = metrics.ResultCanceled
	case err == nil && attempt != nil && attempt.Succeeded():
		label = metrics.ResultSuccess
	}
	d.Recorder.IncAttemptResult(string(mode), label)

	attrs := []any{logfields.Attempt(r.attempts), logfields.Mode(string(mode)), slog.String("result", string(label))}
	if attempt != nil {
		d.Recorder.ObserveAttemptDuration(string(mode), attempt.Duration())
		attrs = append(attrs, logfields.ExitCode(attempt.ExitCode), logfields.DurationMS(float64(attempt.Duration().Milliseconds())))
	}
	if err != nil {
		attrs = append(attrs, logfields.Error(err))
	}
	r.log.Info("Build attempt finished", attrs...)

	if err := d.Status.RecordAttempt(r.bg, r.project, r.attempts); err != nil {
		r.log.Warn("Failed to record attempt", logfields.Error(err))
	}
}

func (r *run) fixFailed(err error) {
	label := metrics.ResultRejected
	if models.ReasonOf(err) == models.ReasonFixServiceUnavailable {
		label = metrics.ResultUnavailable
	}
	r.c.deps.Recorder.IncFixResult(label)
	r.publishf("fix attempt %d failed: %v", r.fixAttempts, err)
	r.log.Warn("Fix attempt failed", logfields.Attempt(r.fixAttempts), logfields.Error(err))
}

// interrupted turns cancellation and fatal runner errors into a result.
func (r *run) interrupted(err error) *models.BuildResult {
	if r.ctx.Err() != nil || errors.Is(err, models.ErrCancelled) {
		return r.cancelled()
	}
	if errors.Is(err, models.ErrInvalidProject) {
		return r.fail(models.ReasonInvalidProject, err)
	}
	return nil
}

func (r *run) cancelled() *models.BuildResult {
	return r.fail(models.ReasonCancelled, errors.New("run cancelled"))
}

func (r *run) fail(reason models.FailureReason, err error) *models.BuildResult {
	r.reason = reason
	r.transition(StateFailed)
	return &models.BuildResult{
		Success:     false,
		FixAttempts: r.fixAttempts,
		Reason:      reason,
		Message:     err.Error(),
	}
}

func (r *run) transition(to State) {
	if !CanTransition(r.state, to) {
		r.log.Error("Invalid state transition",
			slog.String("from", r.state.String()),
			slog.String("to", to.String()))
	}
	r.state = to

	t := events.Transition{
		Project: r.project,
		RunID:   r.runID,
		State:   to.String(),
		Attempt: r.fixAttempts,
		Time:    time.Now().UTC(),
	}
	switch to {
	case StateCompiling, StateAnalyzingErrors, StateFallbackBuild:
		t.Mode = string(r.mode)
	case StateFailed:
		t.Reason = r.reason
	}

	r.log.Debug("State transition", logfields.State(t.State), logfields.Attempt(r.fixAttempts))
	r.publishf("state: %s", to)
	r.c.deps.Events.PublishTransition(t)
}

func (r *run) publish(line string) {
	if _, err := r.c.deps.Logs.Publish(r.bg, r.project, line); err != nil {
		r.log.Debug("Failed to publish log line", logfields.Error(err))
	}
}

func (r *run) publishf(format string, args ...any) {
	r.publish(linePrefix + fmt.Sprintf(format, args...))
}

func outcomeLabel(result *models.BuildResult) string {
	switch {
	case result.Success && result.Degraded:
		return metrics.OutcomeDegraded
	case result.Success:
		return metrics.OutcomeSucceeded
	case result.Reason == models.ReasonCancelled:
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeFailed
	}
}
