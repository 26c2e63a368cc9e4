// Package metrics provides build orchestration metrics behind a Recorder
// interface. NoopRecorder is the default; PrometheusRecorder is activated
// by metrics_enabled.
package metrics

import "time"

// ResultLabel enumerates attempt and fix result categories for counters.
type ResultLabel string

const (
	ResultSuccess     ResultLabel = "success"
	ResultFailed      ResultLabel = "failed"
	ResultTimeout     ResultLabel = "timeout"
	ResultCanceled    ResultLabel = "canceled"
	ResultRejected    ResultLabel = "rejected"
	ResultUnavailable ResultLabel = "unavailable"
)

// Run outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeDegraded  = "degraded"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Recorder defines observability hooks for orchestration runs.
type Recorder interface {
	ObserveAttemptDuration(mode string, d time.Duration)
	IncAttemptResult(mode string, result ResultLabel)
	IncFixResult(result ResultLabel)
	IncRunOutcome(outcome string)
	ObserveRunDuration(d time.Duration)
	AddActiveRuns(delta int)
	IncDroppedSubscribers()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveAttemptDuration(string, time.Duration) {}
func (NoopRecorder) IncAttemptResult(string, ResultLabel)         {}
func (NoopRecorder) IncFixResult(ResultLabel)                     {}
func (NoopRecorder) IncRunOutcome(string)                         {}
func (NoopRecorder) ObserveRunDuration(time.Duration)             {}
func (NoopRecorder) AddActiveRuns(int)                            {}
func (NoopRecorder) IncDroppedSubscribers()                       {}
