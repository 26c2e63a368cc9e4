package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once               sync.Once
	attemptDuration    *prom.HistogramVec
	attemptResults     *prom.CounterVec
	fixResults         *prom.CounterVec
	runOutcomes        *prom.CounterVec
	runDuration        prom.Histogram
	activeRuns         prom.Gauge
	droppedSubscribers prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.attemptDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildfix",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of individual build attempts",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"mode"})
		pr.attemptResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildfix",
			Name:      "attempt_results_total",
			Help:      "Build attempt results by mode",
		}, []string{"mode", "result"})
		pr.fixResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildfix",
			Name:      "fix_requests_total",
			Help:      "Fix service requests by result",
		}, []string{"result"})
		pr.runOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildfix",
			Name:      "run_outcomes_total",
			Help:      "Orchestration runs by final outcome",
		}, []string{"outcome"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "buildfix",
			Name:      "run_duration_seconds",
			Help:      "Total orchestration run duration",
			Buckets:   []float64{5, 30, 60, 300, 600, 1800, 3600, 7200},
		})
		pr.activeRuns = prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildfix",
			Name:      "active_runs",
			Help:      "Orchestration runs currently in progress",
		})
		pr.droppedSubscribers = prom.NewCounter(prom.CounterOpts{
			Namespace: "buildfix",
			Name:      "dropped_subscribers_total",
			Help:      "Log subscribers disconnected for falling behind",
		})
		reg.MustRegister(pr.attemptDuration, pr.attemptResults, pr.fixResults, pr.runOutcomes, pr.runDuration, pr.activeRuns, pr.droppedSubscribers)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveAttemptDuration(mode string, d time.Duration) {
	if p == nil || p.attemptDuration == nil {
		return
	}
	p.attemptDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncAttemptResult(mode string, result ResultLabel) {
	if p == nil || p.attemptResults == nil {
		return
	}
	p.attemptResults.WithLabelValues(mode, string(result)).Inc()
}

func (p *PrometheusRecorder) IncFixResult(result ResultLabel) {
	if p == nil || p.fixResults == nil {
		return
	}
	p.fixResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome string) {
	if p == nil || p.runOutcomes == nil {
		return
	}
	p.runOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddActiveRuns(delta int) {
	if p == nil || p.activeRuns == nil {
		return
	}
	p.activeRuns.Add(float64(delta))
}

func (p *PrometheusRecorder) IncDroppedSubscribers() {
	if p == nil || p.droppedSubscribers == nil {
		return
	}
	p.droppedSubscribers.Inc()
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
