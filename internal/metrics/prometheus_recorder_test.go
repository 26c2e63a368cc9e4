package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveAttemptDuration("normal", 2*time.Second)
	pr.IncAttemptResult("normal", ResultFailed)
	pr.IncAttemptResult("normal", ResultFailed)
	pr.IncAttemptResult("compile_only", ResultSuccess)
	pr.IncFixResult(ResultRejected)
	pr.IncRunOutcome(OutcomeDegraded)
	pr.ObserveRunDuration(time.Minute)
	pr.AddActiveRuns(2)
	pr.AddActiveRuns(-1)
	pr.IncDroppedSubscribers()

	assert.Equal(t, 2.0, testutil.ToFloat64(pr.attemptResults.WithLabelValues("normal", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.fixResults.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.runOutcomes.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.droppedSubscribers))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	assert.NotPanics(t, func() {
		pr.IncRunOutcome(OutcomeFailed)
		pr.AddActiveRuns(1)
		pr.IncDroppedSubscribers()
	})
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).IncRunOutcome(OutcomeSucceeded)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `buildfix_run_outcomes_total{outcome="succeeded"} 1`))
}

func TestNoopRecorderImplementsRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncRunOutcome(OutcomeFailed)
}
