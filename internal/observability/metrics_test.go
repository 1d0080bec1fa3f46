package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RunLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RunStarted()
	m.RunStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.activeRuns))

	m.RunFinished("succeeded", 2, 3*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsFinished.WithLabelValues("succeeded")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.runsStarted))
}

func TestMetrics_ObserveCall(t *testing.T) {
	m := NewMetrics()

	m.ObserveCall("generator", 120*time.Millisecond, nil)
	m.ObserveCall("generator", 80*time.Millisecond, errors.New("503"))

	assert.Equal(t, 2, testutil.CollectAndCount(m.callDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RunStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "textimage_runs_started_total 1")
}
