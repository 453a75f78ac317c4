package monitor

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ImagesDecoded)
	ImagesDecoded.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ImagesDecoded))

	HTTPRequests.WithLabelValues("/api/ping", "200").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequests.WithLabelValues("/api/ping", "200")))
}

func TestHandler(t *testing.T) {
	BatchesProduced.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "batches_produced_total")
	assert.Contains(t, rec.Body.String(), "engine_artifacts_built_total")
}

func TestCheckProcessInfo(t *testing.T) {
	p, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	require.NoError(t, CheckProcessInfo(p))
	assert.Greater(t, testutil.ToFloat64(memUsage), float64(0))
}
