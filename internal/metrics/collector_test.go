package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshgate/internal/gate"
	"meshgate/internal/reconstruct"
)

func TestCollector_ObserveVerdict(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.ObserveVerdict(gate.GateVerdict{Status: gate.StatusAccept, Code: "acceptable"}, 200*time.Millisecond)
	c.ObserveVerdict(gate.GateVerdict{Status: gate.StatusAccept, Code: "acceptable"}, 100*time.Millisecond)
	c.ObserveVerdict(gate.GateVerdict{Status: gate.StatusError}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.verdictsTotal.WithLabelValues("accept", "acceptable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.verdictsTotal.WithLabelValues("error", "none")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.classifyDuration))
}

func TestCollector_ObserveReconstruction(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.ObserveReconstruction("fast", reconstruct.Succeeded("/t/fast_output/0/mesh.glb"), 40*time.Second)
	c.ObserveReconstruction("quality", reconstruct.Failed(reconstruct.ErrorTimeout, "too slow"), 30*time.Minute)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconstructionsTotal.WithLabelValues("fast", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconstructionsTotal.WithLabelValues("quality", "Timeout")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.reconstructionDuration))
}

func TestCollector_TrackInFlight(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	release := c.TrackInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconstructionsInFlight))
	release()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.reconstructionsInFlight))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("meshgate", zap.NewNop())
	c.RecordHTTPRequest(http.MethodPost, "/api/filter", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `meshgate_http_requests_total{method="POST",route="/api/filter",status="200"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}

func TestCollector_Isolated(t *testing.T) {
	a := NewCollector("test", zap.NewNop())
	b := NewCollector("test", zap.NewNop())

	a.ObserveVerdict(gate.GateVerdict{Status: gate.StatusReject, Code: "low_quality"}, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.verdictsTotal.WithLabelValues("reject", "low_quality")))
}
