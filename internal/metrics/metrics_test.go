package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New("reactor", nil)
	m.SetPoolSize(3)
	m.Spawned()
	m.Spawned()
	m.SpawnFailed()
	m.SetDepth(17)
	m.Processed(OutcomeAck, time.Millisecond)
	m.Processed(OutcomeRetry, time.Millisecond)
	m.Processed(OutcomeAck, time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Spawns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpawnFailures))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues(OutcomeAck)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetPoolSize(1)
	m.Spawned()
	m.Processed(OutcomeDrop, time.Second)
	m.Retried(time.Second)
	m.Storage().ObserveWrite(time.Millisecond, 10)
}

func TestHandlerServesStorageMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("reactor", reg)
	m.Storage().ObserveBatchCommit(time.Millisecond, 2, 128)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `reactor_storage_bytes_total{op="write"} 128`), body)
	assert.True(t, strings.Contains(body, "reactor_storage_op_seconds"), body)
}
