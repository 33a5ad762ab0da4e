package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_TrackQueueOperation(t *testing.T) {
	m := NewMonitor()

	m.TrackQueueOperation("admit", "evt1", "success")
	m.TrackQueueOperation("admit", "evt1", "success")
	m.TrackQueueOperation("admit", "evt1", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueOperations.WithLabelValues("admit", "evt1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueOperations.WithLabelValues("admit", "evt1", "error")))
}

func TestMonitor_Gauges(t *testing.T) {
	m := NewMonitor()

	m.SetQueueLength("evt1", "waiting", 12)
	m.SetWorkers(2, 5)
	m.SetBreakerState("publisher", 2)

	assert.Equal(t, 12.0, testutil.ToFloat64(m.queueLength.WithLabelValues("evt1", "waiting")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runningWorkers))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.scheduledEvents))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("publisher")))
}

func TestMonitor_AssignmentAndRetries(t *testing.T) {
	m := NewMonitor()

	m.TrackAssignment("evt1", time.Now().Add(-time.Second))
	m.TrackAssignment("evt1", time.Time{})
	m.TrackRetry("evt1")

	assert.Equal(t, 1, testutil.CollectAndCount(m.assignDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerRedelivery.WithLabelValues("evt1")))
}

func TestMonitor_NilIsNoop(t *testing.T) {
	var m *Monitor

	assert.NotPanics(t, func() {
		m.TrackQueueOperation("admit", "evt1", "success")
		m.TrackAssignment("evt1", time.Now())
		m.TrackRetry("evt1")
		m.SetQueueLength("evt1", "waiting", 1)
		m.SetWorkers(1, 1)
		m.SetBreakerState("publisher", 0)
	})
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.TrackQueueOperation("complete", "evt1", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `queue_operations_total{event_id="evt1",operation="complete",status="success"} 1`)
}
