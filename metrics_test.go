package dispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Creation(t *testing.T) {
	t.Run("default creation", func(t *testing.T) {
		m := NewMetrics(0)
		require.NotNil(t, m)
		assert.Equal(t, 1000, m.maxLatencySamples)
	})

	t.Run("custom creation", func(t *testing.T) {
		m := NewMetrics(500)
		assert.Equal(t, 500, m.maxLatencySamples)
	})
}

func TestMetrics_RequestTracking(t *testing.T) {
	t.Run("start and end request", func(t *testing.T) {
		m := NewMetrics(1000)

		startTime := m.StartRequest()
		assert.False(t, startTime.IsZero())

		time.Sleep(10 * time.Millisecond)

		latency := m.EndRequest(startTime, true)
		assert.Greater(t, latency, 0.0)

		snapshot := m.Snapshot()
		assert.Equal(t, 1, snapshot.RequestsTotal)
		assert.Equal(t, 1, snapshot.RequestsSuccess)
		assert.Equal(t, 0, snapshot.RequestsFailed)
	})

	t.Run("failed request tracking", func(t *testing.T) {
		m := NewMetrics(1000)

		startTime := m.StartRequest()
		m.EndRequest(startTime, false)

		snapshot := m.Snapshot()
		assert.Equal(t, 1, snapshot.RequestsTotal)
		assert.Equal(t, 0, snapshot.RequestsSuccess)
		assert.Equal(t, 1, snapshot.RequestsFailed)
	})

	t.Run("multiple requests", func(t *testing.T) {
		m := NewMetrics(1000)

		for i := 0; i < 5; i++ {
			startTime := m.StartRequest()
			m.EndRequest(startTime, i%2 == 0)
		}

		snapshot := m.Snapshot()
		assert.Equal(t, 5, snapshot.RequestsTotal)
		assert.Equal(t, 3, snapshot.RequestsSuccess)
		assert.Equal(t, 2, snapshot.RequestsFailed)
	})

	t.Run("latency window is bounded", func(t *testing.T) {
		m := NewMetrics(3)
		for i := 0; i < 10; i++ {
			m.EndRequest(m.StartRequest(), true)
		}

		m.mu.RLock()
		assert.Len(t, m.latencies, 3)
		m.mu.RUnlock()
	})
}

func TestMetrics_LatencyPercentiles(t *testing.T) {
	t.Run("latency percentiles calculation", func(t *testing.T) {
		m := NewMetrics(1000)

		latencies := []float64{10.0, 20.0, 30.0, 40.0, 50.0, 60.0, 70.0, 80.0, 90.0, 100.0}
		m.mu.Lock()
		m.latencies = append(m.latencies, latencies...)
		m.mu.Unlock()

		snapshot := m.Snapshot()
		assert.Equal(t, 55.0, snapshot.LatencyAvgMs)
		assert.Equal(t, 60.0, snapshot.LatencyP50Ms)
		assert.Equal(t, 100.0, snapshot.LatencyP95Ms)
		assert.Equal(t, 100.0, snapshot.LatencyP99Ms)
		assert.Equal(t, 10.0, snapshot.LatencyMinMs)
		assert.Equal(t, 100.0, snapshot.LatencyMaxMs)
	})
}

func TestMetrics_InFlight(t *testing.T) {
	t.Run("in-flight tracking", func(t *testing.T) {
		m := NewMetrics(1000)

		m.StartRequest()
		m.StartRequest()
		start := m.StartRequest()

		snapshot := m.Snapshot()
		assert.Equal(t, 3, snapshot.InFlight)
		assert.Equal(t, 3, snapshot.InFlightMax)

		m.EndRequest(start, true)

		snapshot = m.Snapshot()
		assert.Equal(t, 2, snapshot.InFlight)
		assert.Equal(t, 3, snapshot.InFlightMax) // Max should remain
	})
}

func TestMetrics_EventsAndHeartbeat(t *testing.T) {
	t.Run("forwarded events are counted", func(t *testing.T) {
		m := NewMetrics(1000)
		m.RecordEventForwarded()
		m.RecordEventForwarded()

		assert.Equal(t, 2, m.Snapshot().EventsForwarded)
	})

	t.Run("heartbeat RTT tracking", func(t *testing.T) {
		m := NewMetrics(1000)

		m.RecordHeartbeatRtt(10.5)
		m.RecordHeartbeatRtt(15.2)
		m.RecordHeartbeatRtt(12.8)

		snapshot := m.Snapshot()
		assert.InDelta(t, 12.833, snapshot.HeartbeatRttAvgMs, 0.01)
		assert.Equal(t, 12.8, snapshot.HeartbeatRttLastMs)
	})
}

func TestMetrics_Reset(t *testing.T) {
	t.Run("reset clears all metrics", func(t *testing.T) {
		m := NewMetrics(1000)

		m.EndRequest(m.StartRequest(), true)
		m.RecordEventForwarded()
		m.RecordHeartbeatRtt(10.0)

		m.Reset()

		snapshot := m.Snapshot()
		assert.Equal(t, 0, snapshot.RequestsTotal)
		assert.Equal(t, 0, snapshot.RequestsSuccess)
		assert.Equal(t, 0, snapshot.RequestsFailed)
		assert.Equal(t, 0, snapshot.EventsForwarded)
		assert.Equal(t, 0, snapshot.InFlight)
		assert.Equal(t, 0, snapshot.InFlightMax)
		assert.Equal(t, 0.0, snapshot.HeartbeatRttAvgMs)
	})
}

func TestMetrics_SnapshotTimestamp(t *testing.T) {
	t.Run("snapshot includes timestamp", func(t *testing.T) {
		m := NewMetrics(1000)
		before := time.Now()
		snapshot := m.Snapshot()
		after := time.Now()

		assert.False(t, snapshot.Timestamp.IsZero())
		assert.False(t, snapshot.Timestamp.Before(before))
		assert.False(t, snapshot.Timestamp.After(after))
	})
}

func TestMetrics_Collector(t *testing.T) {
	t.Run("exports counters", func(t *testing.T) {
		m := NewMetrics(1000)
		m.EndRequest(m.StartRequest(), true)
		m.EndRequest(m.StartRequest(), true)
		m.EndRequest(m.StartRequest(), false)
		m.RecordEventForwarded()

		expected := `
# HELP dispatch_invocations_total Total number of invocations by outcome
# TYPE dispatch_invocations_total counter
dispatch_invocations_total{outcome="failure"} 1
dispatch_invocations_total{outcome="success"} 2
# HELP dispatch_events_forwarded_total Total number of events forwarded to subscribers
# TYPE dispatch_events_forwarded_total counter
dispatch_events_forwarded_total 1
`
		err := testutil.CollectAndCompare(m, strings.NewReader(expected),
			"dispatch_invocations_total", "dispatch_events_forwarded_total")
		assert.NoError(t, err)
	})

	t.Run("metric count", func(t *testing.T) {
		assert.Equal(t, 7, testutil.CollectAndCount(NewMetrics(0)))
	})
}
