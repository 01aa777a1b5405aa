package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSnapshot represents a point-in-time snapshot of all metrics
type MetricsSnapshot struct {
	// Counters
	RequestsTotal   int `json:"requests_total"`
	RequestsSuccess int `json:"requests_success"`
	RequestsFailed  int `json:"requests_failed"`
	EventsForwarded int `json:"events_forwarded"`

	// Latency (milliseconds)
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`
	LatencyMinMs float64 `json:"latency_min_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`

	// In-flight invocations
	InFlight    int `json:"in_flight"`
	InFlightMax int `json:"in_flight_max"`

	// Heartbeat
	HeartbeatRttAvgMs  float64 `json:"heartbeat_rtt_avg_ms"`
	HeartbeatRttLastMs float64 `json:"heartbeat_rtt_last_ms"`

	Timestamp time.Time `json:"timestamp"`
}

// Metrics is a thread-safe collector for invocation and heartbeat statistics.
// It also implements prometheus.Collector.
type Metrics struct {
	mu sync.RWMutex

	maxLatencySamples int

	requestsTotal   int
	requestsSuccess int
	requestsFailed  int
	eventsForwarded int

	inFlight    int
	inFlightMax int

	// Latency samples (bounded, oldest dropped first)
	latencies []float64

	heartbeatRtts []float64
}

// NewMetrics creates a new Metrics instance
func NewMetrics(maxLatencySamples int) *Metrics {
	if maxLatencySamples <= 0 {
		maxLatencySamples = 1000
	}

	return &Metrics{
		maxLatencySamples: maxLatencySamples,
		latencies:         make([]float64, 0, maxLatencySamples),
		heartbeatRtts:     make([]float64, 0, 100),
	}
}

// StartRequest starts tracking an invocation.
// Returns start timestamp for the later EndRequest call.
func (m *Metrics) StartRequest() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal++
	m.inFlight++
	if m.inFlight > m.inFlightMax {
		m.inFlightMax = m.inFlight
	}

	return time.Now()
}

// EndRequest ends tracking an invocation and returns its latency in milliseconds
func (m *Metrics) EndRequest(startTime time.Time, success bool) float64 {
	latencyMs := float64(time.Since(startTime).Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--

	if success {
		m.requestsSuccess++
	} else {
		m.requestsFailed++
	}

	if len(m.latencies) >= m.maxLatencySamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, latencyMs)

	return latencyMs
}

// RecordEventForwarded counts one forwarded event
func (m *Metrics) RecordEventForwarded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventsForwarded++
}

// RecordHeartbeatRtt records a heartbeat round-trip time
func (m *Metrics) RecordHeartbeatRtt(rttMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keep last 100 samples
	if len(m.heartbeatRtts) >= 100 {
		m.heartbeatRtts = m.heartbeatRtts[1:]
	}
	m.heartbeatRtts = append(m.heartbeatRtts, rttMs)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		RequestsTotal:   m.requestsTotal,
		RequestsSuccess: m.requestsSuccess,
		RequestsFailed:  m.requestsFailed,
		EventsForwarded: m.eventsForwarded,
		InFlight:        m.inFlight,
		InFlightMax:     m.inFlightMax,
		Timestamp:       time.Now(),
	}

	if len(m.latencies) > 0 {
		latencies := make([]float64, len(m.latencies))
		copy(latencies, m.latencies)
		sort.Float64s(latencies)

		n := len(latencies)
		snapshot.LatencyMinMs = latencies[0]
		snapshot.LatencyMaxMs = latencies[n-1]

		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		snapshot.LatencyAvgMs = sum / float64(n)

		snapshot.LatencyP50Ms = latencies[n*50/100]
		snapshot.LatencyP95Ms = latencies[n*95/100]
		snapshot.LatencyP99Ms = latencies[n*99/100]
	}

	if len(m.heartbeatRtts) > 0 {
		sum := 0.0
		for _, v := range m.heartbeatRtts {
			sum += v
		}
		snapshot.HeartbeatRttAvgMs = sum / float64(len(m.heartbeatRtts))
		snapshot.HeartbeatRttLastMs = m.heartbeatRtts[len(m.heartbeatRtts)-1]
	}

	return snapshot
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestsTotal = 0
	m.requestsSuccess = 0
	m.requestsFailed = 0
	m.eventsForwarded = 0
	m.inFlight = 0
	m.inFlightMax = 0
	m.latencies = make([]float64, 0, m.maxLatencySamples)
	m.heartbeatRtts = make([]float64, 0, 100)
}

var (
	invocationsDesc = prometheus.NewDesc(
		"dispatch_invocations_total",
		"Total number of invocations by outcome",
		[]string{"outcome"}, nil,
	)
	eventsForwardedDesc = prometheus.NewDesc(
		"dispatch_events_forwarded_total",
		"Total number of events forwarded to subscribers",
		nil, nil,
	)
	inFlightDesc = prometheus.NewDesc(
		"dispatch_invocations_in_flight",
		"Invocations currently executing",
		nil, nil,
	)
	latencyDesc = prometheus.NewDesc(
		"dispatch_invocation_latency_ms",
		"Invocation latency over the retained sample window",
		[]string{"quantile"}, nil,
	)
)

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- invocationsDesc
	ch <- eventsForwardedDesc
	ch <- inFlightDesc
	ch <- latencyDesc
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()

	ch <- prometheus.MustNewConstMetric(invocationsDesc, prometheus.CounterValue, float64(s.RequestsSuccess), "success")
	ch <- prometheus.MustNewConstMetric(invocationsDesc, prometheus.CounterValue, float64(s.RequestsFailed), "failure")
	ch <- prometheus.MustNewConstMetric(eventsForwardedDesc, prometheus.CounterValue, float64(s.EventsForwarded))
	ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(s.InFlight))
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, s.LatencyP50Ms, "0.5")
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, s.LatencyP95Ms, "0.95")
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, s.LatencyP99Ms, "0.99")
}
