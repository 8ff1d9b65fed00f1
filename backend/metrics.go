package backend

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike  AlertType = "login_failure_spike"
	AlertUnlockFailureSpike AlertType = "unlock_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = 1 * time.Minute
	defaultFailureThreshold = 50
)

// metricsCollector exports audit events as Prometheus counters and raises
// alerts on failure spikes within a sliding window.
type metricsCollector struct {
	events *prometheus.CounterVec

	mu        sync.Mutex
	now       func() time.Time
	window    time.Duration
	threshold int
	failures  map[AlertType][]time.Time
	alertFn   AlertFunc
}

func newMetricsCollector(reg prometheus.Registerer, alertFn AlertFunc, now func() time.Time) *metricsCollector {
	m := &metricsCollector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "audit_events_total",
			Help:      "Security relevant events handled by the backend.",
		}, []string{"event"}),
		now:       now,
		window:    defaultFailureWindow,
		threshold: defaultFailureThreshold,
		failures:  make(map[AlertType][]time.Time),
		alertFn:   alertFn,
	}
	if reg != nil {
		reg.MustRegister(m.events)
	}
	return m
}

// recordEvent counts an audit event and updates the spike windows.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event)).Inc()
	switch event {
	case AuditLoginFailure, AuditPasswordFailure:
		m.recordFailure(AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditUnlockFailure:
		m.recordFailure(AlertUnlockFailureSpike, "PIN unlock failure rate exceeds threshold")
	}
}

func (m *metricsCollector) recordFailure(kind AlertType, msg string) {
	if m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	window := trimWindow(append(m.failures[kind], now), now, m.window)
	if len(window) >= m.threshold {
		m.alertFn(AlertEvent{
			Type:      kind,
			Message:   msg,
			Count:     len(window),
			Threshold: m.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		window = window[:0]
	}
	m.failures[kind] = window
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
