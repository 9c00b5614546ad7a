package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertSignInFailureSpike     AlertType = "sign_in_failure_spike"
	AlertBackupCodeFailureSpike AlertType = "backup_code_failure_spike"
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
	defaultSignInFailureWindow     = 1 * time.Minute
	defaultSignInFailureThreshold  = 50
	defaultBackupCodeFailureWindow = 5 * time.Minute
	defaultBackupCodeThreshold     = 20
)

// spikeWindow is a sliding window counter for one audit event.
type spikeWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu      sync.Mutex
	windows map[AuditEvent]*spikeWindow
	alertFn AlertFunc
	now     func() time.Time
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		windows: map[AuditEvent]*spikeWindow{
			AuditSignInFailure: {
				alert:     AlertSignInFailureSpike,
				message:   "sign-in failure rate exceeds threshold",
				window:    defaultSignInFailureWindow,
				threshold: defaultSignInFailureThreshold,
			},
			AuditBackupCodeFailed: {
				alert:     AlertBackupCodeFailureSpike,
				message:   "backup code failure rate exceeds threshold",
				window:    defaultBackupCodeFailureWindow,
				threshold: defaultBackupCodeThreshold,
			},
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counter,
// raising an alert once the threshold is reached inside the window.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	w, ok := m.windows[event]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	w.hits = append(w.hits, now)
	w.hits = trimWindow(w.hits, now, w.window)
	if len(w.hits) < w.threshold {
		m.mu.Unlock()
		return
	}
	alert := AlertEvent{
		Type:      w.alert,
		Message:   w.message,
		Count:     len(w.hits),
		Threshold: w.threshold,
		Timestamp: now,
	}
	// Reset so one spike raises one alert.
	w.hits = w.hits[:0]
	m.mu.Unlock()

	m.alertFn(alert)
}

// setThreshold overrides the threshold for an event's window.
func (m *metricsCollector) setThreshold(event AuditEvent, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[event]; ok {
		w.threshold = threshold
	}
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
