package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertFailureSpike  AlertType = "issue_failure_spike"
	AlertIssuanceBurst AlertType = "issuance_burst"
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

// window is a sliding window counter that fires once per threshold crossing.
type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

func (w *window) add(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	cutoff := now.Add(-w.span)
	start := 0
	for start < len(w.times) && w.times[start].Before(cutoff) {
		start++
	}
	w.times = w.times[start:]
	n := len(w.times)
	if n >= w.threshold {
		w.times = w.times[:0]
		return n, true
	}
	return n, false
}

// metricsCollector watches audit events for failure spikes and unusual
// issuance volume.
type metricsCollector struct {
	mu       sync.Mutex
	failures window
	issued   window
	now      func() time.Time
	alertFn  AlertFunc
}

const (
	defaultFailureWindow    = 1 * time.Minute
	defaultFailureThreshold = 50
	defaultIssueWindow      = 5 * time.Minute
	defaultIssueThreshold   = 200
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		failures: window{span: defaultFailureWindow, threshold: defaultFailureThreshold},
		issued:   window{span: defaultIssueWindow, threshold: defaultIssueThreshold},
		now:      time.Now,
		alertFn:  alertFn,
	}
}

func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}

	m.mu.Lock()
	now := m.now()
	var alert *AlertEvent
	switch event {
	case AuditIssueFailed:
		if n, fire := m.failures.add(now); fire {
			alert = &AlertEvent{Type: AlertFailureSpike, Message: "issuance failure rate exceeds threshold",
				Count: n, Threshold: m.failures.threshold, Timestamp: now}
		}
	case AuditCertGenerated, AuditCSRSigned:
		if n, fire := m.issued.add(now); fire {
			alert = &AlertEvent{Type: AlertIssuanceBurst, Message: "issuance volume exceeds threshold",
				Count: n, Threshold: m.issued.threshold, Timestamp: now}
		}
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}
