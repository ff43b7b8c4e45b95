package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertUnwrapFailureSpike usually means the configured shared secret no
	// longer matches the platform's.
	AlertUnwrapFailureSpike AlertType = "unwrap_failure_spike"
	// AlertDecryptFailureSpike usually means callers are sending stale keys.
	AlertDecryptFailureSpike AlertType = "decrypt_failure_spike"
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
	defaultUnwrapFailureWindow     = 5 * time.Minute
	defaultUnwrapFailureThreshold  = 3
	defaultDecryptFailureWindow    = 1 * time.Minute
	defaultDecryptFailureThreshold = 20
)

// slidingWindow counts events within a trailing window and fires once the
// count reaches threshold.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the window count if it reached
// the threshold. The window is reset after firing so one spike raises one alert.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.events = append(s.events, now)
	s.events = trimWindow(s.events, now, s.window)
	if len(s.events) < s.threshold {
		return 0, false
	}
	n := len(s.events)
	s.events = s.events[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	unwrapFailures  slidingWindow
	decryptFailures slidingWindow

	alertFn AlertFunc
	now     func() time.Time
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		unwrapFailures: slidingWindow{
			window:    defaultUnwrapFailureWindow,
			threshold: defaultUnwrapFailureThreshold,
		},
		decryptFailures: slidingWindow{
			window:    defaultDecryptFailureWindow,
			threshold: defaultDecryptFailureThreshold,
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and its error kind and updates the
// relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent, kind string) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch {
	case event == AuditPasswordIssueFailed && (kind == KindUnwrapFailed || kind == KindInvalidSecretLength):
		m.record(&m.unwrapFailures, AlertUnwrapFailureSpike, "ticket key unwrap failures exceed threshold")
	case event == AuditMediaDecryptFailed && (kind == KindDecryptFailed || kind == KindContainerTooShort):
		m.record(&m.decryptFailures, AlertDecryptFailureSpike, "media decrypt failures exceed threshold")
	}
}

func (m *metricsCollector) record(w *slidingWindow, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	count, fire := w.add(now)
	threshold := w.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
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

// Outcome label values for the request counters.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeRejected  = "rejected"
	outcomeThrottled = "throttled"
)

// promMetrics holds the exported Prometheus collectors. A nil *promMetrics
// records nothing.
type promMetrics struct {
	issuance     *prometheus.CounterVec
	mediaResults *prometheus.CounterVec
	mediaFetch   prometheus.Histogram
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		issuance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latchkey",
			Name:      "issuance_total",
			Help:      "Temporary password issuance attempts by outcome and failed stage.",
		}, []string{"outcome", "stage"}),
		mediaResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latchkey",
			Name:      "media_requests_total",
			Help:      "Image decryption requests by outcome.",
		}, []string{"outcome"}),
		mediaFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latchkey",
			Name:      "media_fetch_seconds",
			Help:      "Time spent fetching encrypted media containers from upstream.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.issuance, m.mediaResults, m.mediaFetch)
	return m
}

func (m *promMetrics) observeIssuance(outcome, stage string) {
	if m == nil {
		return
	}
	m.issuance.WithLabelValues(outcome, stage).Inc()
}

func (m *promMetrics) observeMedia(outcome string, fetch time.Duration) {
	if m == nil {
		return
	}
	m.mediaResults.WithLabelValues(outcome).Inc()
	if fetch > 0 {
		m.mediaFetch.Observe(fetch.Seconds())
	}
}
