package chshare

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay directions, used as metric labels
const (
	DirectionWSToTCP = "ws_to_tcp"
	DirectionTCPToWS = "tcp_to_ws"
)

// Establishment stages, used as metric labels
const (
	StageWebSocket   = "websocket"
	StageTCP         = "tcp"
	StageProxyHeader = "proxy_header"
)

// Metrics collects bridge counters in a private Prometheus registry. All
// methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry           *prometheus.Registry
	sessionsTotal      prometheus.Counter
	sessionsActive     prometheus.Gauge
	establishFailures  *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	sessionFaultsTotal prometheus.Counter
}

// NewMetrics creates and registers the bridge collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_sessions_total",
			Help: "Total number of sessions that started relaying",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsbridge_sessions_active",
			Help: "Number of sessions currently relaying",
		}),
		establishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsbridge_establish_failures_total",
				Help: "Session setup failures by stage",
			},
			[]string{"stage"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsbridge_bytes_total",
				Help: "Payload bytes relayed by direction",
			},
			[]string{"direction"},
		),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsbridge_messages_total",
				Help: "Binary WebSocket messages relayed by direction",
			},
			[]string{"direction"},
		),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_rate_limited_total",
			Help: "Connections rejected by the per-client accept rate limit",
		}),
		sessionFaultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsbridge_session_faults_total",
			Help: "Sessions abandoned because a relay pump faulted",
		}),
	}
	m.registry.MustRegister(
		m.sessionsTotal,
		m.sessionsActive,
		m.establishFailures,
		m.bytesTotal,
		m.messagesTotal,
		m.rateLimitedTotal,
		m.sessionFaultsTotal,
	)
	return m
}

// Registry returns the registry holding the bridge collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the collectors in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted records a session that has begun relaying
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionEnded records a session whose teardown has finished
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SessionFaulted records a session abandoned after a pump fault
func (m *Metrics) SessionFaulted() {
	if m == nil {
		return
	}
	m.sessionFaultsTotal.Inc()
}

// EstablishFailed records a setup failure at the given stage
func (m *Metrics) EstablishFailed(stage string) {
	if m == nil {
		return
	}
	m.establishFailures.WithLabelValues(stage).Inc()
}

// Relayed records one relayed chunk of n bytes in the given direction
func (m *Metrics) Relayed(direction string, n int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(direction).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RateLimited records a connection rejected by the accept rate limit
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}
