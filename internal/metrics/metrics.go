// Package metrics holds the Prometheus collectors for the relay. Every
// recording method is safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "gochat"

// Label values.
const (
	ResultAccepted           = "accepted"
	ResultRejectedAuth       = "rejected_auth"
	ResultRejectedMembership = "rejected_membership"
	ResultRejectedRegistry   = "rejected_registry"
	ResultRejectedUpgrade    = "rejected_upgrade"
	StagePublish             = "publish"
	StageSocketWrite         = "socket_write"
	FallbackEnqueued         = "enqueued"
	FallbackFailed           = "failed"
	ChannelKindUser          = "user"
	ChannelKindProject       = "project"
	JobResultOK              = "ok"
	JobResultRetried         = "retried"
	JobResultDeadLettered    = "dead_lettered"
	JobResultUnknownJobName  = "unknown"
)

// Metrics groups the relay's collectors.
type Metrics struct {
	activeConnections prometheus.Gauge
	handshakes        *prometheus.CounterVec
	disconnects       prometheus.Counter
	published         *prometheus.CounterVec
	publishReceivers  *prometheus.HistogramVec
	deliveryFailures  *prometheus.CounterVec
	relayed           prometheus.Counter
	fallback          *prometheus.CounterVec
	inbound           *prometheus.CounterVec
	jobs              *prometheus.CounterVec
	orphansSwept      prometheus.Counter
}

// New registers the collectors with reg. An empty namespace means "gochat".
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of sockets held by this instance",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "WebSocket handshakes by result",
		}, []string{"result"}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connections removed from the registry by this instance",
		}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Envelopes published to the broker by channel kind",
		}, []string{"kind"}),
		publishReceivers: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_receivers",
			Help:      "Subscribers reached per publish",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100},
		}, []string{"kind"}),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed publishes and socket writes",
		}, []string{"stage"}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Channel messages written to local sockets",
		}),
		fallback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_fallback_total",
			Help:      "Offline notifications handed to the durable queue",
		}, []string{"result"}),
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Frames received from clients by envelope type",
		}, []string{"type"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Durable queue jobs processed by the worker",
		}, []string{"job", "result"}),
		orphansSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_swept_total",
			Help:      "Registry records removed because their instance stopped heartbeating",
		}),
	}
}

// Discard returns collectors registered on a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry(), "")
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	m.disconnects.Inc()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Published(kind string, receivers int64) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
	m.publishReceivers.WithLabelValues(kind).Observe(float64(receivers))
}

func (m *Metrics) DeliveryFailed(stage string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Relayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

func (m *Metrics) Fallback(result string) {
	if m == nil {
		return
	}
	m.fallback.WithLabelValues(result).Inc()
}

func (m *Metrics) Inbound(envelopeType string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) Job(name, result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(name, result).Inc()
}

func (m *Metrics) OrphansSwept(n int) {
	if m == nil {
		return
	}
	m.orphansSwept.Add(float64(n))
}
