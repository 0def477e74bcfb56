package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deskrelay"

// Metrics holds the gateway's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	BackboneDegraded  prometheus.Gauge
	Published         *prometheus.CounterVec
	Delivered         prometheus.Counter
	DeliveryFailures  prometheus.Counter
	InboundFrames     *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live client sockets by endpoint variant.",
		}, []string{"variant"}),
		BackboneDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backbone_degraded",
			Help:      "1 when the backbone is unavailable and delivery is local-only.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_events_total",
			Help:      "Events accepted from producers by target kind and delivery path.",
		}, []string{"target", "path"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_envelopes_total",
			Help:      "Envelopes queued onto client sockets.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Socket writes that failed and caused the connection to be dropped.",
		}),
		InboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Frames received from clients by endpoint variant and frame type.",
		}, []string{"variant", "type"}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Inbound frames ignored, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.BackboneDegraded,
		m.Published,
		m.Delivered,
		m.DeliveryFailures,
		m.InboundFrames,
		m.DroppedFrames,
	)
	return m
}

// Label values
const (
	TargetTopic = "topic"
	TargetActor = "actor"

	PathBackbone = "backbone"
	PathLocal    = "local"
	PathFallback = "fallback"

	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
	ReasonInvalid     = "invalid"
	ReasonRateLimited = "rate_limited"
	ReasonForbidden   = "forbidden"
)

func (m *Metrics) ConnectionOpened(variant string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(variant).Inc()
}

func (m *Metrics) ConnectionClosed(variant string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(variant).Dec()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.BackboneDegraded.Set(1)
		return
	}
	m.BackboneDegraded.Set(0)
}

func (m *Metrics) EventPublished(target, path string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(target, path).Inc()
}

func (m *Metrics) EnvelopeDelivered() {
	if m == nil {
		return
	}
	m.Delivered.Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) FrameReceived(variant, frameType string) {
	if m == nil {
		return
	}
	m.InboundFrames.WithLabelValues(variant, frameType).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}
