package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened("agent")
	m.ConnectionOpened("agent")
	m.ConnectionClosed("agent")
	m.ConnectionOpened("visitor")
	m.SetDegraded(true)
	m.EventPublished(TargetTopic, PathBackbone)
	m.EnvelopeDelivered()
	m.EnvelopeDelivered()
	m.DeliveryFailed()
	m.FrameReceived("agent", "subscribe")
	m.FrameDropped(ReasonRateLimited)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("visitor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackboneDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues(TargetTopic, PathBackbone)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboundFrames.WithLabelValues("agent", "subscribe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedFrames.WithLabelValues(ReasonRateLimited)))

	m.SetDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BackboneDegraded))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened("agent")
		m.ConnectionClosed("agent")
		m.SetDegraded(true)
		m.EventPublished(TargetActor, PathLocal)
		m.EnvelopeDelivered()
		m.DeliveryFailed()
		m.FrameReceived("visitor", "ping")
		m.FrameDropped(ReasonMalformed)
	})
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
