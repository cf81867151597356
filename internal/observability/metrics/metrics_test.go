package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewHandshakeMetrics(registry)
	require.NoError(t, err)

	m.RecordHandshake(ResultSuccess, 25*time.Millisecond)
	m.RecordHandshake("unsupported_device", time.Millisecond)
	m.RecordControlTransfer("get_protocol", nil)
	m.RecordControlTransfer("send_identity", errors.New("pipe"))
	m.SetProtocolVersion(2)
	m.RecordConnect("accessory_adb_audio", nil)
	m.RecordConnect("", errors.New("not found"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.handshakesTotal.WithLabelValues(ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.handshakesTotal.WithLabelValues("unsupported_device")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.controlTransfers.WithLabelValues("send_identity", ResultError)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.protocolVersion), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.accessoryMode.WithLabelValues("accessory_adb_audio")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.connectsTotal.WithLabelValues(ResultError)), 0)
}

func TestStreamMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewStreamMetrics(registry)
	require.NoError(t, err)

	m.RecordIsoTransfer(395, 5, 395*192)
	m.RecordIsoTransfer(400, 0, 400*192)
	m.SetBufferCapacity(576000)
	m.SetBufferFill(0.25)
	m.RecordProducerWait()
	m.RecordProducerDrop(128)
	m.RecordConsumerPoll()
	m.RecordPreloadChunk()
	m.RecordSinkWrite(4410, 0.001, nil)
	m.RecordSinkWrite(4410, 0.001, errors.New("device closed"))

	assert.InDelta(t, 2, testutil.ToFloat64(m.isoTransfersTotal), 0)
	assert.InDelta(t, 795, testutil.ToFloat64(m.isoPacketsTotal.WithLabelValues(ResultSuccess)), 0)
	assert.InDelta(t, 5, testutil.ToFloat64(m.isoPacketsTotal.WithLabelValues(ResultError)), 0)
	assert.InDelta(t, 795*192, testutil.ToFloat64(m.isoBytesTotal), 0)
	assert.InDelta(t, 576000, testutil.ToFloat64(m.bufferCapacity), 0)
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.bufferFill), 0)
	assert.InDelta(t, 128, testutil.ToFloat64(m.producerDropsTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sinkWritesTotal.WithLabelValues(ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sinkWritesTotal.WithLabelValues(ResultError)), 0)
	assert.InDelta(t, 4410, testutil.ToFloat64(m.sinkBytesTotal), 0)
}

func TestCommandMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewCommandMetrics(registry)
	require.NoError(t, err)

	m.RecordFrame("navigation", 4)
	m.RecordFrame("metadata", 96)
	m.RecordFrame("navigation", 4)
	m.RecordError("protocol_violation")
	m.RecordReadTimeout()
	m.RecordEvent("next_slide")

	assert.InDelta(t, 2, testutil.ToFloat64(m.framesTotal.WithLabelValues("navigation")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues("protocol_violation")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.readTimeouts), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsTotal.WithLabelValues("next_slide")), 0)
}

func TestMQTTMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewMQTTMetrics(registry)
	require.NoError(t, err)

	m.UpdateConnectionStatus(true)
	m.IncrementMessagesDelivered()
	m.IncrementMessagesDropped("duplicate")
	m.ObserveMessageSize(120)
	m.StartPublishTimer().ObserveDuration()

	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionStatus), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesDelivered), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("duplicate")), 0)

	m.UpdateConnectionStatus(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnectionStatus), 0)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	_, err := NewStreamMetrics(registry)
	require.NoError(t, err)
	_, err = NewStreamMetrics(registry)
	assert.Error(t, err)
}

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()

	var (
		h *HandshakeMetrics
		s *StreamMetrics
		c *CommandMetrics
		q *MQTTMetrics
	)
	assert.NotPanics(t, func() {
		h.RecordHandshake(ResultSuccess, time.Second)
		h.RecordControlTransfer("start", nil)
		h.SetProtocolVersion(1)
		h.RecordConnect("accessory", nil)
		s.RecordIsoTransfer(1, 1, 1)
		s.SetBufferFill(1)
		s.RecordSinkWrite(1, 1, nil)
		c.RecordFrame("unknown", 3)
		c.RecordEvent("meta_changed")
		q.IncrementErrors()
		q.StartPublishTimer().ObserveDuration()
	})
}
