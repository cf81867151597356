package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HandshakeMetrics contains Prometheus metrics for accessory negotiation.
type HandshakeMetrics struct {
	registry *prometheus.Registry

	handshakesTotal   *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	controlTransfers  *prometheus.CounterVec
	protocolVersion   prometheus.Gauge
	connectsTotal     *prometheus.CounterVec
	accessoryMode     *prometheus.GaugeVec
}

// NewHandshakeMetrics creates and registers handshake metrics.
func NewHandshakeMetrics(registry *prometheus.Registry) (*HandshakeMetrics, error) {
	m := &HandshakeMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register handshake metrics: %w", err)
	}
	return m, nil
}

func (m *HandshakeMetrics) initMetrics() {
	m.handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_handshakes_total",
			Help: "Total number of accessory handshakes by result",
		},
		[]string{"result"}, // success or the failure reason
	)

	m.handshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aoa_handshake_duration_seconds",
		Help:    "Time from opening the device to the start command",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	})

	m.controlTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_control_transfers_total",
			Help: "Total number of accessory control transfers",
		},
		[]string{"request", "result"},
	)

	m.protocolVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aoa_protocol_version",
		Help: "Accessory protocol version reported by the last negotiated device",
	})

	m.connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_connects_total",
			Help: "Total number of reconnects to a device in accessory mode",
		},
		[]string{"result"},
	)

	m.accessoryMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aoa_accessory_mode",
			Help: "Accessory mode of the connected device (1 for the active mode)",
		},
		[]string{"mode"},
	)
}

// RecordHandshake records the outcome and duration of a handshake.
func (m *HandshakeMetrics) RecordHandshake(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.handshakeDuration.Observe(duration.Seconds())
	}
}

// RecordControlTransfer records one control transfer.
func (m *HandshakeMetrics) RecordControlTransfer(request string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.controlTransfers.WithLabelValues(request, result).Inc()
}

// SetProtocolVersion records the negotiated protocol version.
func (m *HandshakeMetrics) SetProtocolVersion(version int) {
	if m == nil {
		return
	}
	m.protocolVersion.Set(float64(version))
}

// RecordConnect records a reconnect attempt and the resulting mode.
func (m *HandshakeMetrics) RecordConnect(mode string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connectsTotal.WithLabelValues(ResultError).Inc()
		return
	}
	m.connectsTotal.WithLabelValues(ResultSuccess).Inc()
	m.accessoryMode.Reset()
	m.accessoryMode.WithLabelValues(mode).Set(1)
}

// Describe implements the prometheus.Collector interface.
func (m *HandshakeMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.handshakesTotal.Describe(ch)
	m.handshakeDuration.Describe(ch)
	m.controlTransfers.Describe(ch)
	m.protocolVersion.Describe(ch)
	m.connectsTotal.Describe(ch)
	m.accessoryMode.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *HandshakeMetrics) Collect(ch chan<- prometheus.Metric) {
	m.handshakesTotal.Collect(ch)
	m.handshakeDuration.Collect(ch)
	m.controlTransfers.Collect(ch)
	m.protocolVersion.Collect(ch)
	m.connectsTotal.Collect(ch)
	m.accessoryMode.Collect(ch)
}
