package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CommandMetrics contains Prometheus metrics for the bulk command channel.
type CommandMetrics struct {
	registry *prometheus.Registry

	framesTotal  *prometheus.CounterVec
	frameSize    prometheus.Histogram
	errorsTotal  *prometheus.CounterVec
	readTimeouts prometheus.Counter
	eventsTotal  *prometheus.CounterVec
}

// NewCommandMetrics creates and registers command channel metrics.
func NewCommandMetrics(registry *prometheus.Registry) (*CommandMetrics, error) {
	m := &CommandMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register command metrics: %w", err)
	}
	return m, nil
}

func (m *CommandMetrics) initMetrics() {
	m.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_command_frames_total",
			Help: "Total number of command frames by classification",
		},
		[]string{"kind"}, // navigation, metadata, unknown, violation
	)

	m.frameSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aoa_command_frame_size_bytes",
		Help:    "Size of command frames read from the bulk endpoint",
		Buckets: prometheus.ExponentialBuckets(BucketStart64B/16, BucketFactor2, BucketCount10),
	})

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_command_errors_total",
			Help: "Total number of command channel errors",
		},
		[]string{"type"},
	)

	m.readTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_command_read_timeouts_total",
		Help: "Number of bulk reads that timed out without a frame",
	})

	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_command_events_total",
			Help: "Total number of events dispatched by type",
		},
		[]string{"event"},
	)
}

// RecordFrame records one frame and how it was classified.
func (m *CommandMetrics) RecordFrame(kind string, size int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind).Inc()
	m.frameSize.Observe(float64(size))
}

// RecordError records a command channel error by type.
func (m *CommandMetrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

// RecordReadTimeout counts one empty read.
func (m *CommandMetrics) RecordReadTimeout() {
	if m == nil {
		return
	}
	m.readTimeouts.Inc()
}

// RecordEvent counts one dispatched event.
func (m *CommandMetrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(event).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *CommandMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.framesTotal.Describe(ch)
	m.frameSize.Describe(ch)
	m.errorsTotal.Describe(ch)
	m.readTimeouts.Describe(ch)
	m.eventsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *CommandMetrics) Collect(ch chan<- prometheus.Metric) {
	m.framesTotal.Collect(ch)
	m.frameSize.Collect(ch)
	m.errorsTotal.Collect(ch)
	m.readTimeouts.Collect(ch)
	m.eventsTotal.Collect(ch)
}
