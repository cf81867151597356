package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics contains Prometheus metrics for the isochronous audio pipeline.
type StreamMetrics struct {
	registry *prometheus.Registry

	isoTransfersTotal prometheus.Counter
	isoPacketsTotal   *prometheus.CounterVec
	isoBytesTotal     prometheus.Counter

	bufferCapacity     prometheus.Gauge
	bufferFill         prometheus.Gauge
	producerWaitsTotal prometheus.Counter
	producerDropsTotal prometheus.Counter
	consumerPollsTotal prometheus.Counter
	chunkSize          prometheus.Histogram
	sinkWritesTotal    *prometheus.CounterVec
	sinkBytesTotal     prometheus.Counter
	preloadChunksTotal prometheus.Counter
	sinkWriteDuration  prometheus.Histogram
}

// NewStreamMetrics creates and registers stream metrics.
func NewStreamMetrics(registry *prometheus.Registry) (*StreamMetrics, error) {
	m := &StreamMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register stream metrics: %w", err)
	}
	return m, nil
}

func (m *StreamMetrics) initMetrics() {
	m.isoTransfersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_iso_transfers_total",
		Help: "Total number of completed isochronous transfers",
	})

	m.isoPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_iso_packets_total",
			Help: "Total number of isochronous sub-packets by status",
		},
		[]string{"status"},
	)

	m.isoBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_iso_bytes_total",
		Help: "Total number of audio bytes received and buffered",
	})

	m.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aoa_buffer_capacity_bytes",
		Help: "Capacity of the audio ring buffer",
	})

	m.bufferFill = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aoa_buffer_fill_ratio",
		Help: "Fraction of the audio ring buffer holding unread data",
	})

	m.producerWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_buffer_producer_waits_total",
		Help: "Number of times the producer waited for free space",
	})

	m.producerDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_buffer_producer_drops_bytes_total",
		Help: "Bytes abandoned by the producer because the stream was stopping",
	})

	m.consumerPollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_buffer_consumer_polls_total",
		Help: "Number of consumer waits while below the minimum transfer size",
	})

	m.chunkSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aoa_sink_chunk_size_bytes",
		Help:    "Size of chunks forwarded to the audio sink",
		Buckets: prometheus.ExponentialBuckets(BucketStart1KB, BucketFactor2, BucketCount10),
	})

	m.sinkWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoa_sink_writes_total",
			Help: "Total number of audio sink writes by result",
		},
		[]string{"result"},
	)

	m.sinkBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_sink_bytes_total",
		Help: "Total number of bytes accepted by the audio sink",
	})

	m.preloadChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aoa_sink_preload_chunks_total",
		Help: "Number of silent chunks written before audio arrived",
	})

	m.sinkWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aoa_sink_write_duration_seconds",
		Help:    "Time spent in audio sink writes",
		Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount12),
	})
}

// RecordIsoTransfer records one completed transfer and its packet outcomes.
func (m *StreamMetrics) RecordIsoTransfer(completed, failed, bytes int) {
	if m == nil {
		return
	}
	m.isoTransfersTotal.Inc()
	m.isoPacketsTotal.WithLabelValues(ResultSuccess).Add(float64(completed))
	if failed > 0 {
		m.isoPacketsTotal.WithLabelValues(ResultError).Add(float64(failed))
	}
	m.isoBytesTotal.Add(float64(bytes))
}

// SetBufferCapacity records the ring buffer capacity.
func (m *StreamMetrics) SetBufferCapacity(capacity int) {
	if m == nil {
		return
	}
	m.bufferCapacity.Set(float64(capacity))
}

// SetBufferFill records the current ring buffer fill ratio.
func (m *StreamMetrics) SetBufferFill(ratio float64) {
	if m == nil {
		return
	}
	m.bufferFill.Set(ratio)
}

// RecordProducerWait counts one producer wait for free space.
func (m *StreamMetrics) RecordProducerWait() {
	if m == nil {
		return
	}
	m.producerWaitsTotal.Inc()
}

// RecordProducerDrop records bytes abandoned on shutdown.
func (m *StreamMetrics) RecordProducerDrop(bytes int) {
	if m == nil {
		return
	}
	m.producerDropsTotal.Add(float64(bytes))
}

// RecordConsumerPoll counts one consumer wait below threshold.
func (m *StreamMetrics) RecordConsumerPoll() {
	if m == nil {
		return
	}
	m.consumerPollsTotal.Inc()
}

// RecordSinkWrite records one chunk forwarded to the sink.
func (m *StreamMetrics) RecordSinkWrite(bytes int, seconds float64, err error) {
	if m == nil {
		return
	}
	m.sinkWriteDuration.Observe(seconds)
	if err != nil {
		m.sinkWritesTotal.WithLabelValues(ResultError).Inc()
		return
	}
	m.sinkWritesTotal.WithLabelValues(ResultSuccess).Inc()
	m.sinkBytesTotal.Add(float64(bytes))
	m.chunkSize.Observe(float64(bytes))
}

// RecordPreloadChunk counts one silent preload chunk.
func (m *StreamMetrics) RecordPreloadChunk() {
	if m == nil {
		return
	}
	m.preloadChunksTotal.Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *StreamMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.isoTransfersTotal.Describe(ch)
	m.isoPacketsTotal.Describe(ch)
	m.isoBytesTotal.Describe(ch)
	m.bufferCapacity.Describe(ch)
	m.bufferFill.Describe(ch)
	m.producerWaitsTotal.Describe(ch)
	m.producerDropsTotal.Describe(ch)
	m.consumerPollsTotal.Describe(ch)
	m.chunkSize.Describe(ch)
	m.sinkWritesTotal.Describe(ch)
	m.sinkBytesTotal.Describe(ch)
	m.preloadChunksTotal.Describe(ch)
	m.sinkWriteDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *StreamMetrics) Collect(ch chan<- prometheus.Metric) {
	m.isoTransfersTotal.Collect(ch)
	m.isoPacketsTotal.Collect(ch)
	m.isoBytesTotal.Collect(ch)
	m.bufferCapacity.Collect(ch)
	m.bufferFill.Collect(ch)
	m.producerWaitsTotal.Collect(ch)
	m.producerDropsTotal.Collect(ch)
	m.consumerPollsTotal.Collect(ch)
	m.chunkSize.Collect(ch)
	m.sinkWritesTotal.Collect(ch)
	m.sinkBytesTotal.Collect(ch)
	m.preloadChunksTotal.Collect(ch)
	m.sinkWriteDuration.Collect(ch)
}
