// Package stream carries isochronous audio from the accessory into an audio
// sink. A Producer buffers completed packets on the transport's event
// goroutine and a Drainer forwards the buffered bytes to the sink in chunks.
package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/ringbuf"
	"github.com/tphakala/aoa-go/internal/transport"
)

// ErrSink is returned when the audio sink rejects a chunk.
var ErrSink = errors.NewStd("audio sink write failed")

// Config describes the isochronous endpoint and the drain policy.
type Config struct {
	Interface     uint8
	AltSetting    uint8
	Endpoint      uint8
	Packets       int           // packets per isochronous transfer
	RetryInterval time.Duration // producer wait while the buffer is full
	Drain         DrainConfig
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithMetrics records stream metrics.
func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger replaces the module logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline owns the isochronous stream and both ends of the ring buffer.
type Pipeline struct {
	dev     transport.Device
	buf     *ringbuf.Buffer
	cfg     Config
	metrics *metrics.StreamMetrics
	log     logger.Logger

	mu           sync.Mutex
	iso          transport.IsoStream
	stopProducer context.CancelFunc
	producer     *Producer
	drainer      *Drainer
	packetSize   int
}

// NewPipeline takes the producer and consumer handles of buf. It fails if
// either handle was already taken.
func NewPipeline(dev transport.Device, buf *ringbuf.Buffer, cfg Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{dev: dev, buf: buf, cfg: cfg, log: GetLogger()}
	for _, o := range opts {
		o(p)
	}

	w, err := buf.Producer()
	if err != nil {
		return nil, err
	}
	r, err := buf.Consumer()
	if err != nil {
		return nil, err
	}

	// the producer context is replaced in Start
	p.producer = NewProducer(context.Background(), buf, w, cfg.RetryInterval, p.metrics, p.log)
	p.drainer = NewDrainer(r, cfg.Drain, p.metrics, p.log)
	p.metrics.SetBufferCapacity(buf.Capacity())
	return p, nil
}

// Start selects the streaming alternate setting and submits the
// isochronous transfer.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.iso != nil {
		return errors.Newf("audio stream already started").
			Category(errors.CategoryState).
			Build()
	}

	if err := p.dev.SetAltSetting(p.cfg.Interface, p.cfg.AltSetting); err != nil {
		return errors.Wrap(err).
			Category(errors.CategoryTransport).
			Context("operation", "set-alt-setting").
			Context("interface", p.cfg.Interface).
			Context("alt_setting", p.cfg.AltSetting).
			Build()
	}

	size, err := p.dev.MaxPacketSize(p.cfg.Interface, p.cfg.AltSetting, p.cfg.Endpoint)
	if err != nil {
		return errors.Wrap(err).
			Category(errors.CategoryTransport).
			Context("operation", "max-packet-size").
			Context("endpoint", p.cfg.Endpoint).
			Build()
	}

	producerCtx, cancel := context.WithCancel(ctx)
	p.producer.ctx = producerCtx

	iso, err := p.dev.StartIsochronous(p.cfg.Endpoint, p.cfg.Packets, size, p.producer.HandleTransfer)
	if err != nil {
		cancel()
		return errors.Wrap(err).
			Category(errors.CategoryTransport).
			Context("operation", "start-isochronous").
			Context("endpoint", p.cfg.Endpoint).
			Context("packets", p.cfg.Packets).
			Context("packet_size", size).
			Build()
	}

	p.iso = iso
	p.stopProducer = cancel
	p.packetSize = size
	p.log.Info("audio stream started",
		logger.Hex8("endpoint", p.cfg.Endpoint),
		logger.Int("packets", p.cfg.Packets),
		logger.Int("packet_size", size))
	return nil
}

// Run drains the buffer into sink until ctx is done, the sink fails or the
// isochronous stream ends with an error. Start must be called first.
func (p *Pipeline) Run(ctx context.Context, sink io.Writer) error {
	p.mu.Lock()
	iso := p.iso
	p.mu.Unlock()
	if iso == nil {
		return errors.Newf("audio stream not started").
			Category(errors.CategoryState).
			Build()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.drainer.Run(gctx, sink)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-iso.Done():
			if err := iso.Err(); err != nil {
				return errors.Wrap(err).
					Category(errors.CategoryTransport).
					Context("operation", "isochronous-stream").
					Build()
			}
			return nil
		}
	})
	return g.Wait()
}

// Stop ends the isochronous stream. Blocked producer writes are abandoned
// first so the transport callback can return.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.iso == nil {
		return nil
	}
	p.stopProducer()
	err := p.iso.Stop()
	p.iso = nil
	return err
}

// PacketSize returns the negotiated isochronous packet size.
func (p *Pipeline) PacketSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packetSize
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Producer   ProducerStats `json:"producer"`
	Drainer    DrainerStats  `json:"drainer"`
	BufferFill float64       `json:"buffer_fill"`
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Producer:   p.producer.Stats(),
		Drainer:    p.drainer.Stats(),
		BufferFill: p.buf.Fill(),
	}
}
