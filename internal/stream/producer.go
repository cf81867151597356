package stream

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/ringbuf"
	"github.com/tphakala/aoa-go/internal/transport"
)

// Producer moves completed isochronous packets into the ring buffer. Its
// HandleTransfer method runs on the transport's event goroutine.
type Producer struct {
	ctx     context.Context
	w       *ringbuf.Producer
	buf     *ringbuf.Buffer
	retry   time.Duration
	metrics *metrics.StreamMetrics
	log     logger.Logger

	dropLog rate.Sometimes
	fillLog rate.Sometimes

	transfers atomic.Uint64
	packets   atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
}

// NewProducer returns a producer writing through w. Blocked writes give up
// once ctx is done.
func NewProducer(ctx context.Context, buf *ringbuf.Buffer, w *ringbuf.Producer, retry time.Duration, m *metrics.StreamMetrics, log logger.Logger) *Producer {
	if retry <= 0 {
		retry = time.Millisecond
	}
	return &Producer{
		ctx:     ctx,
		w:       w,
		buf:     buf,
		retry:   retry,
		metrics: m,
		log:     log,
		dropLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		fillLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// HandleTransfer buffers every completed packet of one transfer and discards
// the rest.
func (p *Producer) HandleTransfer(packets []transport.IsoPacket) {
	completed, failed, buffered := 0, 0, 0

	for i := range packets {
		pkt := &packets[i]
		if pkt.Status != transport.StatusCompleted {
			failed++
			p.dropLog.Do(func() {
				p.log.Warn("dropping isochronous packet",
					logger.Int("packet", i),
					logger.String("status", pkt.Status.String()),
					logger.Uint64("dropped_total", p.dropped.Load()+1))
			})
			p.dropped.Add(1)
			continue
		}
		completed++
		if pkt.Length == 0 {
			continue
		}
		n := p.writeAll(pkt.Data[:pkt.Length])
		buffered += n
		if n < pkt.Length {
			// stopping; the rest of the transfer is abandoned
			p.metrics.RecordProducerDrop(pkt.Length - n)
			break
		}
	}

	p.transfers.Add(1)
	p.packets.Add(uint64(completed))
	p.bytes.Add(uint64(buffered))
	p.metrics.RecordIsoTransfer(completed, failed, buffered)

	fill := p.buf.Fill()
	p.metrics.SetBufferFill(fill)
	p.fillLog.Do(func() {
		p.log.Debug("ring buffer fill", logger.Float64("percent", fill*100))
	})
}

// writeAll retries until data is fully buffered or the producer is stopped.
func (p *Producer) writeAll(data []byte) int {
	total := 0
	for total < len(data) {
		total += p.w.Write(data[total:])
		if total == len(data) {
			break
		}
		p.metrics.RecordProducerWait()
		if err := p.w.Wait(p.ctx, p.retry); err != nil {
			break
		}
	}
	return total
}

// ProducerStats is a snapshot of producer counters.
type ProducerStats struct {
	Transfers      uint64 `json:"transfers"`
	Packets        uint64 `json:"packets"`
	DroppedPackets uint64 `json:"dropped_packets"`
	Bytes          uint64 `json:"bytes"`
}

// Stats returns the producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Transfers:      p.transfers.Load(),
		Packets:        p.packets.Load(),
		DroppedPackets: p.dropped.Load(),
		Bytes:          p.bytes.Load(),
	}
}
