package stream

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/ringbuf"
)

// DrainConfig controls how the consumer hands data to the sink.
type DrainConfig struct {
	WorkingSize     int           // largest chunk written to the sink
	MinTransfer     int           // smallest chunk written to the sink
	PollInterval    time.Duration // wait while below MinTransfer
	Preload         bool          // write silence until the first data arrives
	PreloadInterval time.Duration // pause between silence chunks
}

// Drainer is the consumer side of the pipeline.
type Drainer struct {
	r       *ringbuf.Consumer
	cfg     DrainConfig
	metrics *metrics.StreamMetrics
	log     logger.Logger

	chunks  atomic.Uint64
	bytes   atomic.Uint64
	preload atomic.Uint64
}

// NewDrainer returns a drainer reading through r. MinTransfer is clamped to
// 1..WorkingSize.
func NewDrainer(r *ringbuf.Consumer, cfg DrainConfig, m *metrics.StreamMetrics, log logger.Logger) *Drainer {
	if cfg.WorkingSize <= 0 {
		cfg.WorkingSize = 1
	}
	cfg.MinTransfer = max(1, min(cfg.MinTransfer, cfg.WorkingSize))
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.PreloadInterval <= 0 {
		cfg.PreloadInterval = cfg.PollInterval
	}
	return &Drainer{r: r, cfg: cfg, metrics: m, log: log}
}

// Interrupter is implemented by sinks whose Write may block. Run calls
// Interrupt when its context ends so a blocked Write returns.
type Interrupter interface {
	Interrupt()
}

// Run drains the ring buffer into sink until ctx is done or the sink fails.
// Cancellation returns nil; a sink failure returns an error wrapping ErrSink.
func (d *Drainer) Run(ctx context.Context, sink io.Writer) error {
	if in, ok := sink.(Interrupter); ok {
		stop := context.AfterFunc(ctx, in.Interrupt)
		defer stop()
	}

	work := make([]byte, d.cfg.WorkingSize)

	if d.cfg.Preload {
		if err := d.runPreload(ctx, sink, work); err != nil {
			return err
		}
	}

	for ctx.Err() == nil {
		avail := d.r.Available()
		if avail < d.cfg.MinTransfer {
			d.metrics.RecordConsumerPoll()
			if d.r.Wait(ctx, d.cfg.PollInterval) != nil {
				break
			}
			continue
		}

		chunk := work[:min(avail, len(work))]
		if !d.fill(ctx, chunk) {
			break
		}
		if err := d.write(sink, chunk); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}

	d.log.Debug("drain loop stopped",
		logger.Uint64("chunks", d.chunks.Load()),
		logger.Uint64("bytes", d.bytes.Load()))
	return nil
}

// runPreload writes silent chunks until the buffer holds any data.
func (d *Drainer) runPreload(ctx context.Context, sink io.Writer, work []byte) error {
	clear(work)
	for d.r.Available() == 0 {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.write(sink, work); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.preload.Add(1)
		d.metrics.RecordPreloadChunk()
		if d.r.Wait(ctx, d.cfg.PreloadInterval) != nil {
			return nil
		}
	}
	d.log.Debug("preload finished", logger.Uint64("chunks", d.preload.Load()))
	return nil
}

// fill reads exactly len(chunk) bytes, waiting between short reads. It
// returns false when ctx ends first.
func (d *Drainer) fill(ctx context.Context, chunk []byte) bool {
	got := 0
	for got < len(chunk) {
		got += d.r.Read(chunk[got:])
		if got == len(chunk) {
			break
		}
		if d.r.Wait(ctx, d.cfg.PollInterval) != nil {
			return false
		}
	}
	return true
}

func (d *Drainer) write(sink io.Writer, chunk []byte) error {
	start := time.Now()
	n, err := sink.Write(chunk)
	if err == nil && n < len(chunk) {
		err = io.ErrShortWrite
	}
	d.metrics.RecordSinkWrite(n, time.Since(start).Seconds(), err)
	if err != nil {
		return errors.Newf("%w: %w", ErrSink, err).
			Category(errors.CategoryAudioSink).
			Context("chunk_size", len(chunk)).
			Context("written", n).
			Build()
	}
	d.chunks.Add(1)
	d.bytes.Add(uint64(n))
	return nil
}

// DrainerStats is a snapshot of drainer counters.
type DrainerStats struct {
	Chunks        uint64 `json:"chunks"`
	Bytes         uint64 `json:"bytes"`
	PreloadChunks uint64 `json:"preload_chunks"`
}

// Stats returns the drainer counters. Bytes includes preload silence.
func (d *Drainer) Stats() DrainerStats {
	return DrainerStats{
		Chunks:        d.chunks.Load(),
		Bytes:         d.bytes.Load(),
		PreloadChunks: d.preload.Load(),
	}
}
