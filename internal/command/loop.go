package command

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/transport"
)

// Config describes the bulk endpoint and framing.
type Config struct {
	Endpoint    uint8
	FrameSize   int           // frame buffer size; a read filling it is oversize
	FieldLength int           // metadata field bound
	ReadTimeout time.Duration // bulk read timeout, expiry is not an error
	Interval    time.Duration // pause between iterations
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithMetrics records command channel metrics.
func WithMetrics(m *metrics.CommandMetrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithLogger replaces the module logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// Loop reads frames from the bulk endpoint and dispatches their events.
type Loop struct {
	dev     transport.Device
	cfg     Config
	decoder *Decoder
	sink    EventSink
	metrics *metrics.CommandMetrics
	log     logger.Logger

	frames     atomic.Uint64
	events     atomic.Uint64
	violations atomic.Uint64
}

// NewLoop returns a loop reading from dev and dispatching to sink.
func NewLoop(dev transport.Device, sink EventSink, cfg Config, opts ...Option) *Loop {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	l := &Loop{
		dev:     dev,
		cfg:     cfg,
		decoder: NewDecoder(cfg.FieldLength),
		sink:    sink,
		log:     GetLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run services transport events and reads frames until ctx is done or the
// transport fails. Cancellation returns nil.
func (l *Loop) Run(ctx context.Context) error {
	frame := make([]byte, l.cfg.FrameSize)

	var pause *time.Timer
	if l.cfg.Interval > 0 {
		pause = time.NewTimer(l.cfg.Interval)
		defer pause.Stop()
	}

	for ctx.Err() == nil {
		if err := l.dev.HandleEvents(); err != nil {
			l.metrics.RecordError("events")
			return errors.Wrap(err).
				Category(errors.CategoryTransport).
				Context("operation", "handle-events").
				Build()
		}

		clear(frame)
		n, err := l.dev.Bulk(l.cfg.Endpoint, frame, l.cfg.ReadTimeout)
		switch {
		case transport.IsCode(err, transport.CodeTimeout):
			l.metrics.RecordReadTimeout()
		case err != nil:
			l.metrics.RecordError("bulk_read")
			return errors.Wrap(err).
				Category(errors.CategoryCommand).
				Context("operation", "bulk-read").
				Context("endpoint", l.cfg.Endpoint).
				Build()
		case n > 0:
			l.handleFrame(frame[:n])
		}

		if pause != nil {
			pause.Reset(l.cfg.Interval)
			select {
			case <-ctx.Done():
			case <-pause.C:
			}
		}
	}

	l.log.Debug("command loop stopped",
		logger.Uint64("frames", l.frames.Load()),
		logger.Uint64("events", l.events.Load()),
		logger.Uint64("violations", l.violations.Load()))
	return nil
}

func (l *Loop) handleFrame(frame []byte) {
	l.frames.Add(1)

	if len(frame) >= l.cfg.FrameSize {
		l.violation(errors.Newf("%w: frame of %d bytes leaves no room for the terminator", ErrProtocolViolation, len(frame)).
			Category(errors.CategoryCommand).
			Context("frame_size", len(frame)).
			Build(), len(frame))
		return
	}

	events, err := l.decoder.Decode(frame)
	if err != nil {
		l.violation(err, len(frame))
		return
	}
	if len(events) == 0 {
		l.metrics.RecordFrame("unknown", len(frame))
		l.log.Debug("ignoring unrecognised command frame", logger.Int("size", len(frame)))
		return
	}

	kind := "metadata"
	if events[0].Type == EventNextSlide || events[0].Type == EventPrevSlide {
		kind = "navigation"
	}
	l.metrics.RecordFrame(kind, len(frame))

	for _, e := range events {
		l.log.Debug("dispatching command event", logger.String("event", e.Type.String()))
		e.Dispatch(l.sink)
		l.events.Add(1)
		l.metrics.RecordEvent(e.Type.String())
	}
}

func (l *Loop) violation(err error, size int) {
	l.violations.Add(1)
	l.metrics.RecordFrame("violation", size)
	l.metrics.RecordError("protocol_violation")
	l.log.Warn("dropping command frame", logger.Error(err), logger.Int("size", size))
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Frames     uint64 `json:"frames"`
	Events     uint64 `json:"events"`
	Violations uint64 `json:"violations"`
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Frames:     l.frames.Load(),
		Events:     l.events.Load(),
		Violations: l.violations.Load(),
	}
}
