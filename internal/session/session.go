// Package session runs one accessory session end to end: switch the phone
// into accessory mode, reopen it, then stream audio and decode commands until
// the context ends or the device goes away.
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/aoa-go/internal/aoa"
	"github.com/tphakala/aoa-go/internal/command"
	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/playback"
	"github.com/tphakala/aoa-go/internal/stream"
	"github.com/tphakala/aoa-go/internal/transport"
)

// ErrAlreadyRunning is returned by Run when the session was started before.
var ErrAlreadyRunning = errors.NewStd("session already started")

// State is the lifecycle phase of a session.
type State int32

const (
	StateIdle State = iota
	StateSwitching
	StateConnecting
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSwitching:
		return "switching"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the session for logs and the status API.
type Status struct {
	ID              string         `json:"id"`
	State           string         `json:"state"`
	Handshake       string         `json:"handshake"`
	Mode            string         `json:"mode,omitempty"`
	ProtocolVersion int            `json:"protocol_version,omitempty"`
	Switched        bool           `json:"switched"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	Audio           *stream.Stats  `json:"audio,omitempty"`
	Command         *command.Stats `json:"command,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithMetrics records handshake, stream and command metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithAudioSink sets where audio is written. The caller keeps ownership.
// Without one audio is discarded.
func WithAudioSink(w io.Writer) Option {
	return func(s *Session) { s.audio = w }
}

// WithEventSink sets the receiver of decoded command events.
func WithEventSink(sink command.EventSink) Option {
	return func(s *Session) { s.events = sink }
}

// WithLogger replaces the module logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is a single run against one device. It is not reusable.
type Session struct {
	id       string
	settings *conf.Settings
	engine   *aoa.Engine
	audio    io.Writer
	events   command.EventSink
	metrics  *observability.Metrics
	log      logger.Logger

	mu        sync.Mutex
	state     State
	started   bool
	switched  bool
	mode      aoa.Mode
	version   aoa.ProtocolVersion
	startedAt time.Time
	pipeline  *stream.Pipeline
	loop      *command.Loop
	cancel    context.CancelFunc
	err       error
}

// New prepares a session opening devices through opener.
func New(settings *conf.Settings, opener transport.Opener, opts ...Option) (*Session, error) {
	if settings == nil || opener == nil {
		return nil, errors.Newf("session requires settings and a device opener").
			Category(errors.CategoryValidation).
			Build()
	}

	s := &Session{
		id:       uuid.NewString(),
		settings: settings,
		log:      GetLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.audio == nil {
		s.audio = &playback.Discard{}
	}
	if s.events == nil {
		s.events = nopSink{}
	}
	s.log = s.log.With(logger.String("session_id", s.id))

	s.engine = aoa.NewEngine(opener, EngineOptions(settings),
		aoa.WithMetrics(s.handshakeMetrics()),
		aoa.WithLogger(s.log.Module("aoa")))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// EngineOptions maps settings onto handshake options.
func EngineOptions(settings *conf.Settings) aoa.Options {
	return aoa.Options{
		ControlTimeout:     settings.Handshake.ControlTimeout,
		ProtocolDelay:      settings.Handshake.ProtocolDelay,
		IdentityDelay:      settings.Handshake.IdentityDelay,
		ClaimDelay:         settings.Handshake.ClaimDelay,
		RequestAudio:       settings.Handshake.RequestAudio,
		LegacyManufacturer: settings.Handshake.LegacyManufacturer,
		AudioInterface:     settings.Audio.Interface,
		BufferSize:         settings.Audio.BufferSize,
	}
}

// IdentityFromSettings returns the identity strings to send.
func IdentityFromSettings(settings *conf.Settings) aoa.Identity {
	id := settings.Identity
	return aoa.Identity{
		Manufacturer: id.Manufacturer,
		Model:        id.Model,
		Description:  id.Description,
		Version:      id.Version,
		URI:          id.URI,
		Serial:       id.Serial,
	}
}

// Run performs the handshake if needed, connects, and streams until ctx is
// done or a component fails. Cancellation is not an error.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()
	s.mu.Unlock()
	defer s.cancel()

	defer func() {
		if err != nil && ctx.Err() != nil && errors.IsCategory(err, errors.CategoryCancellation) {
			err = nil
		}
		s.finish(err)
	}()

	acc, err := s.establish(ctx)
	if err != nil {
		return err
	}
	defer s.teardown(acc)

	return s.serve(ctx, acc)
}

// establish switches the device if it is not yet in accessory mode and
// opens the accessory.
func (s *Session) establish(ctx context.Context) (*aoa.Accessory, error) {
	dev := s.settings.Device
	productID := dev.ProductID

	if aoa.IsAccessory(dev.VendorID, dev.ProductID) {
		s.log.Info("device already in accessory mode, skipping handshake",
			logger.Hex16("product_id", dev.ProductID))
	} else {
		s.setState(StateSwitching)
		version, err := s.engine.SwitchToAccessory(ctx, dev.VendorID, dev.ProductID, IdentityFromSettings(s.settings))
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.version = version
		s.switched = true
		s.mu.Unlock()

		s.log.Debug("waiting for re-enumeration", logger.Duration("delay", s.settings.Handshake.ReconnectDelay))
		if err := sleepContext(ctx, s.settings.Handshake.ReconnectDelay); err != nil {
			return nil, errors.Wrap(err).
				Category(errors.CategoryCancellation).
				Context("step", "reconnect-delay").
				Build()
		}
		productID = dev.AccessoryProductID
	}

	s.setState(StateConnecting)
	acc, err := s.engine.Connect(ctx, aoa.GoogleVendorID, productID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.mode = acc.Mode
	s.mu.Unlock()
	return acc, nil
}

// serve runs the audio pipeline and command loop until the first of them
// fails or ctx ends.
func (s *Session) serve(ctx context.Context, acc *aoa.Accessory) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := 0

	if acc.Mode.HasAudio() {
		pipeline, err := stream.NewPipeline(acc.Device, acc.Buffer, s.streamConfig(),
			stream.WithMetrics(s.streamMetrics()),
			stream.WithLogger(s.log.Module("stream")))
		if err != nil {
			return err
		}
		if err := pipeline.Start(gctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.pipeline = pipeline
		s.mu.Unlock()

		g.Go(func() error {
			return pipeline.Run(gctx, s.audio)
		})
		workers++
	}

	if acc.Mode.HasAccessory() && s.settings.Command.Enabled {
		loop := command.NewLoop(acc.Device, s.events, s.commandConfig(),
			command.WithMetrics(s.commandMetrics()),
			command.WithLogger(s.log.Module("command")))
		s.mu.Lock()
		s.loop = loop
		s.mu.Unlock()

		g.Go(func() error {
			return loop.Run(gctx)
		})
		workers++
	}

	if workers == 0 {
		s.log.Warn("accessory mode has nothing to serve, holding the device until stopped",
			logger.String("mode", acc.Mode.String()))
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	s.setState(StateRunning)
	s.log.Info("session running",
		logger.String("mode", acc.Mode.String()),
		logger.Bool("audio", acc.Mode.HasAudio()),
		logger.Bool("commands", acc.Mode.HasAccessory() && s.settings.Command.Enabled))

	return g.Wait()
}

// teardown stops the isochronous stream and closes the accessory.
func (s *Session) teardown(acc *aoa.Accessory) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			s.log.Debug("stopping audio stream failed", logger.Error(err))
		}
	}
	if err := acc.Close(); err != nil {
		s.log.Debug("closing accessory failed", logger.Error(err))
	}
	s.log.Info("accessory released")
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	if err != nil {
		s.state = StateFailed
		s.log.Error("session failed", logger.Error(err))
		return
	}
	s.state = StateStopped
	s.log.Info("session stopped")
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Stop cancels a running session. Run returns once teardown is complete.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:        s.id,
		State:     s.state.String(),
		Handshake: s.engine.State().String(),
		Switched:  s.switched,
		StartedAt: s.startedAt,
	}
	if s.version != 0 {
		st.ProtocolVersion = int(s.version)
	}
	if s.mode != 0 {
		st.Mode = s.mode.String()
	}
	if s.pipeline != nil {
		stats := s.pipeline.Stats()
		st.Audio = &stats
	}
	if s.loop != nil {
		stats := s.loop.Stats()
		st.Command = &stats
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Session) streamConfig() stream.Config {
	a := s.settings.Audio
	return stream.Config{
		Interface:     a.Interface,
		AltSetting:    a.AltSetting,
		Endpoint:      a.Endpoint,
		Packets:       a.IsoPackets,
		RetryInterval: a.RetryInterval,
		Drain: stream.DrainConfig{
			WorkingSize:     a.WorkingBufferSize,
			MinTransfer:     a.MinTransferSize,
			PollInterval:    a.PollInterval,
			Preload:         a.Preload,
			PreloadInterval: a.PreloadInterval,
		},
	}
}

func (s *Session) commandConfig() command.Config {
	c := s.settings.Command
	return command.Config{
		Endpoint:    c.Endpoint,
		FrameSize:   c.FrameSize,
		FieldLength: c.FieldLength,
		ReadTimeout: c.ReadTimeout,
		Interval:    c.Interval,
	}
}

func (s *Session) handshakeMetrics() *metrics.HandshakeMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Handshake
}

func (s *Session) streamMetrics() *metrics.StreamMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Stream
}

func (s *Session) commandMetrics() *metrics.CommandMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Command
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopSink struct{}

func (nopSink) OnNavigation(command.Direction)               {}
func (nopSink) OnMetadata(string, string, string)            {}
func (nopSink) OnPlaybackState(command.PlaybackKind, string) {}
