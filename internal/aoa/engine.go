package aoa

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/ringbuf"
	"github.com/tphakala/aoa-go/internal/transport"
)

// accessoryInterface is the interface claimed for control and bulk traffic.
const accessoryInterface uint8 = 0

// State is the position of the engine in the handshake.
type State int32

const (
	StateIdle State = iota
	StateOpened
	StateProtocolQueried
	StateIdentified
	StateAudioRequested
	StateStarted
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpened:
		return "opened"
	case StateProtocolQueried:
		return "protocol-queried"
	case StateIdentified:
		return "identified"
	case StateAudioRequested:
		return "audio-requested"
	case StateStarted:
		return "started"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options tune the handshake. Zero delays are allowed and skip the pause.
type Options struct {
	ControlTimeout     time.Duration
	ProtocolDelay      time.Duration // after the protocol query
	IdentityDelay      time.Duration // between identity strings
	ClaimDelay         time.Duration // between reopening and claiming
	RequestAudio       bool
	LegacyManufacturer bool
	AudioInterface     uint8
	BufferSize         int // ring buffer capacity for audio modes
}

// DefaultOptions returns the timings devices are known to tolerate.
func DefaultOptions() Options {
	return Options{
		ControlTimeout: time.Second,
		ProtocolDelay:  10 * time.Millisecond,
		IdentityDelay:  time.Millisecond,
		ClaimDelay:     time.Second,
		RequestAudio:   true,
		AudioInterface: 2,
		BufferSize:     576000,
	}
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithMetrics records handshake metrics.
func WithMetrics(m *metrics.HandshakeMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger replaces the module logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// Engine walks a device through the accessory handshake. An Engine is not
// safe for concurrent handshakes; State and Err may be read at any time.
type Engine struct {
	opener  transport.Opener
	opts    Options
	metrics *metrics.HandshakeMetrics
	log     logger.Logger

	state atomic.Int32
	mu    sync.Mutex
	err   error
}

// NewEngine returns an engine opening devices through opener.
func NewEngine(opener transport.Opener, opts Options, options ...EngineOption) *Engine {
	e := &Engine{
		opener: opener,
		opts:   opts,
		log:    GetLogger(),
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// State returns the current handshake state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Err returns the error that moved the engine to StateFailed, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.setState(StateFailed)
	return err
}

// SwitchToAccessory opens vendorID/productID, negotiates the protocol, sends
// id and starts accessory mode. The device handle is always released before
// returning; on success the device re-enumerates and must be reopened with
// Connect.
func (e *Engine) SwitchToAccessory(ctx context.Context, vendorID, productID uint16, id Identity) (ProtocolVersion, error) {
	start := time.Now()
	e.mu.Lock()
	e.err = nil
	e.mu.Unlock()
	e.setState(StateIdle)

	if err := id.Validate(); err != nil {
		e.metrics.RecordHandshake("invalid_identity", time.Since(start))
		return 0, e.fail(err)
	}

	log := e.log.With(logger.Hex16("vendor_id", vendorID), logger.Hex16("product_id", productID))

	dev, err := e.openAndClaim(vendorID, productID)
	if err != nil {
		e.metrics.RecordHandshake("device_not_found", time.Since(start))
		return 0, e.fail(err)
	}
	defer e.release(dev, log)
	e.setState(StateOpened)

	version, err := e.queryProtocol(dev)
	if err != nil {
		e.metrics.RecordHandshake("unsupported_device", time.Since(start))
		return 0, e.fail(err)
	}
	e.setState(StateProtocolQueried)
	e.metrics.SetProtocolVersion(int(version))
	log.Info("accessory protocol supported", logger.Int("version", int(version)))

	if err := sleepContext(ctx, e.opts.ProtocolDelay); err != nil {
		e.metrics.RecordHandshake("cancelled", time.Since(start))
		return version, e.fail(cancelled(err, "protocol-delay"))
	}

	if err := e.sendIdentity(ctx, dev, id); err != nil {
		e.metrics.RecordHandshake("identity_failed", time.Since(start))
		return version, e.fail(err)
	}
	e.setState(StateIdentified)

	if e.opts.RequestAudio {
		if version.SupportsAudio() {
			if err := e.requestAudio(dev); err != nil {
				e.metrics.RecordHandshake("audio_failed", time.Since(start))
				return version, e.fail(err)
			}
			e.setState(StateAudioRequested)
			log.Debug("audio support requested")
		} else {
			log.Warn("audio requested but protocol version does not support it",
				logger.Int("version", int(version)))
		}
	}

	if err := e.startAccessory(dev); err != nil {
		e.metrics.RecordHandshake("start_failed", time.Since(start))
		return version, e.fail(err)
	}
	e.setState(StateStarted)

	elapsed := time.Since(start)
	e.metrics.RecordHandshake(metrics.ResultSuccess, elapsed)
	log.Info("accessory mode started", logger.Duration("elapsed", elapsed))
	return version, nil
}

func (e *Engine) openAndClaim(vendorID, productID uint16) (transport.Device, error) {
	dev, err := e.opener.Open(vendorID, productID)
	if err != nil {
		return nil, errors.Newf("%w: %w", ErrDeviceNotFound, err).
			Category(errors.CategoryDevice).
			DeviceContext(vendorID, productID).
			Context("operation", "open").
			Build()
	}
	if err := dev.ClaimInterface(accessoryInterface); err != nil {
		_ = dev.Close()
		return nil, errors.Newf("%w: %w", ErrDeviceNotFound, err).
			Category(errors.CategoryDevice).
			DeviceContext(vendorID, productID).
			Context("operation", "claim-interface").
			Context("interface", accessoryInterface).
			Build()
	}
	return dev, nil
}

func (e *Engine) release(dev transport.Device, log logger.Logger) {
	if err := dev.ReleaseInterface(accessoryInterface); err != nil {
		log.Debug("releasing accessory interface failed", logger.Error(err))
	}
	if err := dev.Close(); err != nil {
		log.Debug("closing device failed", logger.Error(err))
	}
}

func (e *Engine) queryProtocol(dev transport.Device) (ProtocolVersion, error) {
	buf := make([]byte, 2)
	n, err := dev.Control(transport.RequestTypeVendorIn, RequestGetProtocol, 0, 0, buf, e.opts.ControlTimeout)
	e.metrics.RecordControlTransfer("get_protocol", err)
	if err != nil {
		return 0, errors.Newf("%w: %w", ErrUnsupportedDevice, err).
			Category(errors.CategoryProtocol).
			DeviceContext(dev.VendorID(), dev.ProductID()).
			Context("request", RequestGetProtocol).
			Context("usb_code", transport.CodeOf(err).String()).
			Build()
	}
	if n < len(buf) {
		return 0, errors.Newf("%w: short protocol reply of %d bytes", ErrUnsupportedDevice, n).
			Category(errors.CategoryProtocol).
			DeviceContext(dev.VendorID(), dev.ProductID()).
			Build()
	}

	version := ProtocolVersion(binary.LittleEndian.Uint16(buf))
	if !version.Valid() {
		return version, errors.Newf("%w: protocol version %d", ErrUnsupportedDevice, version).
			Category(errors.CategoryProtocol).
			DeviceContext(dev.VendorID(), dev.ProductID()).
			Context("version", int(version)).
			Build()
	}
	return version, nil
}

func (e *Engine) sendIdentity(ctx context.Context, dev transport.Device, id Identity) error {
	for i, value := range id.fields() {
		index := StringIndex(i)
		if i > 0 {
			if err := sleepContext(ctx, e.opts.IdentityDelay); err != nil {
				return cancelled(err, "identity-delay")
			}
		}
		payload := identityPayload(index, value, e.opts.LegacyManufacturer)
		_, err := dev.Control(transport.RequestTypeVendorOut, RequestSendString, 0, uint16(index), payload, e.opts.ControlTimeout)
		e.metrics.RecordControlTransfer("send_string", err)
		if err != nil {
			return errors.Newf("%w: index %d: %w", ErrIdentitySendFailed, index, err).
				Category(errors.CategoryProtocol).
				DeviceContext(dev.VendorID(), dev.ProductID()).
				Context("index", int(index)).
				Context("usb_code", transport.CodeOf(err).String()).
				Build()
		}
	}
	return nil
}

func (e *Engine) requestAudio(dev transport.Device) error {
	_, err := dev.Control(transport.RequestTypeVendorOut, RequestAudioSupport, AudioModePCM16Stereo44100, 0, nil, e.opts.ControlTimeout)
	e.metrics.RecordControlTransfer("audio_support", err)
	if err != nil {
		return errors.Newf("%w: %w", ErrAudioNegotiationFailed, err).
			Category(errors.CategoryProtocol).
			DeviceContext(dev.VendorID(), dev.ProductID()).
			Context("usb_code", transport.CodeOf(err).String()).
			Build()
	}
	return nil
}

func (e *Engine) startAccessory(dev transport.Device) error {
	_, err := dev.Control(transport.RequestTypeVendorOut, RequestStart, 0, 0, nil, e.opts.ControlTimeout)
	e.metrics.RecordControlTransfer("start", err)
	if err != nil {
		return errors.Newf("%w: %w", ErrStartFailed, err).
			Category(errors.CategoryProtocol).
			DeviceContext(dev.VendorID(), dev.ProductID()).
			Context("usb_code", transport.CodeOf(err).String()).
			Build()
	}
	return nil
}

// Connect opens a device that has re-enumerated in accessory mode, claims its
// interfaces and, for audio modes, allocates the ring buffer. The caller owns
// the returned Accessory and must Close it.
func (e *Engine) Connect(ctx context.Context, vendorID, productID uint16) (*Accessory, error) {
	mode, ok := ModeFromProductID(productID)
	if !ok || vendorID != GoogleVendorID {
		err := errors.Newf("%w: 0x%04x:0x%04x is not an accessory product", ErrUnsupportedDevice, vendorID, productID).
			Category(errors.CategoryProtocol).
			DeviceContext(vendorID, productID).
			Build()
		e.metrics.RecordConnect("", err)
		return nil, e.fail(err)
	}

	acc, err := e.connect(ctx, vendorID, productID, mode)
	e.metrics.RecordConnect(mode.String(), err)
	if err != nil {
		return nil, e.fail(err)
	}
	e.setState(StateConnected)
	e.log.Info("connected to accessory",
		logger.Hex16("product_id", productID),
		logger.String("mode", mode.String()),
		logger.Bool("audio", mode.HasAudio()))
	return acc, nil
}

func (e *Engine) connect(ctx context.Context, vendorID, productID uint16, mode Mode) (*Accessory, error) {
	dev, err := e.opener.Open(vendorID, productID)
	if err != nil {
		return nil, errors.Newf("%w: %w", ErrDeviceNotFound, err).
			Category(errors.CategoryDevice).
			DeviceContext(vendorID, productID).
			Context("operation", "reopen").
			Build()
	}

	acc := &Accessory{Device: dev, Mode: mode, log: e.log}

	if mode.HasAudio() {
		acc.Buffer, err = ringbuf.New(e.opts.BufferSize)
		if err != nil {
			_ = dev.Close()
			return nil, err
		}
	}

	if err := sleepContext(ctx, e.opts.ClaimDelay); err != nil {
		_ = dev.Close()
		return nil, cancelled(err, "claim-delay")
	}

	ifaces := []uint8{accessoryInterface}
	if mode.HasAudio() {
		ifaces = append(ifaces, e.opts.AudioInterface)
	}
	for _, iface := range ifaces {
		if err := dev.ClaimInterface(iface); err != nil {
			_ = acc.Close()
			return nil, errors.Newf("%w: claiming interface %d: %w", ErrDeviceNotFound, iface, err).
				Category(errors.CategoryDevice).
				DeviceContext(vendorID, productID).
				Context("interface", iface).
				Build()
		}
		acc.claimed = append(acc.claimed, iface)
	}
	return acc, nil
}

// Accessory is an open device in accessory mode.
type Accessory struct {
	Device transport.Device
	Mode   Mode
	Buffer *ringbuf.Buffer // nil unless Mode.HasAudio

	log       logger.Logger
	claimed   []uint8
	closeOnce sync.Once
	closeErr  error
}

// Close releases the claimed interfaces and the device handle. It is safe to
// call more than once.
func (a *Accessory) Close() error {
	a.closeOnce.Do(func() {
		for i := len(a.claimed) - 1; i >= 0; i-- {
			if err := a.Device.ReleaseInterface(a.claimed[i]); err != nil && a.log != nil {
				a.log.Debug("releasing interface failed",
					logger.Int("interface", int(a.claimed[i])), logger.Error(err))
			}
		}
		a.closeErr = a.Device.Close()
		a.Buffer = nil
	})
	return a.closeErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cancelled(err error, step string) error {
	return errors.Wrap(err).
		Category(errors.CategoryCancellation).
		Context("step", step).
		Build()
}
