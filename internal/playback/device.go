package playback

import (
	"runtime"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
)

// Device plays PCM on the default output device.
type Device struct {
	format Format
	queue  *pcmQueue
	log    logger.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// NewDevice opens and starts the default playback device. queueSize bounds
// the PCM buffered between Write and the device.
func NewDevice(format Format, queueSize int) (*Device, error) {
	if format.BitDepth != 16 {
		return nil, errors.Newf("unsupported playback bit depth %d", format.BitDepth).
			Category(errors.CategoryAudioSink).
			Context("bit_depth", format.BitDepth).
			Build()
	}

	d := &Device{
		format: format,
		queue:  newPCMQueue(queueSize, time.Millisecond),
		log:    GetLogger(),
	}

	malgoCtx, err := malgo.InitContext([]malgo.Backend{backend()}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryAudioSink).
			Context("backend", runtime.GOOS).
			Context("operation", "init_context").
			Build()
	}
	d.ctx = malgoCtx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onData,
		Stop: d.onStop,
	})
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, errors.New(err).
			Category(errors.CategoryAudioSink).
			Context("operation", "init_device").
			Build()
	}
	d.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, errors.New(err).
			Category(errors.CategoryAudioSink).
			Context("operation", "start_device").
			Build()
	}

	d.log.Info("playback device started",
		logger.Int("sample_rate", format.SampleRate),
		logger.Int("channels", format.Channels),
		logger.Int("queue_size", queueSize))
	return d, nil
}

// Write queues p for playback, blocking while the queue is full. It fails
// with ErrDeviceStopped once the device has stopped outside of Close.
func (d *Device) Write(p []byte) (int, error) {
	n, err := d.queue.write(p)
	if err != nil {
		return n, errors.New(err).
			Category(errors.CategoryAudioSink).
			Context("written", n).
			Build()
	}
	return n, nil
}

// Interrupt releases a Write waiting for queue space. Later writes fail
// with ErrClosed; the device itself is released by Close.
func (d *Device) Interrupt() {
	d.queue.close()
}

func (d *Device) onData(out, _ []byte, _ uint32) {
	d.queue.fill(out)
}

func (d *Device) onStop() {
	if d.queue.fail() {
		d.log.Warn("playback device stopped unexpectedly")
		return
	}
	d.log.Debug("playback device stopped")
}

// Underruns returns how often the device callback ran out of data.
func (d *Device) Underruns() uint64 {
	return d.queue.underruns.Load()
}

// Close stops the device and releases the audio context.
func (d *Device) Close() error {
	d.queue.close()

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.device != nil {
		if err := d.device.Stop(); err != nil {
			errs = append(errs, err)
		}
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		if err := d.ctx.Uninit(); err != nil {
			errs = append(errs, err)
		}
		d.ctx.Free()
		d.ctx = nil
	}

	d.log.Info("playback device closed",
		logger.Uint64("underruns", d.queue.underruns.Load()),
		logger.Uint64("silence_bytes", d.queue.silence.Load()))
	return errors.Join(errs...)
}

func backend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}
