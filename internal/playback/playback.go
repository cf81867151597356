// Package playback provides the audio sinks the drain loop writes PCM into:
// a sound card through miniaudio, a WAV file, or nothing at all.
package playback

import (
	"io"
	"sync/atomic"

	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
)

// Output names accepted by New.
const (
	OutputPlayback = "playback"
	OutputWAV      = "wav"
	OutputNone     = "none"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.NewStd("audio sink closed")

// ErrDeviceStopped is returned by Write once the playback device stopped on
// its own, for example because it was unplugged.
var ErrDeviceStopped = errors.NewStd("playback device stopped")

// Sink is an audio sink. Write receives interleaved little-endian PCM.
type Sink interface {
	io.Writer
	io.Closer
}

// Format describes the PCM stream handed to a sink.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// FrameSize returns the number of bytes per interleaved frame.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// GetLogger returns the module logger for audio sinks.
func GetLogger() logger.Logger {
	return logger.Global().Module("playback")
}

// New builds the sink selected by settings.Output.
func New(settings *conf.AudioSettings) (Sink, error) {
	format := Format{
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
		BitDepth:   settings.BitDepth,
	}

	switch settings.Output {
	case OutputPlayback:
		return NewDevice(format, settings.PlaybackBufferSize)
	case OutputWAV:
		return NewWAVFile(settings.WAVPath, format)
	case OutputNone:
		return &Discard{}, nil
	default:
		return nil, errors.Newf("unknown audio output %q", settings.Output).
			Category(errors.CategoryConfiguration).
			Context("output", settings.Output).
			Build()
	}
}

// Discard accepts and drops every chunk.
type Discard struct {
	bytes atomic.Uint64
}

func (d *Discard) Write(p []byte) (int, error) {
	d.bytes.Add(uint64(len(p)))
	return len(p), nil
}

func (d *Discard) Close() error { return nil }

// Bytes returns how many bytes were discarded.
func (d *Discard) Bytes() uint64 { return d.bytes.Load() }
