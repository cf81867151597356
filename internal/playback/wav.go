package playback

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
)

// WAVFile records PCM into a WAV file. The header is finalised on Close.
type WAVFile struct {
	path   string
	format Format

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	pending []byte // incomplete sample carried to the next Write
	closed  bool
}

// NewWAVFile creates path, and any missing parent directories, for writing.
func NewWAVFile(path string, format Format) (*WAVFile, error) {
	if format.BitDepth != 16 {
		return nil, errors.Newf("unsupported WAV bit depth %d", format.BitDepth).
			Category(errors.CategoryAudioSink).
			Context("bit_depth", format.BitDepth).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Context("operation", "create_directory").
			Build()
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Context("operation", "create_file").
			Build()
	}

	w := &WAVFile{
		path:   path,
		format: format,
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
			SourceBitDepth: format.BitDepth,
		},
	}
	GetLogger().Info("recording audio to WAV file", logger.String("path", path))
	return w, nil
}

// Write appends little-endian 16-bit samples to the file.
func (w *WAVFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	data := p
	if len(w.pending) > 0 {
		data = append(w.pending, p...)
		w.pending = nil
	}

	samples := len(data) / 2
	if rest := len(data) % 2; rest != 0 {
		w.pending = append(w.pending, data[len(data)-rest:]...)
	}

	ints := w.buf.Data[:0]
	for i := range samples {
		ints = append(ints, int(int16(binary.LittleEndian.Uint16(data[2*i:]))))
	}
	w.buf.Data = ints

	if samples > 0 {
		if err := w.enc.Write(w.buf); err != nil {
			return 0, errors.New(err).
				Category(errors.CategoryFileIO).
				Context("path", w.path).
				Context("operation", "write_samples").
				Build()
		}
	}
	return len(p), nil
}

// Close finalises the WAV header and closes the file.
func (w *WAVFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if err := errors.Join(encErr, fileErr); err != nil {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", w.path).
			Context("operation", "finalize").
			Build()
	}
	return nil
}

// Path returns the output file path.
func (w *WAVFile) Path() string { return w.path }
