// Package events provides the sinks that receive decoded command channel
// events. Multi and EventBus distribute them; LogSink, NowPlaying and
// MQTTPublisher consume them.
package events

import (
	"github.com/tphakala/aoa-go/internal/command"
	"github.com/tphakala/aoa-go/internal/logger"
)

// GetLogger returns the module logger for event sinks.
func GetLogger() logger.Logger {
	return logger.Global().Module("events")
}

// Multi delivers every event to each sink in order.
type Multi []command.EventSink

// NewMulti drops nil sinks.
func NewMulti(sinks ...command.EventSink) Multi {
	m := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) OnNavigation(dir command.Direction) {
	for _, s := range m {
		s.OnNavigation(dir)
	}
}

func (m Multi) OnMetadata(artist, album, track string) {
	for _, s := range m {
		s.OnMetadata(artist, album, track)
	}
}

func (m Multi) OnPlaybackState(kind command.PlaybackKind, playing string) {
	for _, s := range m {
		s.OnPlaybackState(kind, playing)
	}
}

// LogSink logs each event at info level.
type LogSink struct {
	log logger.Logger
}

// NewLogSink returns a LogSink writing to log, or to the module logger if
// log is nil.
func NewLogSink(log logger.Logger) *LogSink {
	if log == nil {
		log = GetLogger()
	}
	return &LogSink{log: log}
}

func (s *LogSink) OnNavigation(dir command.Direction) {
	s.log.Info("navigation", logger.String("direction", dir.String()))
}

func (s *LogSink) OnMetadata(artist, album, track string) {
	s.log.Info("track metadata",
		logger.String("artist", artist),
		logger.String("album", album),
		logger.String("track", track))
}

func (s *LogSink) OnPlaybackState(kind command.PlaybackKind, playing string) {
	s.log.Info("playback state",
		logger.String("kind", kind.String()),
		logger.String("playing", playing))
}
