package stream

import "github.com/tphakala/aoa-go/internal/logger"

// GetLogger returns the module logger for the audio pipeline.
func GetLogger() logger.Logger {
	return logger.Global().Module("stream")
}
