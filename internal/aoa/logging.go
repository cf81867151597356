package aoa

import "github.com/tphakala/aoa-go/internal/logger"

// GetLogger returns the module logger for the accessory handshake.
func GetLogger() logger.Logger {
	return logger.Global().Module("aoa")
}
