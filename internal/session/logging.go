package session

import "github.com/tphakala/aoa-go/internal/logger"

// GetLogger returns the module logger for sessions.
func GetLogger() logger.Logger {
	return logger.Global().Module("session")
}
