package command

import "github.com/tphakala/aoa-go/internal/logger"

// GetLogger returns the module logger for the command channel.
func GetLogger() logger.Logger {
	return logger.Global().Module("command")
}
