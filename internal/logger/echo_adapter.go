package logger

import (
	"fmt"
	"io"
	"sync/atomic"

	echo_log "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter adapts Logger to the echo.Logger interface so the status
// server logs through the module logger.
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(central.Module("http"))
type EchoLoggerAdapter struct {
	logger Logger
	level  atomic.Uint32
}

// NewEchoLoggerAdapter creates a new Echo logger adapter
func NewEchoLoggerAdapter(log Logger) *EchoLoggerAdapter {
	if log == nil {
		log = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	a := &EchoLoggerAdapter{logger: log}
	a.level.Store(uint32(echo_log.INFO))
	return a
}

// emit forwards to the wrapped logger when lvl passes the echo-side level.
func (a *EchoLoggerAdapter) emit(lvl echo_log.Lvl, msg string, fields ...Field) {
	if lvl < echo_log.Lvl(a.level.Load()) {
		return
	}
	switch lvl {
	case echo_log.DEBUG:
		a.logger.Debug(msg, fields...)
	case echo_log.INFO:
		a.logger.Info(msg, fields...)
	case echo_log.WARN:
		a.logger.Warn(msg, fields...)
	default:
		a.logger.Error(msg, fields...)
	}
}

// Output returns io.Discard; output is routed through Logger.
func (a *EchoLoggerAdapter) Output() io.Writer { return io.Discard }

// SetOutput is a no-op.
func (a *EchoLoggerAdapter) SetOutput(_ io.Writer) {}

// Prefix returns an empty prefix; module scoping identifies the source.
func (a *EchoLoggerAdapter) Prefix() string { return "" }

// SetPrefix is a no-op.
func (a *EchoLoggerAdapter) SetPrefix(_ string) {}

// Level returns the echo-side level filter.
func (a *EchoLoggerAdapter) Level() echo_log.Lvl { return echo_log.Lvl(a.level.Load()) }

// SetLevel sets the echo-side level filter.
func (a *EchoLoggerAdapter) SetLevel(v echo_log.Lvl) { a.level.Store(uint32(v)) }

// SetHeader is a no-op; formatting belongs to the handler.
func (a *EchoLoggerAdapter) SetHeader(_ string) {}

func (a *EchoLoggerAdapter) Print(i ...any) { a.emit(echo_log.INFO, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Printf(format string, args ...any) {
	a.emit(echo_log.INFO, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Printj(j echo_log.JSON) { a.emit(echo_log.INFO, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Debug(i ...any) { a.emit(echo_log.DEBUG, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Debugf(format string, args ...any) {
	a.emit(echo_log.DEBUG, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Debugj(j echo_log.JSON) { a.emit(echo_log.DEBUG, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Info(i ...any) { a.emit(echo_log.INFO, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Infof(format string, args ...any) {
	a.emit(echo_log.INFO, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Infoj(j echo_log.JSON) { a.emit(echo_log.INFO, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Warn(i ...any) { a.emit(echo_log.WARN, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Warnf(format string, args ...any) {
	a.emit(echo_log.WARN, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Warnj(j echo_log.JSON) { a.emit(echo_log.WARN, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Error(i ...any) { a.emit(echo_log.ERROR, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Errorf(format string, args ...any) {
	a.emit(echo_log.ERROR, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Errorj(j echo_log.JSON) { a.emit(echo_log.ERROR, "echo", Any("data", j)) }

// Fatal logs at error level and panics; echo recovers and the server shuts down.
func (a *EchoLoggerAdapter) Fatal(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic("echo fatal: " + msg)
}

func (a *EchoLoggerAdapter) Fatalf(format string, args ...any) { a.Fatal(fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Fatalj(j echo_log.JSON)             { a.Fatal(fmt.Sprint(j)) }

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(format string, args ...any) { a.Panic(fmt.Sprintf(format, args...)) }
func (a *EchoLoggerAdapter) Panicj(j echo_log.JSON)             { a.Panic(fmt.Sprint(j)) }
