// Package logx provides the structured logger shared by every worker in the
// service. It mirrors the corpus's zap-backed logger package, trimmed down to
// the console-only shape this daemon needs (there is no config file layer to
// pick "file" or "both" output from).
package logx

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	base = New("info")
}

// New builds a console logger at the given level ("debug", "info", "warn",
// "error"). Unknown levels fall back to info.
func New(level string) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		parseLevel(level),
	)
	return zap.New(core, zap.AddCaller())
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel replaces the process-wide base logger with one at the given level.
func SetLevel(level string) {
	base = New(level)
}

// Named returns a child logger scoped to one component, e.g. "session",
// "transfer.sender", "discovery".
func Named(component string) *zap.Logger {
	return base.Named(component)
}

// L returns the process-wide base logger.
func L() *zap.Logger {
	return base
}

// Sync flushes any buffered log entries. Call on graceful shutdown.
func Sync() error {
	return base.Sync()
}
