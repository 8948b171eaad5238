package core

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface - minimal logging interface shared by every component.
// Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation for tests and
// components constructed without logging wired in.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// ZapLogger adapts a zap.Logger to the Logger interface, converting the
// field map into typed zap fields.
type ZapLogger struct {
	zl *zap.Logger
}

// NewZapLogger builds a production logger at the given level.
// Format "text" selects the console encoder for local development;
// anything else emits JSON.
func NewZapLogger(level, format string) (*ZapLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, ErrInvalidConfiguration)
	}

	var cfg zap.Config
	if format == "text" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{zl: zl}, nil
}

// Sync flushes buffered log entries. Call on shutdown.
func (l *ZapLogger) Sync() error {
	return l.zl.Sync()
}

func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.zl.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.zl.Error(msg, zapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.zl.Warn(msg, zapFields(fields)...)
}

func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.zl.Debug(msg, zapFields(fields)...)
}

func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			out = append(out, zap.String(k, val.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
