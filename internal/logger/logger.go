// Package logger provides the structured logger shared by every component.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// New builds a JSON logger writing to stdout at the given level.
func New(level string) (*Logger, error) {
	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(parseLevel(level)),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

// ForEnv picks the console logger in development and the JSON logger
// everywhere else.
func ForEnv(env, level string) (*Logger, error) {
	if strings.EqualFold(env, "development") {
		return NewDevelopment(level)
	}
	return New(level)
}

// NewDevelopment builds a console logger for local runs.
func NewDevelopment(level string) (*Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	l, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adopts an existing zap logger, e.g. zaptest.NewLogger in tests.
func Wrap(l *zap.Logger) *Logger {
	return &Logger{Logger: l}
}

// With returns a child logger carrying the extra fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Component tags a child logger with the component name.
func (l *Logger) Component(name string) *Logger {
	return l.With(zap.String("component", name))
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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
