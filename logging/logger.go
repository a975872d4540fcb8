// Package logging provides the structured logger used across the runner.
//
// The logger tees output to console and a rotating log file, and redacts
// API keys before anything reaches either sink.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with console+file output and redaction.
type Logger struct {
	zap         *zap.Logger
	development bool
	filePath    string
}

// NewLogger creates a Logger for the given environment.
//
// Development mode logs at debug level with a colored console encoder;
// production logs at info level as JSON. The file sink always receives JSON
// and rotates at 100MB, keeping 5 backups for 30 days.
func NewLogger(development bool, logFilePath string) (*Logger, error) {
	level := zapcore.InfoLevel
	if development {
		level = zapcore.DebugLevel
	}

	core, err := newTeeCore(level, logFilePath, development)
	if err != nil {
		return nil, fmt.Errorf("logging: create core: %w", err)
	}

	return &Logger{
		zap:         zap.New(core, zap.AddCaller()),
		development: development,
		filePath:    logFilePath,
	}, nil
}

// NewTestLogger returns a logger that discards all output. For tests.
func NewTestLogger() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Sync flushes buffered log entries. Call before process exit.
func (l *Logger) Sync() error { return l.zap.Sync() }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, redactFields(fields)...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, redactFields(fields)...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, redactFields(fields)...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, redactFields(fields)...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, redactFields(fields)...) }

// With returns a child logger with the given fields attached to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		zap:         l.zap.With(redactFields(fields)...),
		development: l.development,
		filePath:    l.filePath,
	}
}

// Named adds a sub-scope to the logger's name, e.g. "orchestrator.sync".
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		zap:         l.zap.Named(name),
		development: l.development,
		filePath:    l.filePath,
	}
}

// Zap exposes the underlying zap.Logger for components that take one directly.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// redactFields rewrites string field values through the redaction filter.
func redactFields(fields []zap.Field) []zap.Field {
	for i, f := range fields {
		if f.Type == zapcore.StringType {
			fields[i] = zap.String(f.Key, Redact(f.String))
		}
	}
	return fields
}
