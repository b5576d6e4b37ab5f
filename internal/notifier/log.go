package notifier

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log writes alerts to the process logger. It is always registered so an
// alert is never lost when no remote sink is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("alert")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Init(Config) error { return nil }

func (l *Log) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("source", a.Source),
	}
	if a.Message != "" {
		fields = append(fields, zap.String("message", a.Message))
	}
	for _, k := range a.FieldKeys() {
		fields = append(fields, zap.String(k, a.Fields[k]))
	}

	level := zapcore.InfoLevel
	switch a.Severity {
	case SeverityWarning:
		level = zapcore.WarnLevel
	case SeverityCritical:
		level = zapcore.ErrorLevel
	}
	l.logger.Log(level, a.Title, fields...)
	return nil
}
