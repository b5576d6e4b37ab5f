package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a size-rotated log file.
type FileConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a new zap logger
func New(development bool) (*zap.Logger, error) {
	return config(development).Build()
}

func config(development bool) zap.Config {
	var cfg zap.Config

	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	return cfg
}

// NewWithFile creates a logger that also writes JSON lines to a rotated
// file. An empty filename is the same as New.
func NewWithFile(development bool, fc FileConfig) (*zap.Logger, error) {
	if fc.Filename == "" {
		return New(development)
	}
	if err := os.MkdirAll(filepath.Dir(fc.Filename), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	cfg := config(development)
	file := &lumberjack.Logger{
		Filename:   fc.Filename,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}

	// the file always gets plain JSON, whatever the console encoding
	fileEnc := zap.NewProductionEncoderConfig()
	fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(file), cfg.Level)

	return cfg.Build(zap.WrapCore(func(console zapcore.Core) zapcore.Core {
		return zapcore.NewTee(console, fileCore)
	}))
}

// Must creates a logger or panics
func Must(development bool) *zap.Logger {
	log, err := New(development)
	if err != nil {
		panic(err)
	}
	return log
}
