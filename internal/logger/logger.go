package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Option customizes the logger built by NewLogger.
type Option func(*options)

type options struct {
	file       string
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

// WithFile tees log output into a size-rotated file.
func WithFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(o *options) {
		o.file = path
		o.maxSizeMB = maxSizeMB
		o.maxBackups = maxBackups
		o.maxAgeDays = maxAgeDays
	}
}

// NewLogger creates a new zap.Logger instance based on the provided configuration.
func NewLogger(level string, format string, opts ...Option) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if o.file == "" {
		return cfg.Build()
	}

	// Rotated files always get JSON so they can be shipped as-is.
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	rotator := &lumberjack.Logger{
		Filename:   o.file,
		MaxSize:    o.maxSizeMB,
		MaxBackups: o.maxBackups,
		MaxAge:     o.maxAgeDays,
	}

	var consoleEncoder zapcore.Encoder
	if format == "json" {
		consoleEncoder = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	} else {
		consoleEncoder = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), cfg.Level),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderCfg), zapcore.AddSync(rotator), cfg.Level),
	)
	return zap.New(core, zap.AddCaller()), nil
}
