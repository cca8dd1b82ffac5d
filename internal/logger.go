package internal

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerParams struct {
	// Production selects JSON console output; otherwise the development encoder.
	Production bool
	Level      string

	// File, when set, receives a JSON copy of every entry and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ProductionFromEnv mirrors the APP_ENV switch used by the binaries.
func ProductionFromEnv() bool {
	return os.Getenv("APP_ENV") == "production"
}

// CreateLogger builds the process logger. The returned close func flushes and
// releases the log file.
func CreateLogger(params LoggerParams) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if params.Level != "" {
		parsed, err := zap.ParseAtomicLevel(params.Level)
		if err != nil {
			return nil, nil, err
		}
		level = parsed
	}

	var cfg zap.Config
	if params.Production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level

	base, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}

	if params.File == "" {
		return base, func() { base.Sync() }, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   params.File,
		MaxSize:    params.MaxSizeMB,
		MaxBackups: params.MaxBackups,
		MaxAge:     params.MaxAgeDays,
		Compress:   params.Compress,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		level,
	)

	logger := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))

	return logger, func() {
		logger.Sync()
		rotator.Close()
	}, nil
}
