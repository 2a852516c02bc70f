// Package logging builds the zap.Logger used throughout the server.
package logging

import (
	"fmt"
	"os"

	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kawpowd/stratum/internal/config"
)

// New builds a *zap.Logger from the logging configuration. File output is
// rotated at 10 MiB via logrotate, matching the teacher's file-sink option
// but without growing an unbounded log file under a long-running daemon.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer, err := sink(cfg)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if cfg.Debug {
		logger = logger.WithOptions(zap.Development())
	}

	return logger, nil
}

// sink picks stdout or a rotated log file depending on configuration.
func sink(cfg config.LoggingConfig) (zapcore.WriteSyncer, error) {
	if cfg.Output != "file" || cfg.FilePath == "" {
		return zapcore.AddSync(os.Stdout), nil
	}

	r, err := rotator.New(cfg.FilePath, 10*1024, false, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to create log rotator: %w", err)
	}
	return zapcore.AddSync(r), nil
}
