// Package logger builds the zap loggers nebuladb components are given.
// There is no global logger: every component takes a *zap.Logger (nil
// means no-op) and tags it with its component name.
package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// contextKey is the type for context keys
type contextKey string

const (
	// SessionIDKey is the context key for the session ID
	SessionIDKey contextKey = "session_id"
	// DatabaseKey is the context key for the database name
	DatabaseKey contextKey = "database"
	// TxIDKey is the context key for the transaction ID
	TxIDKey contextKey = "tx_id"
)

// Config represents logger configuration
type Config struct {
	Level       string      `yaml:"level" json:"level"`
	Development bool        `yaml:"development" json:"development"`
	Encoding    string      `yaml:"encoding" json:"encoding"` // json or console
	OutputPaths []string    `yaml:"output_paths" json:"output_paths"`
	File        *FileConfig `yaml:"file,omitempty" json:"file,omitempty"`
}

// FileConfig routes log output to a size-rotated file
type FileConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// New builds a logger from cfg
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "json"
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.File != nil && cfg.File.Path != "" {
		return newFileLogger(cfg, level, encoderConfig), nil
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// newFileLogger writes through lumberjack so long-running engines rotate their logs
func newFileLogger(cfg Config, level zapcore.Level, encCfg zapcore.EncoderConfig) *zap.Logger {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	})

	var enc zapcore.Encoder
	if cfg.Encoding == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	opts := []zap.Option{zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level)), opts...)
}

// OrNop returns l, or a no-op logger when l is nil
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Enrich adds the session, database and transaction IDs found in ctx to l
func Enrich(l *zap.Logger, ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l
	}

	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		l = l.With(zap.String("session_id", sessionID))
	}

	if database, ok := ctx.Value(DatabaseKey).(string); ok {
		l = l.With(zap.String("database", database))
	}

	if txID, ok := ctx.Value(TxIDKey).(string); ok {
		l = l.With(zap.String("tx_id", txID))
	}

	return l
}
