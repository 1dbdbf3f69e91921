package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"tcpscan/internal/config"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := New(config.LogConfig{Level: config.DefaultLogLevel, Format: config.DefaultLogFormat})
	global.Store(l)
}

// ParseLevel maps a level string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a zap logger from the log section of the config. Records go to
// stderr; when File is set a JSON copy is teed into a lumberjack-rotated file.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		core = zapcore.NewTee(
			core,
			zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level),
		)
	}

	return zap.New(core, zap.AddCaller()), nil
}

// Global returns the process logger. Components built without an explicit
// logger fall back to a named child of it.
func Global() *zap.Logger {
	return global.Load()
}

// SetGlobal replaces the process logger. A nil logger is ignored.
func SetGlobal(l *zap.Logger) {
	if l != nil {
		global.Store(l)
	}
}

// Named returns a child of the process logger for one component.
func Named(name string) *zap.Logger {
	return Global().Named(name)
}

// Error logs at error level through the process logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Sync flushes the process logger.
func Sync() {
	_ = Global().Sync()
}
