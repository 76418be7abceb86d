// Package logutil wraps zap, giving every component in this repository
// one shared, rotated, structured logger instead of the standard
// library's bare log package.
package logutil

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// Config exposes the handful of rotation knobs callers actually need; the
// rest (level, sampling) follow zap's production defaults.
type Config struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Verbose    bool
}

func initDefault() {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(&discardWriter{}), zap.InfoLevel)
	global = zap.New(core).Sugar()
}

// Init (re)configures the global logger to write through lumberjack for
// size/age-based log rotation.
func Init(cfg Config) {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := zap.InfoLevel
	if cfg.Verbose {
		lvl = zap.DebugLevel
	}

	var ws zapcore.WriteSyncer
	if cfg.Filename != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    maxOr(cfg.MaxSizeMB, 64),
			MaxBackups: maxOr(cfg.MaxBackups, 5),
			MaxAge:     maxOr(cfg.MaxAgeDays, 7),
		})
	} else {
		ws = zapcore.AddSync(&discardWriter{})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, lvl)
	global = zap.New(core).Sugar()
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func logger() *zap.SugaredLogger {
	once.Do(initDefault)
	return global
}

func Infof(format string, args ...any)  { logger().Infof(format, args...) }
func Errorf(format string, args ...any) { logger().Errorf(format, args...) }
func Warnf(format string, args ...any)  { logger().Warnf(format, args...) }
func Debugf(format string, args ...any) { logger().Debugf(format, args...) }

// With returns a logger with structured key/value context attached.
func With(kv ...any) *zap.SugaredLogger {
	return logger().With(kv...)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Sync() error                 { return nil }
