// Package logger sets up structured logging.
package logger

import (
	"log"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger's configuration.
type Config struct {
	// Service is added to every log entry.
	Service string
	// Debug enables debug messages and human-readable output.
	Debug bool
}

// New returns a logger for the given configuration.
func New(cfg Config) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Debug {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return l.With(zap.String("service", cfg.Service)), nil
}

// WithConnection returns a logger for a single connection.  Each connection
// gets a random ID, so that its log entries can be correlated.
func WithConnection(l *zap.Logger, remoteAddr string) *zap.Logger {
	return l.With(
		zap.String("remote_addr", remoteAddr),
		zap.String("conn_id", uuid.NewString()),
	)
}

// Security logs a security-relevant event, e.g., a rejected peer.
func Security(l *zap.Logger, msg string, fields ...zap.Field) {
	l.Warn(msg, append(fields, zap.Bool("security_event", true))...)
}

// Std returns a standard library logger that writes to l, for packages like
// net/http that expect one.
func Std(l *zap.Logger) *log.Logger {
	return zap.NewStdLog(l)
}
