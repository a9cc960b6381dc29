// Package rlog wraps the zap logger used across the Core to trace lock
// signalling, atom stage transitions, commit pipeline steps, and eviction.
package rlog

import (
	"go.uber.org/zap"
)

// Logger is a thin handle around *zap.Logger, carried on a Core/Tree/Atom
// rather than used as a package-global, avoiding ambient mutable state
// outside of an explicit handle.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger; production builds want New(zapLogger), tests want
// Nop().
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, for unit tests that do not
// assert on log output.
func Nop() *Logger { return New(zap.NewNop()) }

// Development builds a human-readable development logger.
func Development() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		return Nop()
	}
	return New(z)
}

func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return Nop()
	}
	return New(l.z.Named(name))
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	if l == nil {
		return Nop()
	}
	return New(l.z.With(fields...))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Error(msg, fields...)
}

// Sync flushes any buffered log entries; callers invoke it on shutdown.
func (l *Logger) Sync() {
	if l == nil {
		return
	}
	_ = l.z.Sync()
}
