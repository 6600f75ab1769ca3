// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package logging provides the structured logger used across the broker,
// worker, and executor: a small interface over go.uber.org/zap so call
// sites never import zap directly.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
	Sync() error
}

// Field represents a key-value pair in structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// NewField creates a new field.
func NewField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

type loggerImpl struct {
	z *zap.Logger
}

// NewLogger creates a new logger at the given level. Output is
// console-encoded to stderr, matching the broker and worker CLIs'
// default of keeping stdout free for piped output.
func NewLogger(level Level) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &loggerImpl{z: z}
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &loggerImpl{z: zap.NewNop()}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (l *loggerImpl) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZapFields(fields)...) }
func (l *loggerImpl) Info(msg string, fields ...Field)  { l.z.Info(msg, toZapFields(fields)...) }
func (l *loggerImpl) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZapFields(fields)...) }
func (l *loggerImpl) Error(msg string, fields ...Field) { l.z.Error(msg, toZapFields(fields)...) }

func (l *loggerImpl) WithFields(fields ...Field) Logger {
	return &loggerImpl{z: l.z.With(toZapFields(fields)...)}
}

func (l *loggerImpl) Sync() error { return l.z.Sync() }
