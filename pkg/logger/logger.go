// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the logging capability for loom. All output goes
// to stderr: stdout is reserved for the line-delimited control protocol.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(false, false))
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying *zap.SugaredLogger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) { get().Debug(msg) }

// Debugf logs a formatted message at debug level using the singleton logger.
func Debugf(msg string, args ...any) { get().Debugf(msg, args...) }

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) { get().Debugw(msg, keysAndValues...) }

// Info logs a message at info level using the singleton logger.
func Info(msg string) { get().Info(msg) }

// Infof logs a formatted message at info level using the singleton logger.
func Infof(msg string, args ...any) { get().Infof(msg, args...) }

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) { get().Warn(msg) }

// Warnf logs a formatted message at warning level using the singleton logger.
func Warnf(msg string, args ...any) { get().Warnf(msg, args...) }

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) { get().Warnw(msg, keysAndValues...) }

// Error logs a message at error level using the singleton logger.
func Error(msg string) { get().Error(msg) }

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(msg string, args ...any) { get().Errorf(msg, args...) }

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }

// Fatalf logs a formatted message at error level and exits the program.
func Fatalf(msg string, args ...any) {
	get().Errorf(msg, args...)
	os.Exit(1)
}

// Initialize creates and configures the appropriate logger.
// If the UNSTRUCTURED_LOGS env var is set to true, it outputs plain text.
// Otherwise it creates a standard structured JSON logger.
func Initialize(debug bool) {
	singleton.Store(newLogger(unstructuredLogs(), debug))
}

func newLogger(unstructured, debug bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if unstructured {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core).Sugar()
}

func unstructuredLogs() bool {
	unstructured, err := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// Env var unset or empty: default to structured output.
		return false
	}
	return unstructured
}
