// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

// Package logging builds the zap loggers shared by the token transports.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel selects the minimum level: debug, info, warn or error.
const EnvLogLevel = "TOKENIO_LOG_LEVEL"

var (
	base     *zap.SugaredLogger
	baseOnce sync.Once
	level    = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func initLogger() {
	level.SetLevel(ParseLevel(os.Getenv(EnvLogLevel)))

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	base = logger.Sugar()
}

// ParseLevel maps a level name to a zap level. Unknown names yield info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Named returns the process logger scoped to a component.
func Named(component string) *zap.SugaredLogger {
	baseOnce.Do(initLogger)
	return base.Named(component)
}

// SetLevel changes the minimum level of every logger returned by Named.
func SetLevel(name string) {
	level.SetLevel(ParseLevel(name))
}

// Sync flushes buffered log entries.
func Sync() error {
	baseOnce.Do(initLogger)
	return base.Sync()
}
