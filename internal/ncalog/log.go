// Copyright 2024 the nxdumptool-core Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ncalog provides the ambient logging shim used by the content
// pipeline. It never participates in control flow: callers that need to
// branch on a condition check the condition itself, not a log call.
package ncalog

import (
	"log"
	"os"
)

// Logger describes a logger to be used across the content pipeline.
type Logger interface {
	// Warnf logs a recoverable condition, such as a main-signature
	// mismatch that the reader tolerates by design.
	Warnf(format string, args ...interface{})

	// Errorf logs an error that the caller is already propagating.
	Errorf(format string, args ...interface{})
}

// DefaultLogger is the logger used by default everywhere in this module.
var DefaultLogger Logger

func init() {
	DefaultLogger = logWrapper{Logger: log.New(os.Stderr, "", log.LstdFlags)}
}

type logWrapper struct {
	Logger *log.Logger
}

func (l logWrapper) Warnf(format string, args ...interface{}) {
	l.Logger.Printf("[nca][WARN] "+format, args...)
}

func (l logWrapper) Errorf(format string, args ...interface{}) {
	l.Logger.Printf("[nca][ERROR] "+format, args...)
}

// Warnf logs a warning using DefaultLogger.
func Warnf(format string, args ...interface{}) { DefaultLogger.Warnf(format, args...) }

// Errorf logs an error using DefaultLogger.
func Errorf(format string, args ...interface{}) { DefaultLogger.Errorf(format, args...) }
