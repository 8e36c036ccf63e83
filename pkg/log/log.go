// Copyright 2023 The uCore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the kernel's logging facade. All kernel and simulator
// code logs through this package rather than holding a logger of its own, so
// the emulated console output and the host-side diagnostics share one sink.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level is a log verbosity level.
type Level uint32

// The set of supported levels, most severe first.
const (
	Warning Level = iota
	Info
	Debug
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	return l
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(lv Level) {
	switch lv {
	case Warning:
		logger.SetLevel(logrus.WarnLevel)
	case Info:
		logger.SetLevel(logrus.InfoLevel)
	case Debug:
		logger.SetLevel(logrus.DebugLevel)
	}
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// IsLogging returns whether the given level would be emitted.
func IsLogging(lv Level) bool {
	switch lv {
	case Warning:
		return true
	case Info:
		return logger.IsLevelEnabled(logrus.InfoLevel)
	case Debug:
		return logger.IsLevelEnabled(logrus.DebugLevel)
	}
	return false
}

// Debugf logs a debug-level message.
func Debugf(format string, v ...any) {
	logger.Debugf(format, v...)
}

// Infof logs an info-level message.
func Infof(format string, v ...any) {
	logger.Infof(format, v...)
}

// Warningf logs a warning-level message.
func Warningf(format string, v ...any) {
	logger.Warnf(format, v...)
}
