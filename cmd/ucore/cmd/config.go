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

// Package cmd holds the ucore subcommands.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"

	"ucore.dev/ucore/pkg/log"
)

// Config is the machine configuration, loadable from a TOML file and
// overridable by flags.
type Config struct {
	// MemSize is the physical memory size in bytes.
	MemSize int `toml:"mem_size"`

	// LogLevel is one of "warning", "info", "debug".
	LogLevel string `toml:"log_level"`

	// HaltTimeoutSec bounds how long boot waits, in seconds, for the
	// machine to power off after an interrupt.
	HaltTimeoutSec int `toml:"halt_timeout_sec"`
}

// HaltTimeout returns the halt deadline as a duration.
func (c *Config) HaltTimeout() time.Duration {
	return time.Duration(c.HaltTimeoutSec) * time.Second
}

// defaultConfig returns the configuration used when no file is given.
func defaultConfig() Config {
	return Config{
		MemSize:        0, // kernel default
		LogLevel:       "info",
		HaltTimeoutSec: 10,
	}
}

// loadConfig reads path over the defaults; an empty path keeps them.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("reading config %q: %w", path, err)
	}
	return c, nil
}

// applyLogLevel configures the log package from c.
func (c *Config) applyLogLevel() error {
	switch c.LogLevel {
	case "", "info":
		log.SetLevel(log.Info)
	case "warning":
		log.SetLevel(log.Warning)
	case "debug":
		log.SetLevel(log.Debug)
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// Errorf logs to stderr and returns a failure status for a subcommand.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
