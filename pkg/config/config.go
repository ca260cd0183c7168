// Copyright 2024 The shareroot Authors.
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

// Package config loads and validates the daemon configuration file.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Share describes one exported directory tree.
type Share struct {
	// Name is the identifier clients use to pick a share.
	Name string `toml:"name"`

	// Path is the host directory the share exposes.
	Path string `toml:"path"`

	// ReadOnly rejects all mutating operations on the share.
	ReadOnly bool `toml:"readonly"`
}

// Config is the daemon configuration.
type Config struct {
	// Socket is the unix socket path the daemon listens on.
	Socket string `toml:"socket"`

	// LogLevel is a logrus level name; empty means "info".
	LogLevel string `toml:"log-level"`

	Shares []Share `toml:"share"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket must be set")
	}
	if !filepath.IsAbs(c.Socket) {
		return fmt.Errorf("socket %q must be absolute", c.Socket)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log-level: %w", err)
		}
	}
	if len(c.Shares) == 0 {
		return fmt.Errorf("at least one [[share]] must be configured")
	}
	seen := make(map[string]bool)
	for _, s := range c.Shares {
		if s.Name == "" {
			return fmt.Errorf("share with path %q has no name", s.Path)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate share name %q", s.Name)
		}
		seen[s.Name] = true
		if !filepath.IsAbs(s.Path) {
			return fmt.Errorf("share %q: path %q must be absolute", s.Name, s.Path)
		}
	}
	return nil
}

// Level returns the configured logrus level.
func (c *Config) Level() logrus.Level {
	if c.LogLevel == "" {
		return logrus.InfoLevel
	}
	// validate() already checked the name.
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("validated log level %q failed to parse: %v", c.LogLevel, err))
	}
	return lvl
}
