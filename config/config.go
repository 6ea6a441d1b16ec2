// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the spalloc client configuration.
//
// Configuration is read from a search path of files, each merged over
// the previous one: the system file, the user file, and finally a
// dotfile in the current directory. Missing files are skipped. Files
// may be YAML (config.yaml, .spalloc.yaml) or JSONC — JSON extended
// with // line comments, /* block comments */ and trailing commas
// (config.jsonc, .spalloc.jsonc).
//
// Command-line flags override anything loaded here; the config file
// supplies the per-site and per-user defaults so that scripts do not
// need to repeat the server hostname and owner on every invocation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config holds the client defaults normally supplied by config files.
type Config struct {
	// Hostname is the name or IP address of the spalloc server.
	Hostname string `yaml:"hostname" json:"hostname"`

	// Owner is who jobs are created on behalf of; by convention an
	// email address.
	Owner string `yaml:"owner" json:"owner"`

	// Port is the server's TCP port.
	Port int `yaml:"port" json:"port"`

	// Keepalive is the job keepalive interval in seconds. Null
	// disables the server-side timeout entirely.
	Keepalive *float64 `yaml:"keepalive" json:"keepalive"`

	// ReconnectDelay is the pause in seconds between attempts to
	// re-establish a lost server connection.
	ReconnectDelay float64 `yaml:"reconnect_delay" json:"reconnect_delay"`

	// Timeout bounds each individual server exchange, in seconds.
	// Null waits forever.
	Timeout *float64 `yaml:"timeout" json:"timeout"`

	// Machine pins new jobs to a named machine. Mutually exclusive
	// with Tags.
	Machine string `yaml:"machine" json:"machine"`

	// Tags restricts allocation to machines carrying all these tags.
	Tags []string `yaml:"tags" json:"tags"`

	// MinRatio is the minimum aspect ratio of allocations requested
	// by board count.
	MinRatio float64 `yaml:"min_ratio" json:"min_ratio"`

	// MaxDeadBoards caps dead boards tolerated in an allocation.
	// Null allows any number.
	MaxDeadBoards *int `yaml:"max_dead_boards" json:"max_dead_boards"`

	// MaxDeadLinks caps dead links tolerated in an allocation. Null
	// allows any number.
	MaxDeadLinks *int `yaml:"max_dead_links" json:"max_dead_links"`

	// RequireTorus demands full torus connectivity.
	RequireTorus bool `yaml:"require_torus" json:"require_torus"`
}

// Default returns the stock configuration used as the base before any
// file is merged in.
func Default() *Config {
	keepalive := 60.0
	timeout := 5.0
	maxDeadBoards := 0
	return &Config{
		Port:           22244,
		Keepalive:      &keepalive,
		ReconnectDelay: 5.0,
		Timeout:        &timeout,
		MinRatio:       0.333,
		MaxDeadBoards:  &maxDeadBoards,
	}
}

// SearchPath returns the config file locations in merge order, lowest
// priority first. Every location exists in a YAML and a JSONC flavour.
func SearchPath() []string {
	paths := []string{
		"/etc/spalloc/config.yaml",
		"/etc/spalloc/config.jsonc",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, "spalloc", "config.yaml"),
			filepath.Join(dir, "spalloc", "config.jsonc"),
		)
	}
	paths = append(paths, ".spalloc.yaml", ".spalloc.jsonc")
	return paths
}

// Load reads and merges every file on the search path. Missing files
// are skipped; unreadable or malformed files are errors.
func Load() (*Config, error) {
	return load(SearchPath())
}

// LoadFile reads a single explicit config file over the defaults,
// bypassing the search path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func load(paths []string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		err := cfg.mergeFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile decodes one file into the current config. Fields the file
// does not mention keep their current values.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".jsonc") || strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks for values no server exchange could make sense of.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Keepalive != nil && *c.Keepalive <= 0 {
		errs = append(errs, fmt.Errorf("keepalive must be positive (use null to disable)"))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("reconnect_delay must not be negative"))
	}
	if c.Timeout != nil && *c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive (use null to wait forever)"))
	}
	if c.MinRatio < 0 {
		errs = append(errs, fmt.Errorf("min_ratio must not be negative"))
	}
	if c.Machine != "" && len(c.Tags) > 0 {
		errs = append(errs, fmt.Errorf("machine and tags are mutually exclusive"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// KeepaliveInterval converts the keepalive setting to the duration
// form the job layer uses: a negative duration disables keepalives.
func (c *Config) KeepaliveInterval() time.Duration {
	if c.Keepalive == nil {
		return -1
	}
	return time.Duration(*c.Keepalive * float64(time.Second))
}

// ReconnectInterval is the reconnect delay as a duration.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectDelay * float64(time.Second))
}

// CallTimeout is the per-exchange timeout as a duration; zero means
// wait forever.
func (c *Config) CallTimeout() time.Duration {
	if c.Timeout == nil {
		return 0
	}
	return time.Duration(*c.Timeout * float64(time.Second))
}
