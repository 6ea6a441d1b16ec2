// Copyright 2026 The Spalloc Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%s) error: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != 22244 {
		t.Errorf("Port = %d, want 22244", cfg.Port)
	}
	if cfg.Keepalive == nil || *cfg.Keepalive != 60.0 {
		t.Errorf("Keepalive = %v, want 60", cfg.Keepalive)
	}
	if cfg.ReconnectDelay != 5.0 {
		t.Errorf("ReconnectDelay = %v, want 5", cfg.ReconnectDelay)
	}
	if cfg.Timeout == nil || *cfg.Timeout != 5.0 {
		t.Errorf("Timeout = %v, want 5", cfg.Timeout)
	}
	if cfg.MinRatio != 0.333 {
		t.Errorf("MinRatio = %v, want 0.333", cfg.MinRatio)
	}
	if cfg.MaxDeadBoards == nil || *cfg.MaxDeadBoards != 0 {
		t.Errorf("MaxDeadBoards = %v, want 0", cfg.MaxDeadBoards)
	}
	if cfg.MaxDeadLinks != nil {
		t.Errorf("MaxDeadLinks = %v, want nil", cfg.MaxDeadLinks)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error: %v", err)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".spalloc.yaml", `
hostname: spalloc.example.com
owner: me@example.com
port: 22245
keepalive: 30
tags: [default, power-hungry]
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.Hostname != "spalloc.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.Port != 22245 {
		t.Errorf("Port = %d, want 22245", cfg.Port)
	}
	if cfg.Keepalive == nil || *cfg.Keepalive != 30 {
		t.Errorf("Keepalive = %v, want 30", cfg.Keepalive)
	}
	if len(cfg.Tags) != 2 || cfg.Tags[0] != "default" {
		t.Errorf("Tags = %v", cfg.Tags)
	}
	// Unmentioned fields keep their defaults.
	if cfg.ReconnectDelay != 5.0 {
		t.Errorf("ReconnectDelay = %v, want default 5", cfg.ReconnectDelay)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".spalloc.jsonc", `{
	// Site-wide server.
	"hostname": "spalloc.example.com",
	"keepalive": null, /* jobs live until destroyed */
	"max_dead_boards": 2,
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.Hostname != "spalloc.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.Keepalive != nil {
		t.Errorf("Keepalive = %v, want nil (disabled)", cfg.Keepalive)
	}
	if cfg.MaxDeadBoards == nil || *cfg.MaxDeadBoards != 2 {
		t.Errorf("MaxDeadBoards = %v, want 2", cfg.MaxDeadBoards)
	}
}

func TestLoad_MergeOrder(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", `
hostname: site-server
port: 22245
min_ratio: 0.5
`)
	user := writeFile(t, dir, "user.yaml", `
hostname: my-server
owner: me@example.com
`)
	missing := filepath.Join(dir, "does-not-exist.yaml")

	cfg, err := load([]string{system, missing, user})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	// Later files win field by field.
	if cfg.Hostname != "my-server" {
		t.Errorf("Hostname = %q, want my-server", cfg.Hostname)
	}
	if cfg.Owner != "me@example.com" {
		t.Errorf("Owner = %q", cfg.Owner)
	}
	// Fields only the earlier file set survive the merge.
	if cfg.Port != 22245 {
		t.Errorf("Port = %d, want 22245", cfg.Port)
	}
	if cfg.MinRatio != 0.5 {
		t.Errorf("MinRatio = %v, want 0.5", cfg.MinRatio)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "hostname: [unclosed")
	if _, err := load([]string{bad}); err == nil {
		t.Error("load() with malformed YAML succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"huge port", func(c *Config) { c.Port = 70000 }},
		{"zero keepalive", func(c *Config) { k := 0.0; c.Keepalive = &k }},
		{"negative reconnect", func(c *Config) { c.ReconnectDelay = -1 }},
		{"zero timeout", func(c *Config) { v := 0.0; c.Timeout = &v }},
		{"negative ratio", func(c *Config) { c.MinRatio = -0.1 }},
		{"machine and tags", func(c *Config) {
			c.Machine = "spinn-1"
			c.Tags = []string{"default"}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	if got := cfg.KeepaliveInterval(); got != 60*time.Second {
		t.Errorf("KeepaliveInterval() = %v, want 60s", got)
	}
	if got := cfg.CallTimeout(); got != 5*time.Second {
		t.Errorf("CallTimeout() = %v, want 5s", got)
	}
	if got := cfg.ReconnectInterval(); got != 5*time.Second {
		t.Errorf("ReconnectInterval() = %v, want 5s", got)
	}

	cfg.Keepalive = nil
	if got := cfg.KeepaliveInterval(); got >= 0 {
		t.Errorf("KeepaliveInterval() with null keepalive = %v, want negative", got)
	}
	cfg.Timeout = nil
	if got := cfg.CallTimeout(); got != 0 {
		t.Errorf("CallTimeout() with null timeout = %v, want 0", got)
	}
}
