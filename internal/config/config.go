// ============================================================================
// taskd Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML-tagged configuration for the coordinator connection, the
// engine's key schema, metrics, and logging, mirroring the teacher's
// nested-struct-with-yaml-tags convention.
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from a YAML file.
type Config struct {
	Coordinator struct {
		Addrs    []string `yaml:"addrs"`
		Password string   `yaml:"password"`
		DB       int      `yaml:"db"`
	} `yaml:"coordinator"`

	Engine struct {
		TaskPrefix         string        `yaml:"task_prefix"`
		TaskSet            string        `yaml:"task_set"`
		NewQueue           string        `yaml:"new_queue"`
		EndQueue           string        `yaml:"end_queue"`
		UpdateTaskInterval time.Duration `yaml:"update_task_interval"`
	} `yaml:"engine"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns a Config with every field set to its documented default
// (§6, §10), suitable for running against a local coordinator unmodified.
func Default() *Config {
	cfg := &Config{}
	cfg.Coordinator.Addrs = []string{"127.0.0.1:6379"}
	cfg.Engine.TaskPrefix = "task"
	cfg.Engine.TaskSet = "tasks"
	cfg.Engine.NewQueue = "new-task"
	cfg.Engine.EndQueue = "end-task"
	cfg.Engine.UpdateTaskInterval = 5 * time.Second
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return cfg
}

// Load reads and parses path, filling in defaults for any section left
// absent in the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if len(cfg.Coordinator.Addrs) == 0 {
		cfg.Coordinator.Addrs = []string{"127.0.0.1:6379"}
	}
	if cfg.Engine.UpdateTaskInterval <= 0 {
		cfg.Engine.UpdateTaskInterval = 5 * time.Second
	}
	return cfg, nil
}
