// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package config defines the broker and worker configuration schema and
// helpers for loading it from a YAML file, overlaid with environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist at the given path.
var ErrConfigNotFound = errors.New("fuseline config not found")

// StorageConfig selects and configures the RuntimeStorage backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" or "postgres"
	DSN    string `yaml:"dsn,omitempty"`
}

// BrokerConfig is the top-level configuration for fuseline-broker.
type BrokerConfig struct {
	ListenAddr  string        `yaml:"listen_addr"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	WorkerTTL   time.Duration `yaml:"worker_ttl"`
	LogLevel    string        `yaml:"log_level"`
	MetricsPath string        `yaml:"metrics_path"`
	Storage     StorageConfig `yaml:"storage"`
}

// WorkerConfig is the top-level configuration for fuseline-worker.
type WorkerConfig struct {
	BrokerURL     string        `yaml:"broker_url"`
	Processes     int           `yaml:"processes"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
	LogLevel      string        `yaml:"log_level"`
	RepositoryDir string        `yaml:"repository_dir"`
}

func defaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenAddr:  ":8000",
		LeaseTTL:    60 * time.Second,
		WorkerTTL:   30 * time.Second,
		LogLevel:    "info",
		MetricsPath: "/metrics",
		Storage:     StorageConfig{Driver: "memory"},
	}
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BrokerURL:    "http://localhost:8000",
		Processes:    1,
		PollInterval: 2 * time.Second,
		HeartbeatTTL: 60 * time.Second,
		LogLevel:     "info",
	}
}

// Exists reports whether a config file exists at the given path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// LoadBroker reads and validates broker config from path, applying
// defaults and then environment overrides. An empty path skips the file
// and loads defaults plus environment only.
func LoadBroker(path string) (*BrokerConfig, error) {
	cfg := defaultBrokerConfig()

	if path != "" {
		exists, err := Exists(path)
		if err != nil {
			return nil, fmt.Errorf("checking config existence: %w", err)
		}
		if !exists {
			return nil, ErrConfigNotFound
		}
		// nolint:gosec // G304: reading config file from user-specified path is expected behavior
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyBrokerEnv(&cfg)

	if err := validateBroker(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker reads and validates worker config from path, applying
// defaults and then environment overrides.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := defaultWorkerConfig()

	if path != "" {
		exists, err := Exists(path)
		if err != nil {
			return nil, fmt.Errorf("checking config existence: %w", err)
		}
		if !exists {
			return nil, ErrConfigNotFound
		}
		// nolint:gosec // G304: reading config file from user-specified path is expected behavior
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyWorkerEnv(&cfg)

	if err := validateWorker(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Env var names follow the worker CLI env surface in the exported
// interfaces section: BROKER_URL, WORKER_PROCESSES and LOG_LEVEL are
// the names named there; LISTEN_ADDR, WORKER_TTL and LEASE_TTL extend
// that surface to the broker side.
func applyBrokerEnv(cfg *BrokerConfig) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LeaseTTL = d
		}
	}
	if v := os.Getenv("WORKER_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WorkerTTL = d
		}
	}
	if v := os.Getenv("FUSELINE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("FUSELINE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

func applyWorkerEnv(cfg *WorkerConfig) {
	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WORKER_PROCESSES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Processes = n
		}
	}
	if v := os.Getenv("FUSELINE_HEARTBEAT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatTTL = d
		}
	}
}

func validateBroker(cfg *BrokerConfig) error {
	if cfg.ListenAddr == "" {
		return errors.New("config: listen_addr must be non-empty")
	}
	if cfg.LeaseTTL <= 0 {
		return errors.New("config: lease_ttl must be positive")
	}
	if cfg.WorkerTTL <= 0 {
		return errors.New("config: worker_ttl must be positive")
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", cfg.Storage.Driver)
	}
	return nil
}

func validateWorker(cfg *WorkerConfig) error {
	if cfg.BrokerURL == "" {
		return errors.New("config: broker_url must be non-empty")
	}
	if cfg.Processes <= 0 {
		return errors.New("config: processes must be positive")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	return nil
}
