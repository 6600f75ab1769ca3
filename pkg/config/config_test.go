// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadBroker_Defaults(t *testing.T) {
	cfg, err := LoadBroker("")
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("expected default listen_addr :8000, got %q", cfg.ListenAddr)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("expected default storage driver memory, got %q", cfg.Storage.Driver)
	}
}

func TestLoadBroker_MissingFile(t *testing.T) {
	_, err := LoadBroker(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != ErrConfigNotFound {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadBroker_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	content := []byte(`
listen_addr: ":9000"
lease_ttl: 45s
storage:
  driver: postgres
  dsn: "postgres://localhost/fuseline"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.ListenAddr)
	}
	if cfg.LeaseTTL != 45*time.Second {
		t.Errorf("expected 45s lease TTL, got %v", cfg.LeaseTTL)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Errorf("expected postgres driver with a DSN, got %+v", cfg.Storage)
	}
}

func TestLoadBroker_PostgresRequiresDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	content := []byte("storage:\n  driver: postgres\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := LoadBroker(path); err == nil {
		t.Fatal("expected an error when postgres driver is selected without a dsn")
	}
}

func TestLoadBroker_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("LISTEN_ADDR", ":7777")
	cfg, err := LoadBroker(path)
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("expected env override :7777, got %q", cfg.ListenAddr)
	}
}

func TestLoadWorker_Defaults(t *testing.T) {
	cfg, err := LoadWorker("")
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.BrokerURL != "http://localhost:8000" {
		t.Errorf("expected default broker_url, got %q", cfg.BrokerURL)
	}
	if cfg.Processes != 1 {
		t.Errorf("expected default processes 1, got %d", cfg.Processes)
	}
}

func TestLoadWorker_EnvOverridesProcesses(t *testing.T) {
	t.Setenv("WORKER_PROCESSES", "4")
	cfg, err := LoadWorker("")
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.Processes != 4 {
		t.Errorf("expected processes overridden to 4, got %d", cfg.Processes)
	}
}

func TestLoadWorker_InvalidPollInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: 0s\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := LoadWorker(path); err == nil {
		t.Fatal("expected an error for a non-positive poll_interval")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	if ok, err := Exists(file); err != nil || ok {
		t.Fatalf("expected Exists false for missing file, got %v %v", ok, err)
	}
	if err := os.WriteFile(file, []byte("{}"), 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if ok, err := Exists(file); err != nil || !ok {
		t.Fatalf("expected Exists true for present file, got %v %v", ok, err)
	}
	if ok, err := Exists(dir); err != nil || ok {
		t.Fatalf("expected Exists false for a directory, got %v %v", ok, err)
	}
}
