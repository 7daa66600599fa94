// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Source.ID == cfg.Destination.ID {
		t.Errorf("expected distinct store ids, got %s twice", cfg.Source.ID)
	}

	// Duplication defaults
	if cfg.Duplication.WaitInterval != 30*time.Second {
		t.Errorf("expected wait interval 30s, got %v", cfg.Duplication.WaitInterval)
	}
	if cfg.Duplication.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Duplication.MaxRetries)
	}
	if cfg.Duplication.RetryAttempts != 3 || cfg.Duplication.RetryWait != time.Second {
		t.Errorf("expected 3 retry attempts 1s apart, got %d/%v", cfg.Duplication.RetryAttempts, cfg.Duplication.RetryWait)
	}
	if cfg.Duplication.RateLimit.Enabled {
		t.Error("expected rate limiting disabled by default")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "memory stores",
			modify: func(c *Config) {
				c.Source.Type = "memory"
				c.Destination.Type = "memory"
				c.Journal.Type = "memory"
			},
			wantErr: false,
		},
		{
			name: "same store on both sides",
			modify: func(c *Config) {
				c.Destination.ID = c.Source.ID
			},
			wantErr: true,
		},
		{
			name: "shared badger directory",
			modify: func(c *Config) {
				c.Destination.BadgerDir = c.Source.BadgerDir
			},
			wantErr: true,
		},
		{
			name: "unknown store type",
			modify: func(c *Config) {
				c.Source.Type = "s3"
			},
			wantErr: true,
		},
		{
			name: "zero max retries",
			modify: func(c *Config) {
				c.Duplication.MaxRetries = 0
			},
			wantErr: true,
		},
		{
			name: "max retries at limit",
			modify: func(c *Config) {
				c.Duplication.MaxRetries = MaxRetriesLimit
			},
			wantErr: false,
		},
		{
			name: "max retries above limit",
			modify: func(c *Config) {
				c.Duplication.MaxRetries = 45
			},
			wantErr: true,
		},
		{
			name: "zero wait interval",
			modify: func(c *Config) {
				c.Duplication.WaitInterval = 0
			},
			wantErr: true,
		},
		{
			name: "rate limit without rate",
			modify: func(c *Config) {
				c.Duplication.RateLimit.Enabled = true
				c.Duplication.RateLimit.Rate = 0
			},
			wantErr: true,
		},
		{
			name: "postgres journal without dsn",
			modify: func(c *Config) {
				c.Journal.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "disabled journal is not checked",
			modify: func(c *Config) {
				c.Journal.Enabled = false
				c.Journal.Type = "unknown"
			},
			wantErr: false,
		},
		{
			name: "websocket path without slash",
			modify: func(c *Config) {
				c.Server.WSEnabled = true
				c.Server.WSPath = "results"
			},
			wantErr: true,
		},
		{
			name: "http tls without key",
			modify: func(c *Config) {
				c.Server.HTTPTLS.CertFile = "/etc/duplicator/cert.pem"
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ops", Type: "http"}}
			},
			wantErr: true,
		},
		{
			name: "invalid webhook drop policy",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.DropPolicy = "random"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default config, got HTTP addr %s", cfg.Server.HTTPAddr)
	}
}

func TestLoadPartial(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := []byte(`
source:
  id: dc-east
  type: memory
duplication:
  max_retries: 5
  wait_interval: 10s
webhook:
  enabled: true
  endpoints:
    - name: ops
      type: http
      url: http://localhost:9000/hook
      failures_only: true
      spaces: ["archive-*"]
`)
	if err := os.WriteFile(tmpfile, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.ID != "dc-east" || cfg.Source.Type != "memory" {
		t.Errorf("expected memory source dc-east, got %s/%s", cfg.Source.Type, cfg.Source.ID)
	}
	if cfg.Destination.ID != "secondary" {
		t.Errorf("expected default destination to survive, got %s", cfg.Destination.ID)
	}
	if cfg.Duplication.MaxRetries != 5 || cfg.Duplication.WaitInterval != 10*time.Second {
		t.Errorf("unexpected duplication config %+v", cfg.Duplication)
	}
	if len(cfg.Webhook.Endpoints) != 1 || !cfg.Webhook.Endpoints[0].FailuresOnly {
		t.Fatalf("expected one failures-only endpoint, got %+v", cfg.Webhook.Endpoints)
	}
	if cfg.Webhook.Workers != 5 {
		t.Errorf("expected default webhook workers, got %d", cfg.Webhook.Workers)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("log:\n  level: loud\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Server.HTTPAddr = ":9090"
	cfg.Duplication.WaitInterval = 5 * time.Second
	cfg.Journal.Type = "postgres"
	cfg.Journal.PostgresDSN = "postgres://localhost/duplicator"
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.HTTPAddr != ":9090" {
		t.Errorf("expected HTTP addr :9090, got %s", loaded.Server.HTTPAddr)
	}
	if loaded.Duplication.WaitInterval != 5*time.Second {
		t.Errorf("expected wait interval 5s, got %v", loaded.Duplication.WaitInterval)
	}
	if loaded.Journal.PostgresDSN != cfg.Journal.PostgresDSN {
		t.Errorf("expected dsn %s, got %s", cfg.Journal.PostgresDSN, loaded.Journal.PostgresDSN)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
