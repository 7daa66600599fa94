// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	mtls "github.com/absmach/duplicator/pkg/tls"
	"github.com/absmach/duplicator/ratelimit"
	"gopkg.in/yaml.v3"
)

// MaxRetriesLimit bounds duplication.max_retries. The retry delay grows as 3^n
// wait intervals, so larger values only postpone abandonment by decades.
const MaxRetriesLimit = 20

// Config holds the duplicator daemon configuration.
type Config struct {
	Source      StoreConfig       `yaml:"source"`
	Destination StoreConfig       `yaml:"destination"`
	Duplication DuplicationConfig `yaml:"duplication"`
	Journal     JournalConfig     `yaml:"journal"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// StoreConfig describes one storage backend.
type StoreConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir  string        `yaml:"badger_dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// DuplicationConfig holds duplication engine settings.
type DuplicationConfig struct {
	// Async queues content duplication and reports results to listeners.
	Async bool `yaml:"async"`

	// Poll interval of the async workers and unit of the retry backoff.
	WaitInterval time.Duration `yaml:"wait_interval"`
	// Scheduled retries before a failed event is abandoned.
	MaxRetries int `yaml:"max_retries"`

	// Per-call retries against a store.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryWait     time.Duration `yaml:"retry_wait"`

	// Directory for content staged while computing checksums.
	TempDir string `yaml:"temp_dir"`

	RateLimit      ratelimit.Config     `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// JournalConfig holds result journal settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Type        string `yaml:"type"` // memory, badger, postgres
	BadgerDir   string `yaml:"badger_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	// InstanceID tags webhooks and telemetry. A random ID is used when empty.
	InstanceID string `yaml:"instance_id"`

	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HTTPEnabled     bool          `yaml:"http_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// HTTPTLS serves the HTTP API over TLS when a certificate pair is set.
	HTTPTLS mtls.Config `yaml:"http_tls"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`          // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	Spaces       []string          `yaml:"spaces"`        // Space ID patterns (empty = all)
	FailuresOnly bool              `yaml:"failures_only"` // Only notify abandoned events
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Source: StoreConfig{
			ID:         "primary",
			Type:       "badger",
			BadgerDir:  "/tmp/duplicator/primary",
			GCInterval: 5 * time.Minute,
		},
		Destination: StoreConfig{
			ID:         "secondary",
			Type:       "badger",
			BadgerDir:  "/tmp/duplicator/secondary",
			GCInterval: 5 * time.Minute,
		},
		Duplication: DuplicationConfig{
			Async:         true,
			WaitInterval:  30 * time.Second,
			MaxRetries:    3,
			RetryAttempts: 3,
			RetryWait:     time.Second,
			TempDir:       os.TempDir(),
			RateLimit:     ratelimit.DefaultConfig(),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Journal: JournalConfig{
			Enabled:   true,
			Type:      "badger",
			BadgerDir: "/tmp/duplicator/journal",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			HTTPEnabled:     true,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			WSAddr:          ":8083",
			WSPath:          "/results",
			WSEnabled:       false,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "duplicator",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validateStore(name string, s StoreConfig) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%s.id cannot be empty", name)
	}
	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[s.Type] {
		return fmt.Errorf("%s.type must be one of: memory, badger", name)
	}
	if s.Type == "badger" && s.BadgerDir == "" {
		return fmt.Errorf("%s.badger_dir required when type is badger", name)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validateStore("source", c.Source); err != nil {
		return err
	}
	if err := validateStore("destination", c.Destination); err != nil {
		return err
	}
	if c.Source.ID == c.Destination.ID {
		return fmt.Errorf("source.id and destination.id must differ")
	}
	if c.Source.Type == "badger" && c.Destination.Type == "badger" && c.Source.BadgerDir == c.Destination.BadgerDir {
		return fmt.Errorf("source.badger_dir and destination.badger_dir must differ")
	}

	d := c.Duplication
	if d.WaitInterval <= 0 {
		return fmt.Errorf("duplication.wait_interval must be positive")
	}
	if d.MaxRetries < 1 || d.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("duplication.max_retries must be between 1 and %d", MaxRetriesLimit)
	}
	if d.RetryAttempts < 1 {
		return fmt.Errorf("duplication.retry_attempts must be at least 1")
	}
	if d.RetryWait < 0 {
		return fmt.Errorf("duplication.retry_wait cannot be negative")
	}
	if d.RateLimit.Enabled && (d.RateLimit.Rate <= 0 || d.RateLimit.Burst < 1) {
		return fmt.Errorf("duplication.rate_limit requires a positive rate and burst")
	}
	if d.CircuitBreaker.Enabled && d.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("duplication.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Journal.Enabled {
		switch c.Journal.Type {
		case "memory":
		case "badger":
			if c.Journal.BadgerDir == "" {
				return fmt.Errorf("journal.badger_dir required when type is badger")
			}
		case "postgres":
			if strings.TrimSpace(c.Journal.PostgresDSN) == "" {
				return fmt.Errorf("journal.postgres_dsn required when type is postgres")
			}
		default:
			return fmt.Errorf("journal.type must be one of: memory, badger, postgres")
		}
	}

	if c.Server.HTTPEnabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty when http is enabled")
	}
	if (c.Server.HTTPTLS.CertFile == "") != (c.Server.HTTPTLS.KeyFile == "") {
		return fmt.Errorf("server.http_tls requires both cert_file and key_file")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}
	if c.Server.WSEnabled {
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr cannot be empty when websocket is enabled")
		}
		if !strings.HasPrefix(c.Server.WSPath, "/") {
			return fmt.Errorf("server.ws_path must start with /")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
