// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/gatepass/backend/etcd"
	"github.com/absmach/gatepass/backend/mqtt"
	"github.com/absmach/gatepass/backend/phoenix"
	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendMemory  = "memory"
	BackendPhoenix = "phoenix"
	BackendEtcd    = "etcd"
	BackendMQTT    = "mqtt"
)

// Config holds all configuration for the gatewatch process.
type Config struct {
	Log           LogConfig            `yaml:"log"`
	Backend       BackendConfig        `yaml:"backend"`
	Channel       ChannelConfig        `yaml:"channel"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Health        HealthConfig         `yaml:"health"`
	Otel          OtelConfig           `yaml:"otel"`
	Journal       JournalConfig        `yaml:"journal"`
	Webhook       WebhookConfig        `yaml:"webhook"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BackendConfig selects the change stream backend. Only the section that
// matches Type is used.
type BackendConfig struct {
	Type    string         `yaml:"type"`
	Phoenix phoenix.Config `yaml:"phoenix"`
	Etcd    etcd.Config    `yaml:"etcd"`
	MQTT    mqtt.Config    `yaml:"mqtt"`
}

// ChannelConfig holds the reconnect policy shared by all channels.
type ChannelConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	UnsubscribeWait  time.Duration `yaml:"unsubscribe_wait"`

	// Manual reconnects per second, 0 disables throttling.
	ReconnectRate  float64 `yaml:"reconnect_rate"`
	ReconnectBurst int     `yaml:"reconnect_burst"`
}

// SubscriptionConfig describes one channel. When Role is set the channel
// follows gate-pass requests for that role and Resource and Filter are
// derived from it.
type SubscriptionConfig struct {
	Name     string `yaml:"name"`
	Resource string `yaml:"resource"`
	Filter   string `yaml:"filter"`
	Role     string `yaml:"role"` // requester, approver
	UserID   string `yaml:"user_id"`
	Disabled bool   `yaml:"disabled"`
}

// HealthConfig holds the status server configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxConnections  int           `yaml:"max_connections"` // 0 = unlimited
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Endpoint        string            `yaml:"endpoint"` // OTLP gRPC collector
	Insecure        bool              `yaml:"insecure"` // plaintext gRPC
	CAFile          string            `yaml:"ca_file"`  // collector CA, system roots when empty
	Headers         map[string]string `yaml:"headers"`
	ServiceName     string            `yaml:"service_name"`
	ServiceVersion  string            `yaml:"service_version"`
	MetricsEnabled  bool              `yaml:"metrics_enabled"`
	TracesEnabled   bool              `yaml:"traces_enabled"`
	TraceSampleRate float64           `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration     `yaml:"export_interval"`
}

// JournalConfig holds the event journal configuration.
type JournalConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Dir        string        `yaml:"dir"`
	Retention  time.Duration `yaml:"retention"` // 0 keeps entries forever
	GCInterval time.Duration `yaml:"gc_interval"`
}

// WebhookConfig holds webhook forwarding configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	IncludeRecords  bool              `yaml:"include_records"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for all webhook endpoints.
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
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint holds configuration for a single webhook endpoint.
type WebhookEndpoint struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Events    []string          `yaml:"events"`    // Event type filter (empty = all)
	Resources []string          `yaml:"resources"` // Resource filter (empty = all)
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
	Retry     *RetryConfig      `yaml:"retry,omitempty"`
}

// Default returns a configuration that runs against the in-process backend.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Backend: BackendConfig{
			Type: BackendMemory,
			Phoenix: phoenix.Config{
				URL:               "ws://localhost:4000/realtime/v1/websocket",
				Schema:            "public",
				HeartbeatInterval: 30 * time.Second,
				JoinTimeout:       10 * time.Second,
				DialTimeout:       10 * time.Second,
				WriteTimeout:      5 * time.Second,
			},
			Etcd: etcd.Config{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/gatepass",
				DialTimeout: 5 * time.Second,
				JoinTimeout: 10 * time.Second,
				Embedded: etcd.EmbedConfig{
					Name:         "gatewatch",
					DataDir:      "/tmp/gatewatch/etcd",
					ClientAddr:   "127.0.0.1:2379",
					PeerAddr:     "127.0.0.1:2380",
					StartTimeout: 60 * time.Second,
				},
			},
			MQTT: mqtt.Config{
				Broker:         "tcp://localhost:1883",
				ClientID:       "gatewatch",
				Prefix:         "gatepass",
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
				JoinTimeout:    10 * time.Second,
			},
		},
		Channel: ChannelConfig{
			RetryInterval:    3 * time.Second,
			MaxAttempts:      10,
			SettleDelay:      100 * time.Millisecond,
			SubscribeTimeout: 10 * time.Second,
			UnsubscribeWait:  5 * time.Second,
			ReconnectRate:    0,
			ReconnectBurst:   1,
		},
		Subscriptions: []SubscriptionConfig{
			{Name: "approvals", Role: "approver"},
		},
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8081",
			ShutdownTimeout: 5 * time.Second,
			MaxConnections:  64,
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "gatewatch",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:    false,
			Dir:        "/tmp/gatewatch/journal",
			Retention:  7 * 24 * time.Hour,
			GCInterval: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       1000,
			DropPolicy:      "oldest",
			Workers:         2,
			IncludeRecords:  true,
			ShutdownTimeout: 10 * time.Second,
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

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendPhoenix:
		if c.Backend.Phoenix.URL == "" {
			return fmt.Errorf("backend.phoenix.url required when type is phoenix")
		}
	case BackendEtcd:
		if len(c.Backend.Etcd.Endpoints) == 0 && !c.Backend.Etcd.Embedded.Enabled {
			return fmt.Errorf("backend.etcd.endpoints required unless embedded etcd is enabled")
		}
		if c.Backend.Etcd.Embedded.Enabled && c.Backend.Etcd.Embedded.DataDir == "" {
			return fmt.Errorf("backend.etcd.embedded.data_dir required when embedded etcd is enabled")
		}
	case BackendMQTT:
		if c.Backend.MQTT.Broker == "" {
			return fmt.Errorf("backend.mqtt.broker required when type is mqtt")
		}
		if c.Backend.MQTT.QoS > 2 {
			return fmt.Errorf("backend.mqtt.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("backend.type must be one of: memory, phoenix, etcd, mqtt")
	}

	if c.Channel.RetryInterval <= 0 {
		return fmt.Errorf("channel.retry_interval must be positive")
	}
	if c.Channel.MaxAttempts < 1 {
		return fmt.Errorf("channel.max_attempts must be at least 1")
	}
	if c.Channel.SettleDelay < 0 {
		return fmt.Errorf("channel.settle_delay cannot be negative")
	}
	if c.Channel.ReconnectRate < 0 {
		return fmt.Errorf("channel.reconnect_rate cannot be negative")
	}
	if c.Channel.ReconnectRate > 0 && c.Channel.ReconnectBurst < 1 {
		return fmt.Errorf("channel.reconnect_burst must be at least 1 when throttling")
	}

	names := make(map[string]bool, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		switch s.Role {
		case "":
			if s.Resource == "" {
				return fmt.Errorf("subscriptions[%d].resource required when no role is set", i)
			}
		case "requester":
			if s.UserID == "" {
				return fmt.Errorf("subscriptions[%d].user_id required for requester role", i)
			}
		case "approver":
		default:
			return fmt.Errorf("subscriptions[%d].role must be one of: requester, approver", i)
		}
		if s.Name != "" {
			if names[s.Name] {
				return fmt.Errorf("subscriptions[%d].name %q is not unique", i, s.Name)
			}
			names[s.Name] = true
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health server is enabled")
	}
	if c.Health.MaxConnections < 0 {
		return fmt.Errorf("health.max_connections cannot be negative")
	}

	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when telemetry is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when telemetry is enabled")
		}
	}
	if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
		return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
	}
	if c.Otel.Insecure && c.Otel.CAFile != "" {
		return fmt.Errorf("otel.ca_file cannot be set when otel.insecure is true")
	}
	if c.Otel.ExportInterval < 0 {
		return fmt.Errorf("otel.export_interval cannot be negative")
	}

	if c.Journal.Enabled {
		if c.Journal.Dir == "" {
			return fmt.Errorf("journal.dir required when journal is enabled")
		}
		if c.Journal.Retention < 0 {
			return fmt.Errorf("journal.retention cannot be negative")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 1 {
			return fmt.Errorf("webhook.queue_size must be at least 1")
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
