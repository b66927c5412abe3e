// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a fluxrpc runtime.
type Config struct {
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Log          LogConfig          `yaml:"log"`
	Routing      RoutingConfig      `yaml:"routing"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Channel      ChannelConfig      `yaml:"channel"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	RateLimit    ratelimit.Config   `yaml:"ratelimit"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// RuntimeConfig identifies the runtime.
type RuntimeConfig struct {
	// InstanceID prefixes persisted routing entries; empty generates one.
	InstanceID string `yaml:"instance_id"`
	// ReplyTransport selects the global transport whose address is used as
	// reply-to: "mqtt", "channel" or "" for local only operation.
	ReplyTransport string `yaml:"reply_transport"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RoutingConfig bounds the queue of messages for unknown participants.
type RoutingConfig struct {
	MaxQueueSize    int           `yaml:"max_queue_size"` // per participant
	MaxQueueTime    time.Duration `yaml:"max_queue_time"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DispatcherConfig holds request defaults.
type DispatcherConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	TTLUplift  time.Duration `yaml:"ttl_uplift"`
}

// DiscoveryConfig holds arbitration defaults and the global directory settings.
type DiscoveryConfig struct {
	Scope       string        `yaml:"scope"` // local_only, local_then_global, global_only, local_and_global
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	// DirectoryURL is the global capabilities directory; empty disables global discovery.
	DirectoryURL   string               `yaml:"directory_url"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Serve a global directory from this process.
	DirectoryServerEnabled bool   `yaml:"directory_server_enabled"`
	DirectoryServerAddr    string `yaml:"directory_server_addr"`
}

// SubscriptionConfig holds subscription manager settings.
type SubscriptionConfig struct {
	MaxMessagingTTL time.Duration `yaml:"max_messaging_ttl"`
	// MaxMissedPublications stops a subscription after that many consecutive
	// missed publication alerts. Zero tolerates misses indefinitely.
	MaxMissedPublications int `yaml:"max_missed_publications"`
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BrokerURI      string        `yaml:"broker_uri"`
	ClientID       string        `yaml:"client_id"`
	Topic          string        `yaml:"topic"` // topic this runtime receives on
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            int           `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	ServerEnabled   bool          `yaml:"server_enabled"`
	Addr            string        `yaml:"addr"`
	Path            string        `yaml:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	// URL is where other runtimes reach the server, for example
	// ws://controller:4242/. It is the server's reply-to address.
	URL string `yaml:"url"`

	// ClientID enables the client side, announced to servers when dialing.
	ClientID string `yaml:"client_id"`
	// ServerURL is dialed on start by the client side.
	ServerURL string `yaml:"server_url"`
}

// ChannelConfig configures the HTTP long-poll transport.
type ChannelConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	ChannelID   string               `yaml:"channel_id"`
	EndpointURL string               `yaml:"endpoint_url"`
	PollTimeout time.Duration        `yaml:"poll_timeout"`
	PollRate    float64              `yaml:"poll_rate"`
	SendTimeout time.Duration        `yaml:"send_timeout"`
	Breaker     CircuitBreakerConfig `yaml:"circuit_breaker"`

	// ProxyAddr, when set, also serves a bounce proxy for other channels.
	ProxyAddr     string `yaml:"proxy_addr"`
	ProxyMaxQueue int    `yaml:"proxy_max_queue"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// PersistenceConfig holds storage backend configuration.
type PersistenceConfig struct {
	Type      string `yaml:"type"` // memory, badger
	BadgerDir string `yaml:"badger_dir"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Routing: RoutingConfig{
			MaxQueueSize:    100,
			MaxQueueTime:    60 * time.Second,
			CleanupInterval: time.Second,
		},
		Dispatcher: DispatcherConfig{
			DefaultTTL: 60 * time.Second,
			TTLUplift:  0,
		},
		Discovery: DiscoveryConfig{
			Scope:          "local_then_global",
			CacheMaxAge:    0,
			Timeout:        10 * time.Minute,
			RetryDelay:     10 * time.Second,
			RequestTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			DirectoryServerAddr: ":8090",
		},
		Subscription: SubscriptionConfig{
			MaxMessagingTTL:       30 * 24 * time.Hour,
			MaxMissedPublications: 0,
		},
		MQTT: MQTTConfig{
			Enabled:        false,
			BrokerURI:      "tcp://localhost:1883",
			ClientID:       "fluxrpc",
			Topic:          "fluxrpc/replies",
			QoS:            1,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ServerEnabled:   true,
			Addr:            ":4242",
			Path:            "/",
			ShutdownTimeout: 30 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Channel: ChannelConfig{
			Enabled:     false,
			PollTimeout: 30 * time.Second,
			PollRate:    10,
			SendTimeout: 30 * time.Second,
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			ProxyMaxQueue: 1000,
		},
		Persistence: PersistenceConfig{
			Type:      "memory",
			BadgerDir: "/tmp/fluxrpc/data",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxrpc",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
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

	if c.Routing.MaxQueueSize < 1 {
		return fmt.Errorf("routing.max_queue_size must be at least 1")
	}
	if c.Routing.MaxQueueTime <= 0 {
		return fmt.Errorf("routing.max_queue_time must be positive")
	}
	if c.Routing.CleanupInterval <= 0 {
		return fmt.Errorf("routing.cleanup_interval must be positive")
	}

	if c.Dispatcher.DefaultTTL <= 0 {
		return fmt.Errorf("dispatcher.default_ttl must be positive")
	}
	if c.Dispatcher.TTLUplift < 0 {
		return fmt.Errorf("dispatcher.ttl_uplift cannot be negative")
	}

	validScopes := map[string]bool{"local_only": true, "local_then_global": true, "global_only": true, "local_and_global": true}
	if !validScopes[c.Discovery.Scope] {
		return fmt.Errorf("discovery.scope must be one of: local_only, local_then_global, global_only, local_and_global")
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive")
	}
	if c.Discovery.RetryDelay <= 0 {
		return fmt.Errorf("discovery.retry_delay must be positive")
	}
	if c.Discovery.CacheMaxAge < 0 {
		return fmt.Errorf("discovery.cache_max_age cannot be negative")
	}
	if c.Discovery.DirectoryServerEnabled && c.Discovery.DirectoryServerAddr == "" {
		return fmt.Errorf("discovery.directory_server_addr required when the directory server is enabled")
	}

	if c.Subscription.MaxMessagingTTL <= 0 {
		return fmt.Errorf("subscription.max_messaging_ttl must be positive")
	}
	if c.Subscription.MaxMissedPublications < 0 {
		return fmt.Errorf("subscription.max_missed_publications cannot be negative")
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURI == "" {
			return fmt.Errorf("mqtt.broker_uri required when mqtt is enabled")
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if c.WebSocket.ServerEnabled && c.WebSocket.Addr == "" {
		return fmt.Errorf("websocket.addr required when the websocket server is enabled")
	}
	if c.WebSocket.URL != "" {
		if _, err := address.ParseWebSocket(c.WebSocket.URL); err != nil {
			return fmt.Errorf("websocket.url: %w", err)
		}
	}
	if c.WebSocket.ServerURL != "" {
		if c.WebSocket.ClientID == "" {
			return fmt.Errorf("websocket.client_id required when websocket.server_url is set")
		}
		if _, err := address.ParseWebSocket(c.WebSocket.ServerURL); err != nil {
			return fmt.Errorf("websocket.server_url: %w", err)
		}
	}

	if c.Channel.Enabled {
		if c.Channel.ChannelID == "" {
			return fmt.Errorf("channel.channel_id required when channel is enabled")
		}
		if c.Channel.EndpointURL == "" {
			return fmt.Errorf("channel.endpoint_url required when channel is enabled")
		}
	}

	switch c.Runtime.ReplyTransport {
	case "":
	case "mqtt":
		if !c.MQTT.Enabled {
			return fmt.Errorf("runtime.reply_transport is mqtt but mqtt is disabled")
		}
	case "channel":
		if !c.Channel.Enabled {
			return fmt.Errorf("runtime.reply_transport is channel but channel is disabled")
		}
	case "websocket":
		server := c.WebSocket.ServerEnabled && c.WebSocket.URL != ""
		if !server && c.WebSocket.ClientID == "" {
			return fmt.Errorf("runtime.reply_transport is websocket but neither websocket.url nor websocket.client_id is set")
		}
	default:
		return fmt.Errorf("runtime.reply_transport must be one of: mqtt, channel, websocket or empty")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Persistence.Type] {
		return fmt.Errorf("persistence.type must be one of: memory, badger")
	}
	if c.Persistence.Type == "badger" && c.Persistence.BadgerDir == "" {
		return fmt.Errorf("persistence.badger_dir required when type is badger")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
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
