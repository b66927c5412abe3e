// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Routing.MaxQueueSize)
	assert.Equal(t, 60*time.Second, cfg.Dispatcher.DefaultTTL)
	assert.Equal(t, "local_then_global", cfg.Discovery.Scope)
	assert.Equal(t, 0, cfg.Subscription.MaxMissedPublications)
	assert.Equal(t, "memory", cfg.Persistence.Type)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "default config is valid",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "zero queue size",
			modify:  func(c *Config) { c.Routing.MaxQueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero queue time",
			modify:  func(c *Config) { c.Routing.MaxQueueTime = 0 },
			wantErr: true,
		},
		{
			name:    "negative uplift",
			modify:  func(c *Config) { c.Dispatcher.TTLUplift = -time.Second },
			wantErr: true,
		},
		{
			name:    "unknown discovery scope",
			modify:  func(c *Config) { c.Discovery.Scope = "everywhere" },
			wantErr: true,
		},
		{
			name:    "negative missed publications",
			modify:  func(c *Config) { c.Subscription.MaxMissedPublications = -1 },
			wantErr: true,
		},
		{
			name: "mqtt without broker",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.BrokerURI = ""
			},
			wantErr: true,
		},
		{
			name: "mqtt reply transport",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.Runtime.ReplyTransport = "mqtt"
			},
		},
		{
			name:    "reply transport disabled",
			modify:  func(c *Config) { c.Runtime.ReplyTransport = "channel" },
			wantErr: true,
		},
		{
			name: "websocket server reply transport",
			modify: func(c *Config) {
				c.WebSocket.URL = "ws://controller:4242/"
				c.Runtime.ReplyTransport = "websocket"
			},
		},
		{
			name: "websocket client reply transport",
			modify: func(c *Config) {
				c.WebSocket.ServerEnabled = false
				c.WebSocket.ClientID = "vehicle-1"
				c.WebSocket.ServerURL = "ws://controller:4242/"
				c.Runtime.ReplyTransport = "websocket"
			},
		},
		{
			name:    "websocket reply transport without url",
			modify:  func(c *Config) { c.Runtime.ReplyTransport = "websocket" },
			wantErr: true,
		},
		{
			name:    "invalid websocket url",
			modify:  func(c *Config) { c.WebSocket.URL = "http://controller/" },
			wantErr: true,
		},
		{
			name:    "websocket server url without client id",
			modify:  func(c *Config) { c.WebSocket.ServerURL = "ws://controller:4242/" },
			wantErr: true,
		},
		{
			name:    "unknown reply transport",
			modify:  func(c *Config) { c.Runtime.ReplyTransport = "coap" },
			wantErr: true,
		},
		{
			name: "channel without id",
			modify: func(c *Config) {
				c.Channel.Enabled = true
				c.Channel.EndpointURL = "http://proxy/"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Persistence.Type = "badger"
				c.Persistence.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 2
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
log:
  level: debug
routing:
  max_queue_time: 5s
mqtt:
  enabled: true
  broker_uri: tcp://broker:1883
  topic: cc/replies
runtime:
  reply_transport: mqtt
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Routing.MaxQueueTime)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.BrokerURI)
	assert.Equal(t, 100, cfg.Routing.MaxQueueSize, "unset values keep defaults")
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid configuration")

	require.NoError(t, os.WriteFile(path, []byte("log: [\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := Default()
	cfg.Discovery.DirectoryURL = "http://directory:8090"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
