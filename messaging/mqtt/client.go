// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/messaging"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrTimeout = errors.New("mqtt operation timed out")

// ClientConfig configures the broker connection.
type ClientConfig struct {
	BrokerURI      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
}

var _ Conn = (*Client)(nil)

// Client is a paho backed connection to one broker. It resubscribes its
// topics after reconnecting.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu      sync.RWMutex
	client  pahomqtt.Client
	handler func([]byte)
	topics  map[string]struct{}
}

// NewClient creates a client. Connect must be called before use.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURI).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(c.cfg.CleanSession).
		SetProtocolVersion(4).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(pahomqtt.Client) {
			c.resubscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("mqtt_connection_lost",
				slog.String("broker", c.cfg.BrokerURI),
				slog.String("error", err.Error()))
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username).SetPassword(c.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	if err := c.wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.BrokerURI, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("mqtt_connected",
		slog.String("broker", c.cfg.BrokerURI),
		slog.String("client_id", c.cfg.ClientID))
	return nil
}

func (c *Client) paho() (pahomqtt.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, messaging.ErrNotConnected
	}
	return c.client, nil
}

// Send publishes payload on the topic given as destination hint.
func (c *Client) Send(ctx context.Context, topic string, payload []byte) error {
	client, err := c.paho()
	if err != nil {
		return err
	}
	return c.wait(ctx, client.Publish(topic, c.cfg.QoS, false, payload))
}

func (c *Client) Subscribe(ctx context.Context, topic string) error {
	client, err := c.paho()
	if err != nil {
		return err
	}
	if err := c.wait(ctx, client.Subscribe(topic, c.cfg.QoS, c.onPublish)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	client, err := c.paho()
	if err != nil {
		return err
	}
	return c.wait(ctx, client.Unsubscribe(topic))
}

func (c *Client) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (c *Client) onPublish(_ pahomqtt.Client, m pahomqtt.Message) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h(m.Payload())
	}
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	client := c.client
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	if client == nil {
		return
	}
	for _, t := range topics {
		tok := client.Subscribe(t, c.cfg.QoS, c.onPublish)
		if tok.WaitTimeout(c.cfg.ConnectTimeout) && tok.Error() != nil {
			c.logger.Warn("mqtt_resubscribe_failed",
				slog.String("topic", t),
				slog.String("error", tok.Error().Error()))
		}
	}
}

func (c *Client) wait(ctx context.Context, tok pahomqtt.Token) error {
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
