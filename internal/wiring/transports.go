// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the transports enabled in the configuration and
// registers them with the stub and skeleton factories.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/config"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/messaging/browser"
	"github.com/absmach/fluxrpc/messaging/channel"
	"github.com/absmach/fluxrpc/messaging/inprocess"
	"github.com/absmach/fluxrpc/messaging/mqtt"
	"github.com/absmach/fluxrpc/messaging/websocket"
	"github.com/absmach/fluxrpc/ratelimit"
	"github.com/absmach/fluxrpc/routing"
)

var ErrTransportDisabled = errors.New("transport disabled")

// Reply transports selectable as the reply-to address.
const (
	ReplyNone      = ""
	ReplyMQTT      = "mqtt"
	ReplyChannel   = "channel"
	ReplyBrowser   = "browser"
	ReplyWebSocket = "websocket"
)

// Options carry collaborators that cannot come from the configuration.
type Options struct {
	// BrowserBus enables the inter-window transport for WindowID.
	BrowserBus browser.Bus
	WindowID   string
	// MQTTConn replaces the paho client.
	MQTTConn mqtt.Conn
}

// Transports holds the transports of one runtime. Fields of disabled
// transports are nil; the in-process registry is always present.
type Transports struct {
	InProcess       *inprocess.Registry
	MQTT            *mqtt.Transport
	WebSocket       *websocket.Server
	WebSocketClient *websocket.Client
	Channel         *channel.Transport
	Browser         *browser.Transport

	windowID    string
	wsURL       string
	wsServerURL string
	logger      *slog.Logger
}

// NewTransports creates the enabled transports. Inbound messages of every
// transport go to receiver, normally the message router.
func NewTransports(cfg *config.Config, receiver messaging.Receiver, limits *ratelimit.Manager, opts Options, logger *slog.Logger) *Transports {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transports{
		InProcess:   inprocess.NewRegistry(),
		windowID:    opts.WindowID,
		wsURL:       cfg.WebSocket.URL,
		wsServerURL: cfg.WebSocket.ServerURL,
		logger:      logger,
	}

	if cfg.MQTT.Enabled {
		conn := opts.MQTTConn
		if conn == nil {
			conn = mqtt.NewClient(mqtt.ClientConfig{
				BrokerURI:      cfg.MQTT.BrokerURI,
				ClientID:       cfg.MQTT.ClientID,
				Username:       cfg.MQTT.Username,
				Password:       cfg.MQTT.Password,
				QoS:            byte(cfg.MQTT.QoS),
				KeepAlive:      cfg.MQTT.KeepAlive,
				ConnectTimeout: cfg.MQTT.ConnectTimeout,
			}, logger.With(slog.String("transport", "mqtt")))
		}
		local := address.Mqtt{BrokerURI: cfg.MQTT.BrokerURI, Topic: cfg.MQTT.Topic}
		t.MQTT = mqtt.New(conn, local, receiver, logger)
	}

	if cfg.WebSocket.ServerEnabled {
		t.WebSocket = websocket.New(websocket.Config{
			Address:         cfg.WebSocket.Addr,
			Path:            cfg.WebSocket.Path,
			ShutdownTimeout: cfg.WebSocket.ShutdownTimeout,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
		}, receiver, limits, logger)
	}
	if cfg.WebSocket.ClientID != "" {
		t.WebSocketClient = websocket.NewClient(
			address.WebSocketClient{ID: cfg.WebSocket.ClientID},
			receiver,
			cfg.WebSocket.WriteTimeout,
			logger,
		)
	}

	if cfg.Channel.Enabled {
		t.Channel = channel.New(channel.Config{
			Local:       address.Channel{ChannelID: cfg.Channel.ChannelID, EndpointURL: cfg.Channel.EndpointURL},
			PollTimeout: cfg.Channel.PollTimeout,
			PollRate:    cfg.Channel.PollRate,
			SendTimeout: cfg.Channel.SendTimeout,
			Breaker: channel.BreakerConfig{
				FailureThreshold: cfg.Channel.Breaker.FailureThreshold,
				ResetTimeout:     cfg.Channel.Breaker.ResetTimeout,
			},
		}, receiver, logger)
	}

	if opts.BrowserBus != nil && opts.WindowID != "" {
		t.Browser = browser.New(browser.NewConnection(opts.BrowserBus, opts.WindowID), receiver, logger)
	}
	return t
}

// Register installs every transport as stub builder and skeleton for the
// address kinds it serves.
func (t *Transports) Register(stubs *messaging.StubFactory, skeletons *messaging.SkeletonFactory) error {
	var errs []error
	register := func(kind address.Kind, b messaging.StubBuilder, s messaging.Skeleton) {
		if err := stubs.Register(kind, b); err != nil {
			errs = append(errs, err)
		}
		if err := skeletons.Register(kind, s); err != nil {
			errs = append(errs, err)
		}
	}

	register(address.KindInProcess, t.InProcess, t.InProcess)
	if t.MQTT != nil {
		register(address.KindMqtt, t.MQTT, t.MQTT)
	}
	// The server reaches its clients; the client reaches servers.
	if t.WebSocket != nil {
		register(address.KindWebSocketClient, t.WebSocket, t.WebSocket)
	}
	if t.WebSocketClient != nil {
		register(address.KindWebSocket, t.WebSocketClient, t.WebSocketClient)
	}
	if t.Channel != nil {
		register(address.KindChannel, t.Channel, t.Channel)
	}
	if t.Browser != nil {
		register(address.KindBrowser, t.Browser, t.Browser)
	}
	return errors.Join(errs...)
}

// ReplyAddress returns the address of the named transport that other
// runtimes reply to. ReplyNone yields a nil address.
func (t *Transports) ReplyAddress(transport string) (address.Address, error) {
	switch transport {
	case ReplyNone:
		return nil, nil
	case ReplyMQTT:
		if t.MQTT == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransportDisabled, transport)
		}
		return t.MQTT.ReplyAddress(), nil
	case ReplyChannel:
		if t.Channel == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransportDisabled, transport)
		}
		return t.Channel.ReplyAddress(), nil
	case ReplyBrowser:
		if t.Browser == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransportDisabled, transport)
		}
		return address.Browser{WindowID: t.windowID}, nil
	case ReplyWebSocket:
		// A server is reached at its URL, a client through the server it
		// is connected to.
		if t.WebSocket != nil && t.wsURL != "" {
			return address.ParseWebSocket(t.wsURL)
		}
		if t.WebSocketClient != nil {
			return t.WebSocketClient.LocalAddress(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTransportDisabled, transport)
	default:
		return nil, fmt.Errorf("unknown reply transport %q", transport)
	}
}

// MulticastAddressCalculator returns the MQTT transport when enabled, as
// multicasts are published globally through the broker.
func (t *Transports) MulticastAddressCalculator() routing.MulticastAddressCalculator {
	if t.MQTT == nil {
		return nil
	}
	return t.MQTT
}

// Start connects the client side transports. The WebSocket server is
// served separately with Listen.
func (t *Transports) Start(ctx context.Context) error {
	if t.MQTT != nil {
		if err := t.MQTT.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mqtt transport: %w", err)
		}
		t.logger.Info("MQTT transport started", slog.String("reply_to", t.MQTT.ReplyAddress().String()))
	}
	if t.Channel != nil {
		if err := t.Channel.Start(ctx); err != nil {
			return fmt.Errorf("failed to start channel transport: %w", err)
		}
		t.logger.Info("Channel transport started", slog.String("reply_to", t.Channel.ReplyAddress().String()))
	}
	if t.Browser != nil {
		if err := t.Browser.Start(ctx); err != nil {
			return fmt.Errorf("failed to start browser transport: %w", err)
		}
	}
	if t.WebSocketClient != nil && t.wsServerURL != "" {
		server, err := address.ParseWebSocket(t.wsServerURL)
		if err != nil {
			return err
		}
		if err := t.WebSocketClient.Connect(ctx, server); err != nil {
			return fmt.Errorf("failed to connect websocket client: %w", err)
		}
		t.logger.Info("WebSocket client connected", slog.String("server", server.URL()))
	}
	return nil
}

// Close closes every transport.
func (t *Transports) Close() error {
	var errs []error
	if t.MQTT != nil {
		if err := t.MQTT.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if t.WebSocket != nil {
		t.WebSocket.Close()
	}
	if t.WebSocketClient != nil {
		if err := t.WebSocketClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("websocket client: %w", err))
		}
	}
	if t.Channel != nil {
		if err := t.Channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel: %w", err))
		}
	}
	if t.Browser != nil {
		if err := t.Browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser: %w", err))
		}
	}
	return errors.Join(errs...)
}
