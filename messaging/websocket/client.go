// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/gorilla/websocket"
)

var (
	_ messaging.StubBuilder = (*Client)(nil)
	_ messaging.Skeleton    = (*Client)(nil)
)

// Client dials WebSocket servers, one shared connection per server URL.
type Client struct {
	local        address.WebSocketClient
	receiver     messaging.Receiver
	logger       *slog.Logger
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewClient creates a client announcing itself as local.
func NewClient(local address.WebSocketClient, receiver messaging.Receiver, writeTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		local:        local,
		receiver:     receiver,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*conn),
	}
}

// LocalAddress is the address the server uses to reach this client.
func (c *Client) LocalAddress() address.WebSocketClient {
	return c.local
}

func (c *Client) Build(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.WebSocket)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidAddress, addr.Kind())
	}
	url := a.URL()
	return messaging.StubFunc(func(ctx context.Context, msg *message.Message) error {
		data, err := message.Encode(msg)
		if err != nil {
			return err
		}
		cn, err := c.connection(ctx, url)
		if err != nil {
			return err
		}
		if err := cn.write(ctx, data); err != nil {
			c.drop(url, cn)
			return err
		}
		return nil
	}), nil
}

// Connect dials the server ahead of the first transmit.
func (c *Client) Connect(ctx context.Context, server address.WebSocket) error {
	_, err := c.connection(ctx, server.URL())
	return err
}

func (c *Client) connection(ctx context.Context, url string) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, messaging.ErrClosed
	}
	if cn, ok := c.conns[url]; ok {
		c.mu.Unlock()
		return cn, nil
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	cn := newConn(ws, c.writeTimeout)

	announce, err := address.Marshal(c.local)
	if err != nil {
		cn.close()
		return nil, err
	}
	if err := cn.write(ctx, announce); err != nil {
		cn.close()
		return nil, fmt.Errorf("failed to announce client address: %w", err)
	}

	c.mu.Lock()
	if existing, ok := c.conns[url]; ok {
		c.mu.Unlock()
		cn.close()
		return existing, nil
	}
	if c.closed {
		c.mu.Unlock()
		cn.close()
		return nil, messaging.ErrClosed
	}
	c.conns[url] = cn
	c.mu.Unlock()

	go c.readLoop(url, cn)
	return cn, nil
}

func (c *Client) readLoop(url string, cn *conn) {
	defer c.drop(url, cn)

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("websocket_connection_closed",
				slog.String("url", url),
				slog.String("reason", err.Error()))
			return
		}

		msg, err := message.Decode(data)
		if err != nil {
			c.logger.Warn("websocket_message_decode_failed",
				slog.String("url", url),
				slog.String("error", err.Error()))
			continue
		}
		msg.IsReceivedFromGlobal = true
		if err := c.receiver.Receive(context.Background(), msg); err != nil {
			c.logger.Debug("websocket_message_receive_failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Client) drop(url string, cn *conn) {
	c.mu.Lock()
	if c.conns[url] == cn {
		delete(c.conns, url)
	}
	c.mu.Unlock()
	cn.close()
}

// The cluster controller forwards multicasts explicitly.
func (c *Client) RegisterMulticastSubscription(string) error   { return nil }
func (c *Client) UnregisterMulticastSubscription(string) error { return nil }

// Close disconnects from every server.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*conn)
	c.mu.Unlock()

	for _, cn := range conns {
		cn.close()
	}
	return nil
}
