// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
)

var (
	_ messaging.StubBuilder = (*Transport)(nil)
	_ messaging.Skeleton    = (*Transport)(nil)
)

// Transport sends to and receives from other windows over a connection.
type Transport struct {
	conn     messaging.Connection
	receiver messaging.Receiver
	logger   *slog.Logger
}

// New creates a browser transport. Inbound messages go to receiver.
func New(conn messaging.Connection, receiver messaging.Receiver, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{conn: conn, receiver: receiver, logger: logger}
}

// Start connects and begins delivering inbound messages.
func (t *Transport) Start(ctx context.Context) error {
	t.conn.OnMessage(func(payload []byte) {
		msg, err := message.Decode(payload)
		if err != nil {
			t.logger.Warn("browser_message_decode_failed", slog.String("error", err.Error()))
			return
		}
		msg.IsReceivedFromGlobal = true
		if err := t.receiver.Receive(context.Background(), msg); err != nil {
			t.logger.Debug("browser_message_receive_failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
		}
	})
	return t.conn.Connect(ctx)
}

func (t *Transport) Build(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.Browser)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidAddress, addr.Kind())
	}
	return messaging.StubFunc(func(ctx context.Context, msg *message.Message) error {
		data, err := message.Encode(msg)
		if err != nil {
			return err
		}
		return t.conn.Send(ctx, a.WindowID, data)
	}), nil
}

// Multicasts between windows are routed explicitly by the router.
func (t *Transport) RegisterMulticastSubscription(string) error   { return nil }
func (t *Transport) UnregisterMulticastSubscription(string) error { return nil }

func (t *Transport) Close() error {
	return t.conn.Close()
}
