// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt carries messages over an MQTT broker. Every participant
// reachable through the broker listens on its own topic; multicasts are
// published under their multicast id.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/multicast"
)

var ErrUnknownBroker = errors.New("address refers to an unknown broker")

// Conn is a broker connection able to manage topic subscriptions.
type Conn interface {
	messaging.Connection
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

var (
	_ messaging.StubBuilder = (*Transport)(nil)
	_ messaging.Skeleton    = (*Transport)(nil)
)

// Transport is both the stub builder and the skeleton for MQTT addresses.
type Transport struct {
	conn     Conn
	local    address.Mqtt
	receiver messaging.Receiver
	logger   *slog.Logger

	mu         sync.Mutex
	multicasts map[string]int
}

// New creates a transport receiving on local.Topic.
func New(conn Conn, local address.Mqtt, receiver messaging.Receiver, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		conn:       conn,
		local:      local,
		receiver:   receiver,
		logger:     logger,
		multicasts: make(map[string]int),
	}
}

// Start connects to the broker and subscribes to the local topic.
func (t *Transport) Start(ctx context.Context) error {
	t.conn.OnMessage(t.handle)
	if err := t.conn.Connect(ctx); err != nil {
		return err
	}
	return t.conn.Subscribe(ctx, t.local.Topic)
}

// ReplyAddress is the address other participants reply to.
func (t *Transport) ReplyAddress() address.Mqtt {
	return t.local
}

func (t *Transport) handle(payload []byte) {
	msg, err := message.Decode(payload)
	if err != nil {
		t.logger.Warn("mqtt_message_decode_failed", slog.String("error", err.Error()))
		return
	}
	msg.IsReceivedFromGlobal = true

	if err := t.receiver.Receive(context.Background(), msg); err != nil {
		t.logger.Debug("mqtt_message_receive_failed",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type.String()),
			slog.String("error", err.Error()))
	}
}

func (t *Transport) Build(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.Mqtt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidAddress, addr.Kind())
	}
	if a.BrokerURI != "" && a.BrokerURI != t.local.BrokerURI {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, a.BrokerURI)
	}
	return messaging.StubFunc(func(ctx context.Context, msg *message.Message) error {
		data, err := message.Encode(msg)
		if err != nil {
			return err
		}
		return t.conn.Send(ctx, a.Topic, data)
	}), nil
}

// Calculate returns the broker address a multicast is published to.
func (t *Transport) Calculate(msg *message.Message) (address.Address, bool) {
	if msg.Type != message.TypeMulticast {
		return nil, false
	}
	return address.Mqtt{BrokerURI: t.local.BrokerURI, Topic: msg.To}, true
}

func (t *Transport) RegisterMulticastSubscription(multicastID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.multicasts[multicastID]++
	if t.multicasts[multicastID] > 1 {
		return nil
	}
	if err := t.conn.Subscribe(context.Background(), multicast.ToMQTTTopic(multicastID)); err != nil {
		delete(t.multicasts, multicastID)
		return err
	}
	return nil
}

func (t *Transport) UnregisterMulticastSubscription(multicastID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.multicasts[multicastID]
	if !ok {
		return nil
	}
	if n > 1 {
		t.multicasts[multicastID] = n - 1
		return nil
	}
	delete(t.multicasts, multicastID)
	return t.conn.Unsubscribe(context.Background(), multicast.ToMQTTTopic(multicastID))
}

func (t *Transport) Close() error {
	return t.conn.Close()
}
