// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messaging defines the transport abstraction. A Stub sends messages
// to an address, a Skeleton receives them. Both are looked up by address kind
// in factories populated at startup.
package messaging

import (
	"context"
	"errors"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
)

var (
	// ErrUnknownAddressType is returned for address kinds without a registered transport.
	ErrUnknownAddressType = errors.New("unknown address type")
	ErrInvalidAddress     = errors.New("address does not match transport")
	ErrClosed             = errors.New("transport closed")
	ErrNotConnected       = errors.New("transport not connected")
)

// Stub is the send path of a transport.
// Transmit returns once the transport accepted the message.
type Stub interface {
	Transmit(ctx context.Context, msg *message.Message) error
}

// StubFunc adapts a function to the Stub interface.
type StubFunc func(ctx context.Context, msg *message.Message) error

func (f StubFunc) Transmit(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}

// StubBuilder creates stubs for addresses of a single kind.
type StubBuilder interface {
	Build(addr address.Address) (Stub, error)
}

// Skeleton is the receive path of a transport. Skeletons that deliver
// multicasts let the router subscribe to individual multicast ids.
type Skeleton interface {
	RegisterMulticastSubscription(multicastID string) error
	UnregisterMulticastSubscription(multicastID string) error
}

// Receiver accepts inbound messages from skeletons.
type Receiver interface {
	Receive(ctx context.Context, msg *message.Message) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, msg *message.Message) error

func (f ReceiverFunc) Receive(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}

// Connection is the raw primitive a transport is built on. The destination
// hint is transport specific (topic, channel id, window id...).
type Connection interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, destinationHint string, payload []byte) error
	OnMessage(handler func(payload []byte))
	Close() error
}
