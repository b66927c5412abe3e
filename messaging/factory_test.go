// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"testing"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type builderFunc func(addr address.Address) (Stub, error)

func (f builderFunc) Build(addr address.Address) (Stub, error) { return f(addr) }

type nopSkeleton struct{}

func (nopSkeleton) RegisterMulticastSubscription(string) error   { return nil }
func (nopSkeleton) UnregisterMulticastSubscription(string) error { return nil }

func TestStubFactory(t *testing.T) {
	f := NewStubFactory()

	var built address.Address
	err := f.Register(address.KindMqtt, builderFunc(func(addr address.Address) (Stub, error) {
		built = addr
		return StubFunc(func(context.Context, *message.Message) error { return nil }), nil
	}))
	require.NoError(t, err)

	addr := address.Mqtt{BrokerURI: "tcp://b:1883", Topic: "p1"}
	stub, err := f.CreateMessagingStub(addr)
	require.NoError(t, err)
	assert.NoError(t, stub.Transmit(context.Background(), &message.Message{}))
	assert.Equal(t, addr, built)

	_, err = f.CreateMessagingStub(address.WebSocketClient{ID: "c"})
	assert.ErrorIs(t, err, ErrUnknownAddressType)

	_, err = f.CreateMessagingStub(nil)
	assert.ErrorIs(t, err, ErrUnknownAddressType)

	err = f.Register(address.Kind("CoapAddress"), builderFunc(nil))
	assert.ErrorIs(t, err, ErrUnknownAddressType)
}

func TestSkeletonFactory(t *testing.T) {
	f := NewSkeletonFactory()
	require.NoError(t, f.Register(address.KindMqtt, nopSkeleton{}))

	s, err := f.GetSkeleton(address.Mqtt{Topic: "x"})
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = f.GetSkeleton(address.Browser{WindowID: "w"})
	assert.ErrorIs(t, err, ErrUnknownAddressType)
}
