// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDelivers(t *testing.T) {
	r := NewRegistry()

	var got *message.Message
	addr := r.Register("dispatcher", messaging.ReceiverFunc(func(_ context.Context, msg *message.Message) error {
		got = msg
		return nil
	}))
	assert.Equal(t, address.InProcess{Ref: "dispatcher"}, addr)

	stub, err := r.Build(addr)
	require.NoError(t, err)

	msg := message.New(message.TypeOneWay, "a", "b", time.Now().Add(time.Minute), nil)
	require.NoError(t, stub.Transmit(context.Background(), msg))
	assert.Same(t, msg, got)
}

func TestRegistryUnregistered(t *testing.T) {
	r := NewRegistry()
	addr := r.Register("x", messaging.ReceiverFunc(func(context.Context, *message.Message) error { return nil }))
	r.Unregister("x")

	stub, err := r.Build(addr)
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), &message.Message{})
	assert.ErrorIs(t, err, ErrSkeletonNotFound)
}

func TestRegistryWrongAddress(t *testing.T) {
	_, err := NewRegistry().Build(address.Browser{WindowID: "w"})
	assert.ErrorIs(t, err, messaging.ErrInvalidAddress)
}
