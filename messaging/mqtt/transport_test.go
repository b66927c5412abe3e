// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a broker loopback: whatever is sent to a subscribed topic is
// delivered to the message handler.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	subscribed map[string]bool
	sent       map[string][][]byte
	handler    func([]byte)
	sendErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{subscribed: map[string]bool{}, sent: map[string][][]byte{}}
}

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Send(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	if c.sendErr != nil {
		c.mu.Unlock()
		return c.sendErr
	}
	c.sent[topic] = append(c.sent[topic], payload)
	deliver := c.subscribed[topic]
	h := c.handler
	c.mu.Unlock()

	if deliver && h != nil {
		h(payload)
	}
	return nil
}

func (c *fakeConn) OnMessage(h func([]byte)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Subscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	c.subscribed[topic] = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subscribed, topic)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[topic]
}

func TestTransportStartAndReceive(t *testing.T) {
	conn := newFakeConn()
	local := address.Mqtt{BrokerURI: "tcp://localhost:1883", Topic: "cc/replies"}

	received := make(chan *message.Message, 1)
	tr := New(conn, local, messaging.ReceiverFunc(func(_ context.Context, msg *message.Message) error {
		received <- msg
		return nil
	}), nil)

	require.NoError(t, tr.Start(context.Background()))
	assert.True(t, conn.isSubscribed("cc/replies"))
	assert.Equal(t, local, tr.ReplyAddress())

	stub, err := tr.Build(local)
	require.NoError(t, err)

	msg := message.New(message.TypeReply, "p1", "proxy", time.Now().Add(time.Minute), []byte(`{}`))
	require.NoError(t, stub.Transmit(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.True(t, got.IsReceivedFromGlobal)
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}
}

func TestTransportBuild(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, address.Mqtt{BrokerURI: "tcp://a:1883", Topic: "t"}, nil, nil)

	_, err := tr.Build(address.Mqtt{BrokerURI: "tcp://other:1883", Topic: "t"})
	assert.ErrorIs(t, err, ErrUnknownBroker)

	_, err = tr.Build(address.Channel{ChannelID: "c"})
	assert.ErrorIs(t, err, messaging.ErrInvalidAddress)

	conn.sendErr = errors.New("broker unavailable")
	stub, err := tr.Build(address.Mqtt{Topic: "p1"})
	require.NoError(t, err)
	err = stub.Transmit(context.Background(), message.New(message.TypeRequest, "a", "p1", time.Time{}, nil))
	assert.ErrorContains(t, err, "broker unavailable")
}

func TestTransportMulticastSubscriptions(t *testing.T) {
	conn := newFakeConn()
	tr := New(conn, address.Mqtt{BrokerURI: "tcp://a:1883", Topic: "t"}, nil, nil)

	require.NoError(t, tr.RegisterMulticastSubscription("p1/event/*"))
	require.NoError(t, tr.RegisterMulticastSubscription("p1/event/*"))
	assert.True(t, conn.isSubscribed("p1/event/#"))

	require.NoError(t, tr.UnregisterMulticastSubscription("p1/event/*"))
	assert.True(t, conn.isSubscribed("p1/event/#"))

	require.NoError(t, tr.UnregisterMulticastSubscription("p1/event/*"))
	assert.False(t, conn.isSubscribed("p1/event/#"))

	assert.NoError(t, tr.UnregisterMulticastSubscription("never"))
}

func TestTransportCalculate(t *testing.T) {
	tr := New(newFakeConn(), address.Mqtt{BrokerURI: "tcp://a:1883", Topic: "t"}, nil, nil)

	addr, ok := tr.Calculate(message.New(message.TypeMulticast, "p1", "p1/event", time.Time{}, nil))
	require.True(t, ok)
	assert.Equal(t, address.Mqtt{BrokerURI: "tcp://a:1883", Topic: "p1/event"}, addr)

	_, ok = tr.Calculate(message.New(message.TypeRequest, "a", "b", time.Time{}, nil))
	assert.False(t, ok)
}
