// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/config"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/messaging/browser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopbackConn struct {
	mu        sync.Mutex
	connected bool
	topics    map[string]bool
	handler   func([]byte)
}

func (c *loopbackConn) Connect(context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *loopbackConn) Send(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	h, ok := c.handler, c.topics[topic]
	c.mu.Unlock()
	if ok && h != nil {
		h(payload)
	}
	return nil
}

func (c *loopbackConn) Subscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
	return nil
}

func (c *loopbackConn) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	return nil
}

func (c *loopbackConn) OnMessage(h func([]byte)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *loopbackConn) Close() error { return nil }

func discard() messaging.Receiver {
	return messaging.ReceiverFunc(func(context.Context, *message.Message) error { return nil })
}

func TestNewTransportsDefaults(t *testing.T) {
	cfg := config.Default()
	tr := NewTransports(cfg, discard(), nil, Options{}, nil)
	defer tr.Close()

	assert.NotNil(t, tr.InProcess)
	assert.NotNil(t, tr.WebSocket)
	assert.Nil(t, tr.MQTT)
	assert.Nil(t, tr.Channel)
	assert.Nil(t, tr.WebSocketClient)
	assert.Nil(t, tr.Browser)
	assert.Nil(t, tr.MulticastAddressCalculator())

	stubs, skeletons := messaging.NewStubFactory(), messaging.NewSkeletonFactory()
	require.NoError(t, tr.Register(stubs, skeletons))

	_, err := stubs.CreateMessagingStub(address.InProcess{Ref: "x"})
	assert.NoError(t, err)
	_, err = stubs.CreateMessagingStub(address.WebSocketClient{ID: "c"})
	assert.NoError(t, err)
	_, err = stubs.CreateMessagingStub(address.Mqtt{BrokerURI: "tcp://b:1883", Topic: "t"})
	assert.Error(t, err)

	reply, err := tr.ReplyAddress(ReplyNone)
	assert.NoError(t, err)
	assert.Nil(t, reply)
	_, err = tr.ReplyAddress(ReplyMQTT)
	assert.ErrorIs(t, err, ErrTransportDisabled)
	_, err = tr.ReplyAddress(ReplyWebSocket)
	assert.ErrorIs(t, err, ErrTransportDisabled, "server without url")
	_, err = tr.ReplyAddress("carrier-pigeon")
	assert.Error(t, err)
}

func TestWebSocketServerReplyAddress(t *testing.T) {
	cfg := config.Default()
	cfg.WebSocket.URL = "ws://controller:4242/fluxrpc"
	cfg.WebSocket.ClientID = "controller"
	tr := NewTransports(cfg, discard(), nil, Options{}, nil)
	defer tr.Close()

	reply, err := tr.ReplyAddress(ReplyWebSocket)
	require.NoError(t, err)
	assert.Equal(t, address.WebSocket{Protocol: "ws", Host: "controller", Port: 4242, Path: "/fluxrpc"}, reply)

	cfg.WebSocket.URL = "tcp://controller"
	tr = NewTransports(cfg, discard(), nil, Options{}, nil)
	defer tr.Close()
	_, err = tr.ReplyAddress(ReplyWebSocket)
	assert.Error(t, err)
}

func TestNewTransportsAllEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.MQTT.Enabled = true
	cfg.WebSocket.ClientID = "vehicle-1"
	cfg.Channel.Enabled = true
	cfg.Channel.ChannelID = "vehicle-1"
	cfg.Channel.EndpointURL = "http://127.0.0.1:1/"

	conn := &loopbackConn{topics: map[string]bool{}}
	received := make(chan *message.Message, 1)
	recv := messaging.ReceiverFunc(func(_ context.Context, msg *message.Message) error {
		received <- msg
		return nil
	})
	tr := NewTransports(cfg, recv, nil, Options{
		BrowserBus: browser.NewMemoryBus(),
		WindowID:   "main",
		MQTTConn:   conn,
	}, nil)

	stubs, skeletons := messaging.NewStubFactory(), messaging.NewSkeletonFactory()
	require.NoError(t, tr.Register(stubs, skeletons))
	for _, a := range []address.Address{
		address.Mqtt{BrokerURI: cfg.MQTT.BrokerURI, Topic: "other"},
		address.WebSocket{Protocol: "ws", Host: "localhost", Port: 4242, Path: "/"},
		address.WebSocketClient{ID: "c"},
		address.Channel{ChannelID: "c", EndpointURL: "http://localhost/"},
		address.Browser{WindowID: "tab"},
	} {
		_, err := skeletons.GetSkeleton(a)
		assert.NoError(t, err, a.Kind())
	}
	assert.NotNil(t, tr.MulticastAddressCalculator())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	assert.True(t, conn.connected)

	mqttReply, err := tr.ReplyAddress(ReplyMQTT)
	require.NoError(t, err)
	assert.Equal(t, address.Mqtt{BrokerURI: cfg.MQTT.BrokerURI, Topic: cfg.MQTT.Topic}, mqttReply)

	browserReply, err := tr.ReplyAddress(ReplyBrowser)
	require.NoError(t, err)
	assert.Equal(t, address.Browser{WindowID: "main"}, browserReply)

	wsReply, err := tr.ReplyAddress(ReplyWebSocket)
	require.NoError(t, err)
	assert.Equal(t, address.WebSocketClient{ID: "vehicle-1"}, wsReply)

	chReply, err := tr.ReplyAddress(ReplyChannel)
	require.NoError(t, err)
	assert.Equal(t, address.Channel{ChannelID: "vehicle-1", EndpointURL: "http://127.0.0.1:1/"}, chReply)

	// A message sent to the own reply topic loops back to the receiver.
	stub, err := stubs.CreateMessagingStub(mqttReply)
	require.NoError(t, err)
	msg := message.New(message.TypeOneWay, "a", "b", time.Now().Add(time.Minute), []byte(`{}`))
	require.NoError(t, stub.Transmit(ctx, msg))
	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	assert.NoError(t, tr.Close())
}
