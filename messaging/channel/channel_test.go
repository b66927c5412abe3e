// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLs(t *testing.T) {
	a := address.Channel{ChannelID: "cc", EndpointURL: "http://proxy:8080/bounce/"}
	assert.Equal(t, "http://proxy:8080/bounce/channels/cc/", ChannelURL(a))
	assert.Equal(t, "http://proxy:8080/bounce/channels/cc/message/", MessageURL(a))

	a.EndpointURL = "http://proxy:8080"
	assert.Equal(t, "http://proxy:8080/channels/cc/", ChannelURL(a))
}

func TestTransportLongPoll(t *testing.T) {
	proxy := NewProxy(200*time.Millisecond, 10)
	ts := httptest.NewServer(proxy.Handler())
	defer ts.Close()

	received := make(chan *message.Message, 4)
	owner := New(Config{
		Local:       address.Channel{ChannelID: "owner", EndpointURL: ts.URL + "/"},
		PollTimeout: 200 * time.Millisecond,
		PollRate:    50,
	}, messaging.ReceiverFunc(func(_ context.Context, msg *message.Message) error {
		received <- msg
		return nil
	}), nil)
	require.NoError(t, owner.Start(context.Background()))
	defer owner.Close()

	sender := New(Config{Local: address.Channel{ChannelID: "sender", EndpointURL: ts.URL + "/"}}, nil, nil)
	stub, err := sender.Build(owner.ReplyAddress())
	require.NoError(t, err)

	msg := message.New(message.TypeRequest, "proxy", "provider", time.Now().Add(time.Minute), []byte(`{"methodName":"m"}`))
	require.NoError(t, stub.Transmit(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.True(t, got.IsReceivedFromGlobal)
	case <-time.After(3 * time.Second):
		t.Fatal("message not received over long poll")
	}
}

func TestTransportCloseStopsPolling(t *testing.T) {
	var polls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	tr := New(Config{Local: address.Channel{ChannelID: "c", EndpointURL: ts.URL}, PollRate: 100}, nil, nil)
	require.NoError(t, tr.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	n := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, polls.Load())
	assert.NoError(t, tr.Close())
}

func TestSenderCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewSender(time.Second, BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute}, nil)
	ctx := context.Background()

	err := s.Send(ctx, ts.URL+"/channels/x/message/", []byte(`{}`))
	assert.ErrorContains(t, err, "non-2xx status: 500")
	err = s.Send(ctx, ts.URL+"/channels/x/message/", []byte(`{}`))
	assert.Error(t, err)

	err = s.Send(ctx, ts.URL+"/channels/x/message/", []byte(`{}`))
	assert.ErrorIs(t, err, ErrEndpointUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxyRejectsInvalidBody(t *testing.T) {
	proxy := NewProxy(time.Millisecond, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/channels/x/message/", nil)
	proxy.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/channels/x/", nil)
	proxy.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestProxyListenStopsWithContext(t *testing.T) {
	proxy := NewProxy(time.Millisecond, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proxy.Listen(ctx, "127.0.0.1:0", time.Second, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not stop")
	}
}
