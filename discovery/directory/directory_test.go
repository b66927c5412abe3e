// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/absmach/fluxrpc/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(pid string) discovery.Entry {
	return discovery.Entry{
		Domain:          "vehicle",
		InterfaceName:   "Radio",
		ParticipantID:   pid,
		ProviderVersion: discovery.Version{Major: 1},
		Qos:             discovery.ProviderQos{Priority: 3, Scope: discovery.ProviderScopeGlobal},
		Address:         address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "replies/" + pid},
	}
}

func newTestServer(t *testing.T) (*Store, *httptest.Server) {
	t.Helper()
	store := NewStore()
	srv := New(Config{}, store, nil, nil)
	ts := httptest.NewServer(srv.Handler(nil))
	t.Cleanup(ts.Close)
	return store, ts
}

func TestClientServerRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	c := NewClient(ts.URL, ClientConfig{}, ts.Client(), nil)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, entry("p1")))
	require.NoError(t, c.Add(ctx, entry("p2")))

	got, err := c.Lookup(ctx, []string{"vehicle"}, "Radio")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "replies/" + e.ParticipantID}, e.Address)
		assert.NotZero(t, e.LastSeenDateMs)
	}

	got, err = c.Lookup(ctx, []string{"cabin"}, "Radio")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.Remove(ctx, "p1"))
	got, err = c.Lookup(ctx, []string{"vehicle"}, "Radio")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].ParticipantID)
}

func TestClientErrors(t *testing.T) {
	_, ts := newTestServer(t)
	c := NewClient(ts.URL, ClientConfig{FailureThreshold: 1}, ts.Client(), nil)
	ctx := context.Background()

	err := c.Remove(ctx, "unknown")
	assert.ErrorIs(t, err, discovery.ErrNotFound)

	e := entry("p1")
	e.Address = nil
	assert.ErrorIs(t, c.Add(ctx, e), discovery.ErrInvalidEntry)

	_, err = c.Lookup(ctx, nil, "Radio")
	assert.ErrorIs(t, err, discovery.ErrInvalidEntry)

	// Rejections do not trip the breaker.
	require.NoError(t, c.Add(ctx, entry("p1")))
}

func TestClientBreakerOpens(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", ClientConfig{
		Timeout:          200 * time.Millisecond,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, nil, nil)
	ctx := context.Background()

	for range 2 {
		_, err := c.Lookup(ctx, []string{"vehicle"}, "Radio")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.Lookup(ctx, []string{"vehicle"}, "Radio")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStoreFiltersExpired(t *testing.T) {
	store := NewStore()
	old := entry("old")
	old.ExpiryDateMs = time.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, store.Add(old))
	require.NoError(t, store.Add(entry("new")))

	got := store.Lookup([]string{"vehicle"}, "Radio")
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ParticipantID)
}

func TestDiscoveryOverDirectory(t *testing.T) {
	_, ts := newTestServer(t)
	producer := discovery.New(NewClient(ts.URL, ClientConfig{}, ts.Client(), nil), nil)
	consumer := discovery.New(NewClient(ts.URL, ClientConfig{}, ts.Client(), nil), nil)
	ctx := context.Background()

	require.NoError(t, producer.Add(ctx, entry("radio-1")))

	got, err := consumer.Lookup(ctx, []string{"vehicle"}, "Radio", discovery.Qos{Scope: discovery.ScopeLocalThenGlobal})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsLocal)
	assert.Equal(t, "radio-1", got[0].ParticipantID)
}

func TestHealthAndRateLimit(t *testing.T) {
	limits := ratelimit.NewManager(ratelimit.Config{
		Enabled: true,
		Connection: ratelimit.ConnectionConfig{
			Rate:            0.001,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
	})
	defer limits.Stop()

	srv := New(Config{}, NewStore(), limits, nil)
	ts := httptest.NewServer(srv.Handler(limits))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestListenShutdown(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, NewStore(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return")
	}
}
