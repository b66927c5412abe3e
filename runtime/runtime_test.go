// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/arbitration"
	"github.com/absmach/fluxrpc/config"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/absmach/fluxrpc/discovery/directory"
	"github.com/absmach/fluxrpc/internal/wiring"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/persistence/memory"
	"github.com/absmach/fluxrpc/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// radio is the vehicle/Radio provider used throughout the tests.
type radio struct {
	mu         sync.Mutex
	favorites  []string
	current    string
	oneWayDone chan string
}

func newRadio() *radio {
	return &radio{current: "SWR1", oneWayDone: make(chan string, 1)}
}

func (r *radio) Invoke(_ context.Context, method string, _ []string, params []any) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch method {
	case "addFavoriteStation":
		name, _ := params[0].(string)
		for _, f := range r.favorites {
			if f == name {
				return []any{false}, nil
			}
		}
		r.favorites = append(r.favorites, name)
		return []any{true}, nil
	case "getCurrentStation":
		return []any{r.current}, nil
	case "shuffleStations":
		r.oneWayDone <- method
		return nil, nil
	default:
		return nil, message.NewError(message.MethodInvocationException, "unknown method "+method)
	}
}

func (r *radio) currentStation(context.Context) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

func (r *radio) provider(scope discovery.ProviderScope) Provider {
	return Provider{
		Domain:        "vehicle",
		InterfaceName: "Radio",
		Version:       discovery.Version{Major: 1, Minor: 2},
		Qos: discovery.ProviderQos{
			Priority:                      5,
			Scope:                         scope,
			SupportsOnChangeSubscriptions: true,
		},
		Caller:     r,
		Attributes: map[string]subscription.AttributeGetter{"currentStation": r.currentStation},
		Broadcasts: []string{"newStation"},
	}
}

func localConfig() *config.Config {
	cfg := config.Default()
	cfg.WebSocket.ServerEnabled = false
	cfg.Discovery.Timeout = 200 * time.Millisecond
	cfg.Discovery.RetryDelay = 20 * time.Millisecond
	return cfg
}

func collector() (subscription.Listener, <-chan []any, <-chan error) {
	values := make(chan []any, 16)
	errs := make(chan error, 16)
	return subscription.Listener{
		OnReceive: func(v []any) { values <- v },
		OnError:   func(err error) { errs <- err },
	}, values, errs
}

func waitFor(t *testing.T, values <-chan []any, want any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-values:
			if len(v) == 1 && v[0] == want {
				return
			}
		case <-timeout:
			t.Fatalf("value %v not received", want)
		}
	}
}

func exerciseRadio(t *testing.T, provider, consumer *Runtime, pid string, r *radio) {
	t.Helper()
	ctx := context.Background()

	p, err := consumer.Proxy(ctx, ProxySettings{
		Domain:        "vehicle",
		InterfaceName: "Radio",
		Version:       &discovery.Version{Major: 1, Minor: 0},
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, pid, p.Provider().ParticipantID)

	res, err := p.Call(ctx, "addFavoriteStation", "SWR3")
	require.NoError(t, err)
	assert.Equal(t, []any{true}, res)
	res, err = p.Call(ctx, "addFavoriteStation", "SWR3")
	require.NoError(t, err)
	assert.Equal(t, []any{false}, res)

	res, err = p.Call(ctx, "getCurrentStation")
	require.NoError(t, err)
	assert.Equal(t, []any{"SWR1"}, res)

	_, err = p.Call(ctx, "eject")
	var perr *message.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, message.MethodInvocationException, perr.Name)

	require.NoError(t, p.Fire(ctx, "shuffleStations"))
	select {
	case <-r.oneWayDone:
	case <-time.After(2 * time.Second):
		t.Fatal("one-way request not delivered")
	}

	// Attribute subscription.
	qos, err := message.OnChangeQos(10*time.Millisecond, time.Hour)
	require.NoError(t, err)
	l, values, _ := collector()
	subID, err := p.SubscribeToAttribute(ctx, "currentStation", qos, l)
	require.NoError(t, err)
	state, ok := consumer.Subscriptions().State(subID)
	require.True(t, ok)
	assert.Equal(t, subscription.StateActive, state)

	r.mu.Lock()
	r.current = "Antenne"
	r.mu.Unlock()
	provider.Publisher().AttributeChanged(ctx, pid, "currentStation", "Antenne")
	waitFor(t, values, "Antenne")
	require.NoError(t, p.Unsubscribe(ctx, subID))

	// Multicast broadcast restricted to a partition.
	bl, stations, _ := collector()
	mcID, err := p.SubscribeToBroadcast(ctx, "newStation", message.MulticastQos(time.Hour), bl, "europe")
	require.NoError(t, err)

	require.NoError(t, provider.Publisher().FireMulticast(ctx, pid, "newStation", []any{"Bayern3"}, "asia"))
	require.NoError(t, provider.Publisher().FireMulticast(ctx, pid, "newStation", []any{"FFH"}, "europe"))
	waitFor(t, stations, "FFH")
	select {
	case v := <-stations:
		t.Fatalf("publication of another partition received: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, p.Unsubscribe(ctx, mcID))
}

func TestRuntimeLocalProvider(t *testing.T) {
	rt, err := New(localConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	defer rt.Close(ctx)

	r := newRadio()
	pid, err := rt.RegisterProvider(ctx, r.provider(discovery.ProviderScopeLocal))
	require.NoError(t, err)
	assert.Nil(t, rt.ReplyAddress())

	exerciseRadio(t, rt, rt, pid, r)
}

// broker is an in-memory MQTT broker connecting the runtimes of a test.
type broker struct {
	mu    sync.Mutex
	conns []*brokerConn
}

type brokerConn struct {
	b       *broker
	mu      sync.Mutex
	filters map[string]bool
	handler func([]byte)
}

func (b *broker) conn() *brokerConn {
	c := &brokerConn{b: b, filters: map[string]bool{}}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c
}

func (c *brokerConn) Connect(context.Context) error { return nil }

func (c *brokerConn) Send(_ context.Context, topic string, payload []byte) error {
	c.b.mu.Lock()
	conns := append([]*brokerConn(nil), c.b.conns...)
	c.b.mu.Unlock()

	for _, other := range conns {
		other.mu.Lock()
		h := other.handler
		match := false
		for f := range other.filters {
			if topicMatch(f, topic) {
				match = true
				break
			}
		}
		other.mu.Unlock()
		if match && h != nil {
			go h(append([]byte(nil), payload...))
		}
	}
	return nil
}

func (c *brokerConn) Subscribe(_ context.Context, filter string) error {
	c.mu.Lock()
	c.filters[filter] = true
	c.mu.Unlock()
	return nil
}

func (c *brokerConn) Unsubscribe(_ context.Context, filter string) error {
	c.mu.Lock()
	delete(c.filters, filter)
	c.mu.Unlock()
	return nil
}

func (c *brokerConn) OnMessage(h func([]byte)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *brokerConn) Close() error { return nil }

func topicMatch(filter, topic string) bool {
	fs, ts := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) || (f != "+" && f != ts[i]) {
			return false
		}
	}
	return len(fs) == len(ts)
}

func mqttConfig(name string) *config.Config {
	cfg := localConfig()
	cfg.Runtime.InstanceID = name
	cfg.Runtime.ReplyTransport = "mqtt"
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURI = "tcp://broker:1883"
	cfg.MQTT.Topic = "fluxrpc/" + name
	return cfg
}

func TestRuntimeRemoteProviderOverMQTT(t *testing.T) {
	ts := httptest.NewServer(directory.New(directory.Config{}, directory.NewStore(), nil, nil).Handler(nil))
	defer ts.Close()
	newDirectory := func() discovery.GlobalDirectory {
		return directory.NewClient(ts.URL, directory.ClientConfig{}, ts.Client(), nil)
	}

	b := &broker{}
	ctx := context.Background()

	vehicle, err := New(mqttConfig("vehicle"), WithMQTTConn(b.conn()), WithDirectory(newDirectory()))
	require.NoError(t, err)
	require.NoError(t, vehicle.Start(ctx))
	defer vehicle.Close(ctx)

	backend, err := New(mqttConfig("backend"), WithMQTTConn(b.conn()), WithDirectory(newDirectory()))
	require.NoError(t, err)
	require.NoError(t, backend.Start(ctx))
	defer backend.Close(ctx)

	r := newRadio()
	pid, err := vehicle.RegisterProvider(ctx, r.provider(discovery.ProviderScopeGlobal))
	require.NoError(t, err)

	exerciseRadio(t, vehicle, backend, pid, r)

	// Once unregistered the provider can no longer be arbitrated.
	require.NoError(t, vehicle.UnregisterProvider(ctx, pid))
	_, err = backend.Proxy(ctx, ProxySettings{Domain: "vehicle", InterfaceName: "Radio"})
	assert.ErrorIs(t, err, arbitration.ErrDiscovery)
}

func TestRuntimeRemoteProviderOverWebSocket(t *testing.T) {
	dir := httptest.NewServer(directory.New(directory.Config{}, directory.NewStore(), nil, nil).Handler(nil))
	defer dir.Close()
	newDirectory := func() discovery.GlobalDirectory {
		return directory.NewClient(dir.URL, directory.ClientConfig{}, dir.Client(), nil)
	}

	// The controller's handler is only known once its runtime exists.
	var handler http.Handler = http.NotFoundHandler()
	var handlerMu sync.Mutex
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerMu.Lock()
		h := handler
		handlerMu.Unlock()
		h.ServeHTTP(w, r)
	}))
	defer ws.Close()
	wsURL := "ws" + strings.TrimPrefix(ws.URL, "http") + "/"
	ctx := context.Background()

	ccCfg := localConfig()
	ccCfg.Runtime.InstanceID = "controller"
	ccCfg.Runtime.ReplyTransport = "websocket"
	ccCfg.WebSocket.ServerEnabled = true
	ccCfg.WebSocket.URL = wsURL
	controller, err := New(ccCfg, WithDirectory(newDirectory()))
	require.NoError(t, err)
	handlerMu.Lock()
	handler = controller.Transports().WebSocket.Handler()
	handlerMu.Unlock()
	require.NoError(t, controller.Start(ctx))
	defer controller.Close(ctx)

	clientCfg := localConfig()
	clientCfg.Runtime.InstanceID = "app"
	clientCfg.Runtime.ReplyTransport = "websocket"
	clientCfg.WebSocket.ClientID = "app"
	clientCfg.WebSocket.ServerURL = wsURL
	app, err := New(clientCfg, WithDirectory(newDirectory()))
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	defer app.Close(ctx)
	assert.Equal(t, address.WebSocketClient{ID: "app"}, app.ReplyAddress())
	require.Eventually(t, func() bool { return controller.Transports().WebSocket.Connected("app") },
		time.Second, 10*time.Millisecond)

	r := newRadio()
	pid, err := controller.RegisterProvider(ctx, r.provider(discovery.ProviderScopeGlobal))
	require.NoError(t, err)

	exerciseRadio(t, controller, app, pid, r)

	require.NoError(t, controller.UnregisterProvider(ctx, pid))
	_, err = app.Proxy(ctx, ProxySettings{Domain: "vehicle", InterfaceName: "Radio"})
	assert.ErrorIs(t, err, arbitration.ErrDiscovery)
}

func TestRuntimeIncompatibleVersion(t *testing.T) {
	rt, err := New(localConfig())
	require.NoError(t, err)
	ctx := context.Background()
	defer rt.Close(ctx)

	_, err = rt.RegisterProvider(ctx, newRadio().provider(discovery.ProviderScopeLocal))
	require.NoError(t, err)

	_, err = rt.Proxy(ctx, ProxySettings{
		Domain:        "vehicle",
		InterfaceName: "Radio",
		Version:       &discovery.Version{Major: 2},
	})
	var nerr *arbitration.NoCompatibleProviderFoundError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, []discovery.Version{{Major: 1, Minor: 2}}, nerr.DiscoveredVersions)
}

func TestRuntimeRegisterProvider(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rt, err := New(localConfig(), WithStore(store))
	require.NoError(t, err)

	_, err = rt.RegisterProvider(ctx, Provider{Domain: "vehicle"})
	assert.ErrorIs(t, err, ErrInvalidProvider)

	_, err = rt.RegisterProvider(ctx, newRadio().provider(discovery.ProviderScopeGlobal))
	assert.ErrorIs(t, err, ErrInvalidProvider, "global provider without reply transport")

	pid, err := rt.RegisterProvider(ctx, newRadio().provider(discovery.ProviderScopeLocal))
	require.NoError(t, err)

	err = rt.UnregisterProvider(ctx, "unknown")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	require.NoError(t, rt.Close(ctx))
	require.NoError(t, rt.Close(ctx))
	_, err = rt.RegisterProvider(ctx, newRadio().provider(discovery.ProviderScopeLocal))
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	_, err = rt.Proxy(ctx, ProxySettings{Domain: "vehicle", InterfaceName: "Radio"})
	assert.ErrorIs(t, err, ErrRuntimeClosed)

	// The participant id survives the runtime.
	rt, err = New(localConfig(), WithStore(store))
	require.NoError(t, err)
	defer rt.Close(ctx)
	again, err := rt.RegisterProvider(ctx, newRadio().provider(discovery.ProviderScopeLocal))
	require.NoError(t, err)
	assert.Equal(t, pid, again)
}

func TestRuntimeInvalidConfig(t *testing.T) {
	cfg := localConfig()
	cfg.Discovery.Scope = "everywhere"
	_, err := New(cfg)
	assert.ErrorIs(t, err, discovery.ErrInvalidScope)

	cfg = localConfig()
	cfg.Runtime.ReplyTransport = "mqtt"
	_, err = New(cfg)
	assert.ErrorIs(t, err, wiring.ErrTransportDisabled)
}
