// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transmission struct {
	addr address.Address
	msg  *message.Message
}

// recorder is a stub builder remembering every transmitted message.
type recorder struct {
	mu   sync.Mutex
	sent []transmission
	err  error
}

func (r *recorder) Build(addr address.Address) (messaging.Stub, error) {
	return messaging.StubFunc(func(_ context.Context, msg *message.Message) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.err != nil {
			return r.err
		}
		r.sent = append(r.sent, transmission{addr: addr, msg: msg})
		return nil
	}), nil
}

func (r *recorder) messages() []transmission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transmission(nil), r.sent...)
}

type fakeSkeleton struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (s *fakeSkeleton) RegisterMulticastSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, id)
	return nil
}

func (s *fakeSkeleton) UnregisterMulticastSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistered = append(s.unregistered, id)
	return nil
}

type calculator struct {
	addr address.Address
}

func (c calculator) Calculate(*message.Message) (address.Address, bool) {
	return c.addr, true
}

type undeliverable struct {
	mu   sync.Mutex
	msgs []*message.Message
	errs []error
}

func (u *undeliverable) handle(msg *message.Message, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.msgs = append(u.msgs, msg)
	u.errs = append(u.errs, err)
}

func (u *undeliverable) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.msgs)
}

type fixture struct {
	router   *Router
	local    *recorder
	global   *recorder
	skeleton *fakeSkeleton
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		local:    &recorder{},
		global:   &recorder{},
		skeleton: &fakeSkeleton{},
	}
	stubs := messaging.NewStubFactory()
	require.NoError(t, stubs.Register(address.KindInProcess, f.local))
	require.NoError(t, stubs.Register(address.KindMqtt, f.global))
	skeletons := messaging.NewSkeletonFactory()
	require.NoError(t, skeletons.Register(address.KindInProcess, f.skeleton))

	f.router = New(cfg, stubs, skeletons, nil, opts...)
	t.Cleanup(func() { f.router.Close() })
	return f
}

func oneWay(to string) *message.Message {
	return message.New(message.TypeOneWay, "consumer", to, time.Now().Add(time.Minute), []byte(`{}`))
}

func TestRouteKnownParticipant(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "p"}, false))
	msg := oneWay("provider")
	require.NoError(t, f.router.Route(ctx, msg))

	got := f.local.messages()
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].msg.ID)
	assert.Equal(t, address.InProcess{Ref: "p"}, got[0].addr)
}

func TestRouteQueuesUntilNextHopAndFlushesOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var ids []string
	for range 3 {
		msg := oneWay("late")
		ids = append(ids, msg.ID)
		require.NoError(t, f.router.Route(ctx, msg))
	}
	assert.Empty(t, f.local.messages())
	assert.Equal(t, 3, f.router.queue.size("late"))

	require.NoError(t, f.router.AddNextHop(ctx, "late", address.InProcess{Ref: "late"}, false))
	require.NoError(t, f.router.AddNextHop(ctx, "late", address.InProcess{Ref: "late"}, false))

	got := f.local.messages()
	require.Len(t, got, 3)
	for i, s := range got {
		assert.Equal(t, ids[i], s.msg.ID, "queued messages keep arrival order")
	}
	assert.Zero(t, f.router.queue.size("late"))
}

func TestRouteDropsExpiredMessages(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "p"}, false))

	msg := oneWay("provider")
	msg.ExpiryDate = time.Now().Add(-time.Second)
	require.NoError(t, f.router.Route(ctx, msg))
	assert.Empty(t, f.local.messages())

	queued := oneWay("unknown")
	queued.ExpiryDate = time.Now().Add(10 * time.Millisecond)
	require.NoError(t, f.router.Route(ctx, queued))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.router.AddNextHop(ctx, "unknown", address.InProcess{Ref: "u"}, false))
	assert.Empty(t, f.local.messages(), "expired queued messages never reach a stub")
}

func TestNoRouteFoundAfterMaxQueueTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueTime = 20 * time.Millisecond
	cfg.CleanupInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)

	u := &undeliverable{}
	f.router.OnUndeliverable(u.handle)

	msg := oneWay("nobody")
	require.NoError(t, f.router.Route(context.Background(), msg))

	require.Eventually(t, func() bool { return u.count() == 1 }, time.Second, 5*time.Millisecond)
	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Equal(t, msg.ID, u.msgs[0].ID)
	assert.ErrorIs(t, u.errs[0], ErrNoRouteFound)
}

func TestQueueFullEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	f := newFixture(t, cfg)
	u := &undeliverable{}
	f.router.OnUndeliverable(u.handle)
	ctx := context.Background()

	first := oneWay("p")
	require.NoError(t, f.router.Route(ctx, first))
	require.NoError(t, f.router.Route(ctx, oneWay("p")))
	require.NoError(t, f.router.Route(ctx, oneWay("p")))

	require.Equal(t, 1, u.count())
	assert.Equal(t, first.ID, u.msgs[0].ID)
	assert.ErrorIs(t, u.errs[0], ErrNoRouteFound)
	assert.Equal(t, 2, f.router.queue.size("p"))
}

func TestReplyToInjection(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	replyTo := address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "cc/replies"}
	require.NoError(t, f.router.AddNextHop(ctx, "remote", address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "remote"}, true))

	held := message.New(message.TypeRequest, "consumer", "remote", time.Now().Add(time.Minute), nil)
	require.NoError(t, f.router.Route(ctx, held))
	assert.Empty(t, f.global.messages(), "requests wait for a reply address")

	require.NoError(t, f.router.SetReplyToAddress(ctx, replyTo))
	got := f.global.messages()
	require.Len(t, got, 1)
	assert.Equal(t, held.ID, got[0].msg.ID)
	assert.Equal(t, replyTo, got[0].msg.ReplyTo)
	assert.Nil(t, held.ReplyTo, "the caller's message is not mutated")

	own := address.Mqtt{BrokerURI: "tcp://other:1883", Topic: "mine"}
	preset := message.New(message.TypeSubscriptionRequest, "consumer", "remote", time.Now().Add(time.Minute), nil)
	preset.ReplyTo = own
	require.NoError(t, f.router.Route(ctx, preset))

	reply := message.New(message.TypeReply, "provider", "remote", time.Now().Add(time.Minute), nil)
	require.NoError(t, f.router.Route(ctx, reply))

	got = f.global.messages()
	require.Len(t, got, 3)
	assert.Equal(t, own, got[1].msg.ReplyTo, "an existing reply address is kept")
	assert.Nil(t, got[2].msg.ReplyTo, "replies carry no reply address")
}

func TestLocalRequestNeedsNoReplyTo(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "p"}, false))

	msg := message.New(message.TypeRequest, "consumer", "provider", time.Now().Add(time.Minute), nil)
	msg.IsLocalMessage = true
	require.NoError(t, f.router.Route(ctx, msg))

	got := f.local.messages()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].msg.ReplyTo)
}

func TestGlobalRoutingEntryRegistration(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "p"}, true))

	remote := address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "remote/replies"}
	msg := message.New(message.TypeRequest, "remote-consumer", "provider", time.Now().Add(time.Minute), nil)
	msg.ReplyTo = remote
	msg.IsReceivedFromGlobal = true
	require.NoError(t, f.router.Route(ctx, msg))

	addr, ok := f.router.ResolveNextHop("remote-consumer")
	require.True(t, ok)
	assert.Equal(t, remote, addr)
	assert.True(t, f.router.IsGloballyVisible("remote-consumer"))
	assert.Len(t, f.local.messages(), 1)
}

func TestReplyToWebSocketClient(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	clients := &recorder{}
	require.NoError(t, f.router.stubs.Register(address.KindWebSocketClient, clients))
	ctx := context.Background()
	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "p"}, true))

	client := address.WebSocketClient{ID: "client-1"}
	req := message.New(message.TypeRequest, "proxy1", "provider", time.Now().Add(time.Minute), nil)
	req.ReplyTo = client
	req.IsReceivedFromGlobal = true
	require.NoError(t, f.router.Route(ctx, req))
	assert.Len(t, f.local.messages(), 1)

	u := &undeliverable{}
	f.router.OnUndeliverable(u.handle)
	reply := message.New(message.TypeReply, "provider", "proxy1", time.Now().Add(time.Minute), nil)
	require.NoError(t, f.router.Route(ctx, reply))

	sent := clients.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, client, sent[0].addr)
	assert.Equal(t, reply.ID, sent[0].msg.ID)
	assert.Zero(t, u.count())
}

func TestMulticastToReceiversBehindOtherTransports(t *testing.T) {
	globalAddr := address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "provider/news"}
	f := newFixture(t, DefaultConfig(), WithMulticastAddressCalculator(calculator{addr: globalAddr}))
	clients := &recorder{}
	require.NoError(t, f.router.stubs.Register(address.KindWebSocketClient, clients))
	ctx := context.Background()

	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "provider"}, true))
	require.NoError(t, f.router.AddNextHop(ctx, "mqtt-sub", address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "backend/replies"}, true))
	require.NoError(t, f.router.AddNextHop(ctx, "ws-sub", address.WebSocketClient{ID: "client-1"}, true))
	require.NoError(t, f.router.AddMulticastReceiver("provider/news", "mqtt-sub", "provider"))
	require.NoError(t, f.router.AddMulticastReceiver("provider/news", "ws-sub", "provider"))

	mc := message.New(message.TypeMulticast, "provider", "provider/news", time.Now().Add(time.Minute), nil)
	require.NoError(t, f.router.Route(ctx, mc))

	global := f.global.messages()
	require.Len(t, global, 1, "mqtt receivers get the published copy only")
	assert.Equal(t, globalAddr, global[0].addr)
	sent := clients.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, address.WebSocketClient{ID: "client-1"}, sent[0].addr)
}

func TestMulticastFanOut(t *testing.T) {
	globalAddr := address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "provider/weakSignal"}
	f := newFixture(t, DefaultConfig(), WithMulticastAddressCalculator(calculator{addr: globalAddr}))
	ctx := context.Background()

	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "provider"}, false))
	require.NoError(t, f.router.AddNextHop(ctx, "sub1", address.InProcess{Ref: "a"}, false))
	require.NoError(t, f.router.AddNextHop(ctx, "sub2", address.InProcess{Ref: "b"}, false))
	require.NoError(t, f.router.AddNextHop(ctx, "sub3", address.InProcess{Ref: "a"}, false))

	require.NoError(t, f.router.AddMulticastReceiver("provider/weakSignal/+", "sub1", "provider"))
	require.NoError(t, f.router.AddMulticastReceiver("provider/weakSignal/+", "sub3", "provider"))
	require.NoError(t, f.router.AddMulticastReceiver("provider/weakSignal/europe", "sub2", "provider"))
	require.NoError(t, f.router.AddMulticastReceiver("provider/other", "sub2", "provider"))
	assert.Equal(t, []string{"provider/weakSignal/+", "provider/weakSignal/europe", "provider/other"}, f.skeleton.registered)

	mc := message.New(message.TypeMulticast, "provider", "provider/weakSignal/europe", time.Now().Add(time.Minute), nil)
	require.NoError(t, f.router.Route(ctx, mc))

	local := f.local.messages()
	require.Len(t, local, 2, "receivers sharing an address get one copy")
	var refs []string
	for _, s := range local {
		refs = append(refs, s.addr.(address.InProcess).Ref)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, refs)

	global := f.global.messages()
	require.Len(t, global, 1)
	assert.Equal(t, globalAddr, global[0].addr)

	fromGlobal := message.New(message.TypeMulticast, "provider", "provider/weakSignal/asia", time.Now().Add(time.Minute), nil)
	fromGlobal.IsReceivedFromGlobal = true
	require.NoError(t, f.router.Route(ctx, fromGlobal))
	assert.Len(t, f.global.messages(), 1, "multicasts from global are not published again")
	assert.Len(t, f.local.messages(), 3)
}

func TestRemoveMulticastReceiver(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "provider"}, false))

	require.NoError(t, f.router.AddMulticastReceiver("provider/b", "s1", "provider"))
	require.NoError(t, f.router.AddMulticastReceiver("provider/b", "s2", "provider"))
	assert.Equal(t, []string{"provider/b"}, f.skeleton.registered)

	require.NoError(t, f.router.RemoveMulticastReceiver("provider/b", "s1", "provider"))
	assert.Empty(t, f.skeleton.unregistered)
	require.NoError(t, f.router.RemoveMulticastReceiver("provider/b", "s2", "provider"))
	assert.Equal(t, []string{"provider/b"}, f.skeleton.unregistered)
	require.NoError(t, f.router.RemoveMulticastReceiver("provider/b", "s2", "provider"))
	assert.Len(t, f.skeleton.unregistered, 1)
}

func TestAddMulticastReceiverUnknownProvider(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	err := f.router.AddMulticastReceiver("x/y", "s1", "missing")
	assert.ErrorIs(t, err, ErrNoRouteFound)
}

func TestPersistedRoutingEntries(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.InstanceID = "cc1"
	ctx := context.Background()

	f := newFixture(t, cfg, WithStore(store))
	remote := address.Mqtt{BrokerURI: "tcp://broker:1883", Topic: "remote"}
	require.NoError(t, f.router.AddNextHop(ctx, "remote", remote, true))
	require.NoError(t, f.router.AddNextHop(ctx, "local", address.InProcess{Ref: "l"}, false))

	_, err := store.GetItem("cc1_remote")
	require.NoError(t, err)
	_, err = store.GetItem("cc1_local")
	assert.Error(t, err, "in-process entries are not persisted")

	restarted := newFixture(t, cfg, WithStore(store))
	addr, ok := restarted.router.ResolveNextHop("remote")
	require.True(t, ok)
	assert.Equal(t, remote, addr)
	assert.True(t, restarted.router.IsGloballyVisible("remote"))

	restarted.router.RemoveNextHop("remote")
	_, ok = restarted.router.ResolveNextHop("remote")
	assert.False(t, ok)
}

func TestTransportFailureIsReturned(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.local.err = errors.New("broken pipe")
	require.NoError(t, f.router.AddNextHop(ctx, "provider", address.InProcess{Ref: "p"}, false))

	err := f.router.Route(ctx, oneWay("provider"))
	assert.ErrorIs(t, err, f.local.err)
}

func TestUnknownAddressType(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.router.AddNextHop(ctx, "tab", address.Browser{WindowID: "w1"}, false))

	err := f.router.Route(ctx, oneWay("tab"))
	assert.ErrorIs(t, err, messaging.ErrUnknownAddressType)
}

func TestAddNextHopValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	assert.ErrorIs(t, f.router.AddNextHop(context.Background(), "p", nil, false), ErrInvalidHop)
	assert.ErrorIs(t, f.router.AddNextHop(context.Background(), "", address.InProcess{Ref: "x"}, false), ErrInvalidHop)
}

func TestClose(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	u := &undeliverable{}
	f.router.OnUndeliverable(u.handle)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, oneWay("nobody")))
	require.NoError(t, f.router.Close())
	require.NoError(t, f.router.Close())

	require.Equal(t, 1, u.count())
	assert.ErrorIs(t, u.errs[0], ErrRouterClosed)
	assert.ErrorIs(t, f.router.Route(ctx, oneWay("nobody")), ErrRouterClosed)
}
