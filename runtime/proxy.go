// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrpc/arbitration"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/absmach/fluxrpc/dispatcher"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/subscription"
	"github.com/google/uuid"
)

// ProxySettings select the provider a proxy talks to.
type ProxySettings struct {
	Domain        string
	InterfaceName string
	// Version, when set, restricts arbitration to compatible providers.
	Version      *discovery.Version
	DiscoveryQos arbitration.DiscoveryQos
	MessagingQos message.MessagingQos
}

// Proxy is a generic consumer side handle of one arbitrated provider. It is
// what generated interface proxies are built on.
type Proxy struct {
	rt       *Runtime
	id       string
	provider discovery.EntryWithMetaInfo
	qos      message.MessagingQos
}

// Proxy arbitrates a provider for s and returns a proxy bound to it. It
// blocks until arbitration succeeds, fails or ctx is done.
func (rt *Runtime) Proxy(ctx context.Context, s ProxySettings) (*Proxy, error) {
	if rt.isClosed() {
		return nil, ErrRuntimeClosed
	}

	winners, err := rt.arbitrator.StartArbitration(ctx, arbitration.Settings{
		Domains:       []string{s.Domain},
		InterfaceName: s.InterfaceName,
		Qos:           s.DiscoveryQos,
		ProxyVersion:  s.Version,
	})
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		rt:       rt,
		id:       uuid.NewString(),
		provider: winners[0],
		qos:      s.MessagingQos,
	}
	// Replies and publications for the proxy are delivered in process.
	if err := rt.router.AddNextHop(ctx, p.id, rt.local, false); err != nil {
		return nil, fmt.Errorf("failed to register proxy route: %w", err)
	}

	rt.logger.Debug("proxy_created",
		slog.String("proxy_id", p.id),
		slog.String("provider_id", p.provider.ParticipantID),
		slog.String("interface", s.InterfaceName),
		slog.Bool("is_local", p.provider.IsLocal))
	return p, nil
}

func (p *Proxy) ID() string { return p.id }

// Provider returns the discovery entry of the arbitrated provider.
func (p *Proxy) Provider() discovery.EntryWithMetaInfo { return p.provider }

func (p *Proxy) settings() dispatcher.Settings {
	return dispatcher.Settings{
		From:    p.id,
		To:      p.provider.ParticipantID,
		IsLocal: p.provider.IsLocal,
		Qos:     p.qos,
	}
}

// Call invokes method and waits for its result. Provider errors are
// returned as *message.Error.
func (p *Proxy) Call(ctx context.Context, method string, params ...any) ([]any, error) {
	return p.rt.dispatcher.SendRequest(ctx, p.settings(), &message.Request{
		MethodName:     method,
		ParamDatatypes: datatypes(params),
		Params:         params,
	})
}

// Fire invokes a fire-and-forget method.
func (p *Proxy) Fire(ctx context.Context, method string, params ...any) error {
	return p.rt.dispatcher.SendOneWayRequest(ctx, p.settings(), &message.OneWayRequest{
		MethodName:     method,
		ParamDatatypes: datatypes(params),
		Params:         params,
	})
}

func datatypes(params []any) []string {
	if len(params) == 0 {
		return nil
	}
	types := make([]string, len(params))
	for i, v := range params {
		types[i] = fmt.Sprintf("%T", v)
	}
	return types
}

// SubscribeToAttribute subscribes to attribute changes of the provider and
// returns the subscription id once the provider accepted.
func (p *Proxy) SubscribeToAttribute(ctx context.Context, attribute string, qos message.SubscriptionQos, l subscription.Listener) (string, error) {
	return p.rt.subscriptions.Subscribe(ctx, subscription.Request{
		ProxyID:       p.id,
		ProviderID:    p.provider.ParticipantID,
		IsLocal:       p.provider.IsLocal,
		AttributeName: attribute,
		Qos:           qos,
		Listener:      l,
	})
}

// SubscribeToBroadcast subscribes to a non-selective broadcast, limited to
// partitions when given.
func (p *Proxy) SubscribeToBroadcast(ctx context.Context, broadcast string, qos message.SubscriptionQos, l subscription.Listener, partitions ...string) (string, error) {
	return p.rt.subscriptions.SubscribeBroadcast(ctx, subscription.BroadcastRequest{
		ProxyID:       p.id,
		ProviderID:    p.provider.ParticipantID,
		IsLocal:       p.provider.IsLocal,
		BroadcastName: broadcast,
		Partitions:    partitions,
		Qos:           qos,
		Listener:      l,
	})
}

// SubscribeToSelectiveBroadcast subscribes to a broadcast filtered by the
// provider with filter.
func (p *Proxy) SubscribeToSelectiveBroadcast(ctx context.Context, broadcast string, filter map[string]string, qos message.SubscriptionQos, l subscription.Listener) (string, error) {
	return p.rt.subscriptions.SubscribeBroadcast(ctx, subscription.BroadcastRequest{
		ProxyID:          p.id,
		ProviderID:       p.provider.ParticipantID,
		IsLocal:          p.provider.IsLocal,
		BroadcastName:    broadcast,
		Selective:        true,
		FilterParameters: filter,
		Qos:              qos,
		Listener:         l,
	})
}

func (p *Proxy) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return p.rt.subscriptions.Unsubscribe(ctx, subscriptionID)
}

// Close releases the proxy's route. Publications of subscriptions still
// open through it are queued until they expire.
func (p *Proxy) Close() {
	p.rt.router.RemoveNextHop(p.id)
}
