// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/dispatcher"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/multicast"
)

// PublicationSender is the part of the dispatcher the publisher sends through.
type PublicationSender interface {
	SendSubscriptionReply(ctx context.Context, s dispatcher.Settings, reply *message.SubscriptionReply) error
	SendPublication(ctx context.Context, s dispatcher.Settings, pub *message.Publication) error
	SendMulticastPublication(ctx context.Context, from string, qos message.MessagingQos, pub *message.MulticastPublication) error
}

// MulticastReceivers tracks which participants receive a multicast. The
// message router implements it.
type MulticastReceivers interface {
	AddMulticastReceiver(multicastID, subscriberID, providerID string) error
	RemoveMulticastReceiver(multicastID, subscriberID, providerID string) error
}

// AttributeGetter returns the current value of an attribute.
type AttributeGetter func(ctx context.Context) (any, error)

// BroadcastFilter decides whether a selective broadcast is published to a
// subscriber with the given filter parameters.
type BroadcastFilter func(values []any, params map[string]string) bool

// Publications lists the attributes and broadcasts a provider publishes.
type Publications struct {
	Attributes map[string]AttributeGetter
	Broadcasts []string
}

type publication struct {
	id         string
	subscriber string
	provider   string
	name       string
	broadcast  bool
	multicast  string
	filter     map[string]string
	qos        message.SubscriptionQos
	get        AttributeGetter

	mu         sync.Mutex
	lastSent   time.Time
	pending    []any
	hasPending bool
	deferred   *time.Timer
	expiry     *time.Timer

	stop     chan struct{}
	stopOnce sync.Once
	onClose  func()
}

func (pub *publication) close() {
	pub.stopOnce.Do(func() {
		close(pub.stop)
		if pub.onClose != nil {
			pub.onClose()
		}
		pub.mu.Lock()
		if pub.deferred != nil {
			pub.deferred.Stop()
		}
		if pub.expiry != nil {
			pub.expiry.Stop()
		}
		pub.mu.Unlock()
	})
}

func (pub *publication) stopped() bool {
	select {
	case <-pub.stop:
		return true
	default:
		return false
	}
}

var _ dispatcher.PublicationHandler = (*Publisher)(nil)

// Publisher serves the subscriptions to the providers of this runtime:
// periodic and on-change attribute publications, selective broadcasts and
// multicasts.
type Publisher struct {
	sender PublicationSender
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]Publications
	pubs      map[string]*publication
	receivers MulticastReceivers
	closed    bool
	wg        sync.WaitGroup
}

func NewPublisher(sender PublicationSender, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sender:    sender,
		logger:    logger,
		providers: make(map[string]Publications),
		pubs:      make(map[string]*publication),
	}
}

// SetMulticastReceivers makes multicast subscribers known to r for as long
// as their subscriptions last, so that multicasts reach subscribers behind
// transports without a broker.
func (p *Publisher) SetMulticastReceivers(r MulticastReceivers) {
	p.mu.Lock()
	p.receivers = r
	p.mu.Unlock()
}

// AddProvider registers the attributes and broadcasts of a provider.
func (p *Publisher) AddProvider(providerID string, provided Publications) {
	p.mu.Lock()
	p.providers[providerID] = provided
	p.mu.Unlock()
}

// RemoveProvider stops every publication of a provider.
func (p *Publisher) RemoveProvider(providerID string) {
	p.mu.Lock()
	delete(p.providers, providerID)
	var stopped []*publication
	for id, pub := range p.pubs {
		if pub.provider == providerID {
			delete(p.pubs, id)
			stopped = append(stopped, pub)
		}
	}
	p.mu.Unlock()

	for _, pub := range stopped {
		pub.close()
	}
}

func (p *Publisher) HandleSubscriptionRequest(ctx context.Context, from, to string, req *message.SubscriptionRequest) {
	p.mu.Lock()
	provided, ok := p.providers[to]
	get, known := provided.Attributes[req.SubscribedToName]
	p.mu.Unlock()

	if !ok || !known {
		p.reject(ctx, from, to, req.SubscriptionID, fmt.Sprintf("attribute %s of %s not found", req.SubscribedToName, to))
		return
	}
	pub := &publication{
		id:         req.SubscriptionID,
		subscriber: from,
		provider:   to,
		name:       req.SubscribedToName,
		qos:        req.Qos,
		get:        get,
		stop:       make(chan struct{}),
	}
	if !p.register(ctx, pub) {
		return
	}

	p.publishValue(ctx, pub)
	interval := time.Duration(max(req.Qos.PeriodMs, req.Qos.MaxIntervalMs)) * time.Millisecond
	if interval > 0 && p.track() {
		go p.run(pub, interval)
	}
}

// track reserves a slot in the wait group unless the publisher is closed.
func (p *Publisher) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Publisher) HandleBroadcastSubscriptionRequest(ctx context.Context, from, to string, req *message.BroadcastSubscriptionRequest) {
	if !p.hasBroadcast(to, req.SubscribedToName) {
		p.reject(ctx, from, to, req.SubscriptionID, fmt.Sprintf("broadcast %s of %s not found", req.SubscribedToName, to))
		return
	}
	p.register(ctx, &publication{
		id:         req.SubscriptionID,
		subscriber: from,
		provider:   to,
		name:       req.SubscribedToName,
		broadcast:  true,
		filter:     req.FilterParameters,
		qos:        req.Qos,
		stop:       make(chan struct{}),
	})
}

// HandleMulticastSubscriptionRequest confirms the subscription and adds the
// subscriber to the multicast receivers until it stops or expires.
func (p *Publisher) HandleMulticastSubscriptionRequest(ctx context.Context, from, to string, req *message.MulticastSubscriptionRequest) {
	if !p.hasBroadcast(to, req.SubscribedToName) {
		p.reject(ctx, from, to, req.SubscriptionID, fmt.Sprintf("broadcast %s of %s not found", req.SubscribedToName, to))
		return
	}
	pub := &publication{
		id:         req.SubscriptionID,
		subscriber: from,
		provider:   to,
		name:       req.SubscribedToName,
		multicast:  req.MulticastID,
		qos:        req.Qos,
		stop:       make(chan struct{}),
	}

	p.mu.Lock()
	r := p.receivers
	p.mu.Unlock()
	if r != nil {
		if err := r.AddMulticastReceiver(req.MulticastID, from, to); err != nil {
			p.reject(ctx, from, to, req.SubscriptionID, err.Error())
			return
		}
		pub.onClose = func() {
			// A renewal under the same id keeps the receiver.
			p.mu.Lock()
			cur, ok := p.pubs[pub.id]
			p.mu.Unlock()
			if ok && cur != pub && cur.multicast == pub.multicast && cur.subscriber == pub.subscriber {
				return
			}
			if err := r.RemoveMulticastReceiver(req.MulticastID, from, to); err != nil {
				p.logger.Warn("failed to remove multicast receiver",
					slog.String("multicast_id", req.MulticastID),
					slog.String("error", err.Error()))
			}
		}
	}
	p.register(ctx, pub)
}

func (p *Publisher) HandleSubscriptionStop(ctx context.Context, from, to string, stop *message.SubscriptionStop) {
	p.mu.Lock()
	pub, ok := p.pubs[stop.SubscriptionID]
	if ok {
		delete(p.pubs, stop.SubscriptionID)
	}
	p.mu.Unlock()

	if ok {
		pub.close()
		p.logger.Debug("publication_stopped", slog.String("subscription_id", stop.SubscriptionID))
	}
}

func (p *Publisher) hasBroadcast(providerID, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	provided, ok := p.providers[providerID]
	if !ok {
		return false
	}
	for _, b := range provided.Broadcasts {
		if b == name {
			return true
		}
	}
	return false
}

// register stores pub, replacing a subscription with the same id, arms
// its expiry and confirms it to the subscriber.
func (p *Publisher) register(ctx context.Context, pub *publication) bool {
	if exp := pub.qos.ExpiryDate(); !exp.IsZero() {
		remaining := time.Until(exp)
		if remaining <= 0 {
			pub.close()
			p.reject(ctx, pub.subscriber, pub.provider, pub.id, "subscription expired")
			return false
		}
		pub.expiry = time.AfterFunc(remaining, func() { p.expire(pub) })
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pub.close()
		return false
	}
	old := p.pubs[pub.id]
	p.pubs[pub.id] = pub
	p.mu.Unlock()
	if old != nil {
		old.close()
	}

	p.reply(ctx, pub.subscriber, pub.provider, &message.SubscriptionReply{SubscriptionID: pub.id})
	return true
}

func (p *Publisher) expire(pub *publication) {
	p.mu.Lock()
	if p.pubs[pub.id] == pub {
		delete(p.pubs, pub.id)
	}
	p.mu.Unlock()
	pub.close()
	p.logger.Debug("publication_expired", slog.String("subscription_id", pub.id))
}

func (p *Publisher) reject(ctx context.Context, subscriber, provider, id, detail string) {
	p.reply(ctx, subscriber, provider, &message.SubscriptionReply{
		SubscriptionID: id,
		Error:          message.NewError(message.SubscriptionException, detail),
	})
}

func (p *Publisher) reply(ctx context.Context, subscriber, provider string, reply *message.SubscriptionReply) {
	s := dispatcher.Settings{From: provider, To: subscriber}
	if err := p.sender.SendSubscriptionReply(ctx, s, reply); err != nil {
		p.logger.Warn("failed to send subscription reply",
			slog.String("subscription_id", reply.SubscriptionID),
			slog.String("error", err.Error()))
	}
}

// run publishes every interval. Without a period, interval is the
// keep-alive max interval and publishing is skipped while on-change
// publications keep the subscriber up to date.
func (p *Publisher) run(pub *publication, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-pub.stop:
			return
		case <-ticker.C:
			if pub.qos.PeriodMs == 0 && time.Since(pub.sentAt()) < interval {
				continue
			}
			p.publishValue(ctx, pub)
		}
	}
}

func (pub *publication) sentAt() time.Time {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	return pub.lastSent
}

func (p *Publisher) publishValue(ctx context.Context, pub *publication) {
	v, err := pub.get(ctx)
	if err != nil {
		p.send(ctx, pub, nil, message.AsError(err))
		return
	}
	p.send(ctx, pub, []any{v}, nil)
}

// AttributeChanged publishes value to the on-change subscriptions of the
// attribute, at most once per min interval. Changes within the interval
// are coalesced and the latest one is sent when it ends.
func (p *Publisher) AttributeChanged(ctx context.Context, providerID, name string, value any) {
	for _, pub := range p.matching(providerID, name, false) {
		if pub.qos.PeriodMs > 0 {
			continue
		}
		p.throttled(ctx, pub, []any{value})
	}
}

// FireBroadcast publishes a selective broadcast to the subscribers whose
// filter parameters pass filter. A nil filter passes everyone.
func (p *Publisher) FireBroadcast(ctx context.Context, providerID, name string, values []any, filter BroadcastFilter) {
	for _, pub := range p.matching(providerID, name, true) {
		if filter != nil && !filter(values, pub.filter) {
			continue
		}
		p.throttled(ctx, pub, values)
	}
}

// FireMulticast publishes a non-selective broadcast under the multicast id
// built from the partitions, which must not contain wildcards.
func (p *Publisher) FireMulticast(ctx context.Context, providerID, name string, values []any, partitions ...string) error {
	if err := multicast.ValidatePartitions(partitions); err != nil {
		return err
	}
	id := multicast.CreateID(providerID, name, partitions...)
	if multicast.HasWildcard(id) {
		return fmt.Errorf("%w: wildcards are only allowed in subscriptions", multicast.ErrInvalidPartition)
	}
	return p.sender.SendMulticastPublication(ctx, providerID, message.MessagingQos{}, &message.MulticastPublication{
		MulticastID: id,
		Response:    values,
	})
}

func (p *Publisher) matching(providerID, name string, broadcast bool) []*publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*publication
	for _, pub := range p.pubs {
		if pub.provider == providerID && pub.name == name && pub.broadcast == broadcast && pub.multicast == "" {
			out = append(out, pub)
		}
	}
	return out
}

func (p *Publisher) throttled(ctx context.Context, pub *publication, values []any) {
	minInterval := time.Duration(pub.qos.MinIntervalMs) * time.Millisecond

	pub.mu.Lock()
	wait := minInterval - time.Since(pub.lastSent)
	if wait > 0 {
		pub.pending = values
		pub.hasPending = true
		if pub.deferred == nil {
			pub.deferred = time.AfterFunc(wait, func() { p.flush(pub) })
		}
		pub.mu.Unlock()
		return
	}
	pub.mu.Unlock()

	p.send(ctx, pub, values, nil)
}

func (p *Publisher) flush(pub *publication) {
	pub.mu.Lock()
	values, ok := pub.pending, pub.hasPending
	pub.pending, pub.hasPending, pub.deferred = nil, false, nil
	pub.mu.Unlock()

	if ok {
		p.send(context.Background(), pub, values, nil)
	}
}

func (p *Publisher) send(ctx context.Context, pub *publication, values []any, perr *message.Error) {
	if pub.stopped() {
		return
	}
	pub.mu.Lock()
	pub.lastSent = time.Now()
	pub.mu.Unlock()

	ttl := time.Duration(pub.qos.PublicationTTLMs) * time.Millisecond
	s := dispatcher.Settings{
		From: pub.provider,
		To:   pub.subscriber,
		Qos:  message.MessagingQos{TTL: ttl},
	}
	err := p.sender.SendPublication(ctx, s, &message.Publication{
		SubscriptionID: pub.id,
		Response:       values,
		Error:          perr,
	})
	if err != nil {
		p.logger.Warn("failed to send publication",
			slog.String("subscription_id", pub.id),
			slog.String("error", err.Error()))
	}
}

// Close stops all publications.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	pubs := p.pubs
	p.pubs = make(map[string]*publication)
	p.mu.Unlock()

	for _, pub := range pubs {
		pub.close()
	}
	p.wg.Wait()
	return nil
}
