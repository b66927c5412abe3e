// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package routing resolves participant ids to addresses and hands messages
// to the transport stub for the resolved address.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"github.com/absmach/fluxrpc/otel"
	"github.com/absmach/fluxrpc/persistence"
)

// Config holds router configuration.
type Config struct {
	// MaxQueueSize bounds the messages queued per unresolved participant.
	MaxQueueSize int
	// MaxQueueTime bounds how long a message waits for its recipient.
	MaxQueueTime    time.Duration
	CleanupInterval time.Duration
	// InstanceID prefixes persisted routing entries.
	InstanceID string
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    100,
		MaxQueueTime:    60 * time.Second,
		CleanupInterval: time.Second,
	}
}

// MulticastAddressCalculator computes the global address a multicast
// published in this process is sent to.
type MulticastAddressCalculator interface {
	Calculate(msg *message.Message) (address.Address, bool)
}

// UndeliverableHandler is notified of messages the router gave up on.
type UndeliverableHandler func(msg *message.Message, err error)

// Option configures optional router collaborators.
type Option func(*Router)

// WithStore persists routing entries in s.
func WithStore(s persistence.Store) Option {
	return func(r *Router) { r.store = s }
}

// WithMulticastAddressCalculator publishes local multicasts globally.
func WithMulticastAddressCalculator(c MulticastAddressCalculator) Option {
	return func(r *Router) { r.calculator = c }
}

// WithMetrics records routed, queued and dropped messages on m.
func WithMetrics(m *otel.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router routes messages to participants.
type Router struct {
	cfg        Config
	stubs      *messaging.StubFactory
	skeletons  *messaging.SkeletonFactory
	store      persistence.Store
	calculator MulticastAddressCalculator
	metrics    *otel.Metrics
	logger     *slog.Logger

	table     *table
	queue     *queue
	receivers *receivers

	mu            sync.Mutex
	replyTo       address.Address
	held          []queued
	undeliverable UndeliverableHandler
	closed        bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a router and starts its queue sweeper.
func New(cfg Config, stubs *messaging.StubFactory, skeletons *messaging.SkeletonFactory, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxQueueTime <= 0 {
		cfg.MaxQueueTime = def.MaxQueueTime
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	r := &Router{
		cfg:       cfg,
		stubs:     stubs,
		skeletons: skeletons,
		logger:    logger,
		table:     newTable(),
		queue:     newQueue(cfg.MaxQueueSize, cfg.MaxQueueTime),
		receivers: newReceivers(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.sweepLoop()

	return r
}

// OnUndeliverable sets the handler notified of messages that could not be
// delivered.
func (r *Router) OnUndeliverable(h UndeliverableHandler) {
	r.mu.Lock()
	r.undeliverable = h
	r.mu.Unlock()
}

// SetReplyToAddress sets the address injected into request-bearing messages
// and routes the messages held until one was known.
func (r *Router) SetReplyToAddress(ctx context.Context, addr address.Address) error {
	if addr == nil {
		return fmt.Errorf("%w: nil reply address", ErrInvalidHop)
	}

	r.mu.Lock()
	r.replyTo = addr
	held := r.held
	r.held = nil
	r.mu.Unlock()

	for _, q := range held {
		if err := r.Route(ctx, q.msg); err != nil {
			r.logger.Warn("held_message_route_failed",
				slog.String("message_id", q.msg.ID),
				slog.String("to", q.msg.To),
				slog.String("error", err.Error()))
			r.report(q.msg, err)
		}
	}
	return nil
}

// Route delivers msg to its recipient. Messages for unknown recipients are
// queued until a next hop is added or their queue time runs out. Expired
// messages are dropped.
func (r *Router) Route(ctx context.Context, msg *message.Message) error {
	if r.isClosed() {
		return ErrRouterClosed
	}

	now := time.Now()
	if msg.Expired(now) {
		r.logger.Warn("message_expired",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type.String()),
			slog.String("to", msg.To),
			slog.Time("expiry_date", msg.ExpiryDate))
		r.metrics.RecordDropped(ctx, "expired")
		return nil
	}

	if msg.Type == message.TypeMulticast {
		return r.routeMulticast(ctx, msg)
	}

	if msg.Type.RequiresReplyTo() {
		if msg.IsReceivedFromGlobal && msg.ReplyTo != nil {
			r.registerGlobalEntry(ctx, msg)
		}
		if msg.ReplyTo == nil && !msg.IsLocalMessage {
			var held bool
			msg, held = r.injectReplyTo(msg, now)
			if held {
				return nil
			}
		}
	}

	addr, ok, evicted := r.queue.resolveOrPush(msg, now, func() (address.Address, bool) {
		return r.ResolveNextHop(msg.To)
	})
	if evicted != nil {
		r.logger.Warn("routing_queue_full",
			slog.String("to", evicted.To),
			slog.String("evicted_message_id", evicted.ID))
		r.metrics.RecordDropped(ctx, "queue_full")
		r.report(evicted, fmt.Errorf("%w: queue for %s is full", ErrNoRouteFound, evicted.To))
	}
	if !ok {
		r.logger.Debug("message_queued",
			slog.String("message_id", msg.ID),
			slog.String("to", msg.To))
		r.metrics.RecordQueued(ctx)
		return nil
	}

	return r.transmit(ctx, msg, addr)
}

// injectReplyTo returns a copy of msg carrying the reply address, or holds
// msg when no reply address is configured yet.
func (r *Router) injectReplyTo(msg *message.Message, now time.Time) (*message.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replyTo == nil {
		r.held = append(r.held, newQueued(msg, now, r.cfg.MaxQueueTime))
		r.logger.Debug("message_held_for_reply_address", slog.String("message_id", msg.ID))
		return msg, true
	}
	c := msg.Clone()
	c.ReplyTo = r.replyTo
	return c, false
}

func (r *Router) registerGlobalEntry(ctx context.Context, msg *message.Message) {
	if e, ok := r.table.get(msg.From); ok && address.Equal(e.addr, msg.ReplyTo) {
		return
	}
	if err := r.AddNextHop(ctx, msg.From, msg.ReplyTo, true); err != nil {
		r.logger.Warn("global_routing_entry_failed",
			slog.String("participant_id", msg.From),
			slog.String("error", err.Error()))
	}
}

func (r *Router) transmit(ctx context.Context, msg *message.Message, addr address.Address) error {
	stub, err := r.stubs.CreateMessagingStub(addr)
	if err != nil {
		return fmt.Errorf("failed to create stub for %s: %w", msg.To, err)
	}
	if err := stub.Transmit(ctx, msg); err != nil {
		return fmt.Errorf("failed to transmit message %s: %w", msg.ID, err)
	}
	r.metrics.RecordRouted(ctx, string(msg.Type), string(addr.Kind()))
	return nil
}

func (r *Router) routeMulticast(ctx context.Context, msg *message.Message) error {
	var (
		errs []error
		// Receivers on the transport of the calculated address get the
		// multicast from there.
		published address.Kind
	)
	if !msg.IsReceivedFromGlobal && r.calculator != nil {
		if addr, ok := r.calculator.Calculate(msg); ok {
			published = addr.Kind()
			if err := r.transmit(ctx, msg, addr); err != nil {
				errs = append(errs, err)
			}
		}
	}

	var sent []address.Address
	for _, sub := range r.receivers.match(msg.To) {
		addr, ok := r.ResolveNextHop(sub)
		if !ok {
			r.logger.Warn("multicast_receiver_unresolved",
				slog.String("multicast_id", msg.To),
				slog.String("participant_id", sub))
			continue
		}
		if addr.Kind() == published || containsAddress(sent, addr) {
			continue
		}
		sent = append(sent, addr)
		if err := r.transmit(ctx, msg.Clone(), addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func containsAddress(addrs []address.Address, a address.Address) bool {
	for _, b := range addrs {
		if address.Equal(a, b) {
			return true
		}
	}
	return false
}

// AddNextHop registers the address of a participant and flushes the
// messages queued for it, in arrival order.
func (r *Router) AddNextHop(ctx context.Context, participantID string, addr address.Address, isGloballyVisible bool) error {
	if addr == nil || participantID == "" {
		return fmt.Errorf("%w: participant %q", ErrInvalidHop, participantID)
	}
	if r.isClosed() {
		return ErrRouterClosed
	}

	e := entry{addr: addr, globallyVisible: isGloballyVisible}
	r.table.put(participantID, e)
	r.persist(participantID, e)

	for _, msg := range r.queue.take(participantID) {
		if msg.Expired(time.Now()) {
			r.logger.Warn("queued_message_expired",
				slog.String("message_id", msg.ID),
				slog.String("to", participantID))
			r.metrics.RecordDropped(ctx, "expired")
			continue
		}
		if err := r.transmit(ctx, msg, addr); err != nil {
			r.logger.Warn("queued_message_transmit_failed",
				slog.String("message_id", msg.ID),
				slog.String("to", participantID),
				slog.String("error", err.Error()))
			r.report(msg, err)
		}
	}
	return nil
}

// RemoveNextHop forgets the address of a participant.
func (r *Router) RemoveNextHop(participantID string) {
	r.table.remove(participantID)
	if r.store == nil {
		return
	}
	if err := r.store.RemoveItem(r.storeKey(participantID)); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		r.logger.Warn("routing_entry_remove_failed",
			slog.String("participant_id", participantID),
			slog.String("error", err.Error()))
	}
}

// ResolveNextHop returns the address of a participant, falling back to the
// persisted routing entries.
func (r *Router) ResolveNextHop(participantID string) (address.Address, bool) {
	if e, ok := r.table.get(participantID); ok {
		return e.addr, true
	}
	if r.store == nil {
		return nil, false
	}

	s, err := r.store.GetItem(r.storeKey(participantID))
	if err != nil {
		return nil, false
	}
	e, err := decodeEntry(s)
	if err != nil {
		r.logger.Warn("routing_entry_corrupt",
			slog.String("participant_id", participantID),
			slog.String("error", err.Error()))
		return nil, false
	}
	r.table.put(participantID, e)
	return e.addr, true
}

// IsGloballyVisible reports whether a participant was registered as
// reachable from other runtimes.
func (r *Router) IsGloballyVisible(participantID string) bool {
	e, ok := r.table.get(participantID)
	return ok && e.globallyVisible
}

// AddMulticastReceiver subscribes subscriberID to multicasts matching
// multicastID published by providerID. The first receiver of a multicast id
// registers it with the skeleton of the provider's transport.
func (r *Router) AddMulticastReceiver(multicastID, subscriberID, providerID string) error {
	skeleton, err := r.providerSkeleton(providerID)
	if err != nil {
		return err
	}

	if first := r.receivers.add(multicastID, subscriberID); first && skeleton != nil {
		if err := skeleton.RegisterMulticastSubscription(multicastID); err != nil {
			r.receivers.remove(multicastID, subscriberID)
			return fmt.Errorf("failed to register multicast %s: %w", multicastID, err)
		}
	}
	return nil
}

// RemoveMulticastReceiver undoes AddMulticastReceiver.
func (r *Router) RemoveMulticastReceiver(multicastID, subscriberID, providerID string) error {
	found, last := r.receivers.remove(multicastID, subscriberID)
	if !found || !last {
		return nil
	}

	skeleton, err := r.providerSkeleton(providerID)
	if err != nil {
		return err
	}
	if skeleton == nil {
		return nil
	}
	if err := skeleton.UnregisterMulticastSubscription(multicastID); err != nil {
		return fmt.Errorf("failed to unregister multicast %s: %w", multicastID, err)
	}
	return nil
}

// providerSkeleton returns nil without error for transports that have no
// skeleton in this process.
func (r *Router) providerSkeleton(providerID string) (messaging.Skeleton, error) {
	addr, ok := r.ResolveNextHop(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", ErrNoRouteFound, providerID)
	}
	skeleton, err := r.skeletons.GetSkeleton(addr)
	if errors.Is(err, messaging.ErrUnknownAddressType) {
		r.logger.Debug("no_skeleton_for_provider",
			slog.String("provider_id", providerID),
			slog.String("kind", string(addr.Kind())))
		return nil, nil
	}
	return skeleton, err
}

// Close stops the sweeper and reports every queued message as
// undeliverable. It is safe to call more than once.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	held := r.held
	r.held = nil
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	for _, q := range held {
		r.report(q.msg, ErrRouterClosed)
	}
	for _, msg := range r.queue.drain() {
		r.report(msg, ErrRouterClosed)
	}
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) sweep(now time.Time) {
	for _, msg := range r.queue.expire(now) {
		r.logger.Warn("no_route_found",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type.String()),
			slog.String("to", msg.To))
		r.metrics.RecordDropped(context.Background(), "no_route")
		r.report(msg, fmt.Errorf("%w: %s", ErrNoRouteFound, msg.To))
	}

	r.mu.Lock()
	var expired []*message.Message
	kept := r.held[:0]
	for _, q := range r.held {
		if now.After(q.deadline) {
			expired = append(expired, q.msg)
			continue
		}
		kept = append(kept, q)
	}
	r.held = kept
	r.mu.Unlock()

	for _, msg := range expired {
		r.logger.Warn("no_reply_address",
			slog.String("message_id", msg.ID),
			slog.String("to", msg.To))
		r.metrics.RecordDropped(context.Background(), "no_reply_address")
		r.report(msg, fmt.Errorf("%w: no reply address for %s", ErrNoRouteFound, msg.To))
	}
}

func (r *Router) report(msg *message.Message, err error) {
	r.mu.Lock()
	h := r.undeliverable
	r.mu.Unlock()
	if h != nil {
		h(msg, err)
	}
}

func (r *Router) persist(participantID string, e entry) {
	if r.store == nil || e.addr.Kind() == address.KindInProcess {
		return
	}
	s, err := encodeEntry(e)
	if err == nil {
		err = r.store.SetItem(r.storeKey(participantID), s)
	}
	if err != nil {
		r.logger.Warn("routing_entry_persist_failed",
			slog.String("participant_id", participantID),
			slog.String("error", err.Error()))
	}
}

func (r *Router) storeKey(participantID string) string {
	return r.cfg.InstanceID + "_" + participantID
}
