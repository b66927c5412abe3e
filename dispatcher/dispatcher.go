// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher turns calls into messages and correlates replies with
// the calls awaiting them. It also delivers inbound messages to registered
// providers and to the subscription layer.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/otel"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Router is the part of the message router the dispatcher needs.
type Router interface {
	Route(ctx context.Context, msg *message.Message) error
	AddMulticastReceiver(multicastID, subscriberID, providerID string) error
	RemoveMulticastReceiver(multicastID, subscriberID, providerID string) error
}

// Settings address an outgoing message.
type Settings struct {
	From string
	To   string
	// IsLocal marks a recipient discovered in this runtime.
	IsLocal bool
	Qos     message.MessagingQos
}

// Config holds dispatcher configuration.
type Config struct {
	// DefaultTTL applies to messages whose qos has no TTL.
	DefaultTTL time.Duration
	// TTLUplift extends the expiry of outgoing messages beyond the local
	// deadline, covering clock skew between runtimes.
	TTLUplift time.Duration
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithIDGenerator sets the source of generated request reply ids.
func WithIDGenerator(g *IDGenerator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithMetrics records request counts and latencies on m.
func WithMetrics(m *otel.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sends requests and subscription messages through a router and
// handles the messages the router delivers to this runtime.
type Dispatcher struct {
	cfg     Config
	router  Router
	ids     *IDGenerator
	pending *pendingStore
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	mu                  sync.RWMutex
	callers             map[string]RequestCaller
	subscriptionHandler SubscriptionHandler
	publicationHandler  PublicationHandler
	closed              bool

	inflight sync.WaitGroup
}

// New creates a dispatcher routing through r.
func New(cfg Config, r Router, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = message.DefaultTTL
	}

	d := &Dispatcher{
		cfg:     cfg,
		router:  r,
		pending: newPendingStore(),
		tracer:  otelapi.Tracer("github.com/absmach/fluxrpc/dispatcher"),
		logger:  logger,
		callers: make(map[string]RequestCaller),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ids == nil {
		d.ids = NewIDGenerator()
	}
	return d
}

// SendRequest sends req and blocks until the reply arrives, the request
// times out or ctx is done. A provider error is returned as *message.Error.
func (d *Dispatcher) SendRequest(ctx context.Context, s Settings, req *message.Request) ([]any, error) {
	call, err := d.Go(ctx, s, req)
	if err != nil {
		return nil, err
	}

	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		call.Cancel()
		// A reply may have won the race against the cancellation.
		if resp, err := call.Result(); !errors.Is(err, ErrRequestCancelled) {
			return resp, err
		}
		return nil, ctx.Err()
	}
}

// Go sends req and returns the pending call without waiting. The request
// reply id is generated when req carries none.
func (d *Dispatcher) Go(ctx context.Context, s Settings, req *message.Request) (*Call, error) {
	if d.isClosed() {
		return nil, ErrShutdown
	}
	if req.RequestReplyID == "" {
		req.RequestReplyID = d.ids.Next()
	}

	now := time.Now()
	ttl := d.ttl(s.Qos)
	msg, err := d.newMessage(message.TypeRequest, s, req, now)
	if err != nil {
		return nil, err
	}

	_, span := d.tracer.Start(ctx, "fluxrpc.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fluxrpc.method", req.MethodName),
			attribute.String("fluxrpc.to", s.To),
			attribute.String("fluxrpc.request_reply_id", req.RequestReplyID),
		))

	id := req.RequestReplyID
	call := &Call{
		id:      id,
		started: now,
		done:    make(chan struct{}),
		span:    span,
	}
	call.cancel = func() { d.finishCall(call, nil, ErrRequestCancelled) }

	// The timer completes this call only, never a later one reusing the id.
	if err := d.pending.add(call, ttl, func() {
		d.logger.Debug("request_timed_out",
			slog.String("request_reply_id", id),
			slog.String("method", req.MethodName),
			slog.String("to", s.To))
		d.finishCall(call, nil, ErrRequestTimedOut)
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	d.metrics.RecordRequestSent(ctx)

	if err := d.router.Route(ctx, msg); err != nil {
		d.finishCall(call, nil, err)
		return nil, fmt.Errorf("failed to route request %s: %w", req.MethodName, err)
	}
	return call, nil
}

// finish completes the call pending under id and records its outcome. It
// returns nil when no such call is pending.
func (d *Dispatcher) finish(id string, response []any, err error) *Call {
	return d.recordOutcome(d.pending.complete(id, response, err), err)
}

func (d *Dispatcher) finishCall(call *Call, response []any, err error) *Call {
	return d.recordOutcome(d.pending.resolve(call, response, err), err)
}

func (d *Dispatcher) recordOutcome(call *Call, err error) *Call {
	if call == nil {
		return nil
	}

	outcome := "replied"
	switch {
	case err == nil:
	case errors.Is(err, ErrRequestTimedOut):
		outcome = "timeout"
	case errors.Is(err, ErrRequestCancelled):
		outcome = "cancelled"
	default:
		var perr *message.Error
		if !errors.As(err, &perr) {
			outcome = "failed"
		}
	}
	d.metrics.RecordRequestDone(context.Background(), outcome, time.Since(call.started))

	if call.span != nil {
		if err != nil {
			call.span.SetStatus(codes.Error, err.Error())
		}
		call.span.End()
	}
	return call
}

// SendOneWayRequest sends a request that has no reply.
func (d *Dispatcher) SendOneWayRequest(ctx context.Context, s Settings, req *message.OneWayRequest) error {
	return d.send(ctx, message.TypeOneWay, s, req)
}

// SendSubscriptionRequest sends an attribute subscription request. The
// subscription reply is delivered to the SubscriptionHandler.
func (d *Dispatcher) SendSubscriptionRequest(ctx context.Context, s Settings, req *message.SubscriptionRequest) error {
	return d.send(ctx, message.TypeSubscriptionRequest, s, req)
}

// SendBroadcastSubscriptionRequest sends a selective broadcast subscription request.
func (d *Dispatcher) SendBroadcastSubscriptionRequest(ctx context.Context, s Settings, req *message.BroadcastSubscriptionRequest) error {
	return d.send(ctx, message.TypeBroadcastSubscriptionRequest, s, req)
}

// SendMulticastSubscriptionRequest registers s.From as receiver of the
// multicast with the router and sends the subscription request to the
// provider.
func (d *Dispatcher) SendMulticastSubscriptionRequest(ctx context.Context, s Settings, req *message.MulticastSubscriptionRequest) error {
	if err := d.router.AddMulticastReceiver(req.MulticastID, s.From, s.To); err != nil {
		return fmt.Errorf("failed to add multicast receiver: %w", err)
	}
	if err := d.send(ctx, message.TypeMulticastSubscriptionRequest, s, req); err != nil {
		if rerr := d.router.RemoveMulticastReceiver(req.MulticastID, s.From, s.To); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// SendSubscriptionStop tells the provider to stop publishing.
func (d *Dispatcher) SendSubscriptionStop(ctx context.Context, s Settings, stop *message.SubscriptionStop) error {
	return d.send(ctx, message.TypeSubscriptionStop, s, stop)
}

// SendMulticastSubscriptionStop removes the multicast receiver and tells the
// provider to stop the subscription.
func (d *Dispatcher) SendMulticastSubscriptionStop(ctx context.Context, s Settings, multicastID string, stop *message.SubscriptionStop) error {
	var errs []error
	if err := d.router.RemoveMulticastReceiver(multicastID, s.From, s.To); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove multicast receiver: %w", err))
	}
	if err := d.send(ctx, message.TypeSubscriptionStop, s, stop); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SendSubscriptionReply answers a subscription request on the provider side.
func (d *Dispatcher) SendSubscriptionReply(ctx context.Context, s Settings, reply *message.SubscriptionReply) error {
	return d.send(ctx, message.TypeSubscriptionReply, s, reply)
}

// SendPublication sends a publication from a provider to one subscriber.
func (d *Dispatcher) SendPublication(ctx context.Context, s Settings, pub *message.Publication) error {
	return d.send(ctx, message.TypePublication, s, pub)
}

// SendMulticastPublication publishes to every subscriber of the multicast id.
func (d *Dispatcher) SendMulticastPublication(ctx context.Context, from string, qos message.MessagingQos, pub *message.MulticastPublication) error {
	return d.send(ctx, message.TypeMulticast, Settings{From: from, To: pub.MulticastID, Qos: qos}, pub)
}

func (d *Dispatcher) send(ctx context.Context, t message.Type, s Settings, payload any) error {
	if d.isClosed() {
		return ErrShutdown
	}
	msg, err := d.newMessage(t, s, payload, time.Now())
	if err != nil {
		return err
	}
	if err := d.router.Route(ctx, msg); err != nil {
		return fmt.Errorf("failed to route %s: %w", t, err)
	}
	return nil
}

func (d *Dispatcher) newMessage(t message.Type, s Settings, payload any, now time.Time) (*message.Message, error) {
	data, err := message.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	msg := message.New(t, s.From, s.To, now.Add(d.ttl(s.Qos)+d.cfg.TTLUplift), data)
	msg.IsLocalMessage = s.IsLocal
	msg.Compress = s.Qos.Compress
	if len(s.Qos.CustomHeaders) > 0 {
		msg.CustomHeaders = maps.Clone(s.Qos.CustomHeaders)
	}
	return msg, nil
}

func (d *Dispatcher) ttl(q message.MessagingQos) time.Duration {
	if q.TTL > 0 {
		return q.TTL
	}
	return d.cfg.DefaultTTL
}

// HandleUndeliverable fails whatever waits for a message the router could
// not deliver: the pending request, or the subscription awaiting its reply.
func (d *Dispatcher) HandleUndeliverable(msg *message.Message, err error) {
	switch msg.Type {
	case message.TypeRequest:
		req, derr := message.DecodePayload[message.Request](msg)
		if derr != nil {
			return
		}
		d.finish(req.RequestReplyID, nil, err)

	case message.TypeSubscriptionRequest, message.TypeBroadcastSubscriptionRequest, message.TypeMulticastSubscriptionRequest:
		// All three payloads carry the subscription id under the same key.
		req, derr := message.DecodePayload[message.SubscriptionStop](msg)
		if derr != nil {
			return
		}
		h := d.subscriptions()
		if h == nil {
			return
		}
		h.HandleSubscriptionReply(context.Background(), &message.SubscriptionReply{
			SubscriptionID: req.SubscriptionID,
			Error:          message.NewError(message.SubscriptionException, err.Error()),
		})

	default:
		d.logger.Debug("undeliverable_message_dropped",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type.String()),
			slog.String("error", err.Error()))
	}
}

// Pending returns the number of requests awaiting replies.
func (d *Dispatcher) Pending() int {
	return d.pending.count()
}

// Close fails every pending request with ErrShutdown and waits for running
// provider invocations.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, c := range d.pending.clear(ErrShutdown) {
		d.metrics.RecordRequestDone(context.Background(), "failed", time.Since(c.started))
		if c.span != nil {
			c.span.End()
		}
	}
	d.inflight.Wait()
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
