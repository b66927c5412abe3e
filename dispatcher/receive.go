// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
)

var _ messaging.Receiver = (*Dispatcher)(nil)

// RequestCaller invokes methods on a registered provider.
type RequestCaller interface {
	Invoke(ctx context.Context, methodName string, paramDatatypes []string, params []any) ([]any, error)
}

// RequestCallerFunc adapts a function to the RequestCaller interface.
type RequestCallerFunc func(ctx context.Context, methodName string, paramDatatypes []string, params []any) ([]any, error)

func (f RequestCallerFunc) Invoke(ctx context.Context, methodName string, paramDatatypes []string, params []any) ([]any, error) {
	return f(ctx, methodName, paramDatatypes, params)
}

// SubscriptionHandler receives the subscription traffic addressed to
// proxies in this runtime.
type SubscriptionHandler interface {
	HandleSubscriptionReply(ctx context.Context, reply *message.SubscriptionReply)
	HandlePublication(ctx context.Context, pub *message.Publication)
	HandleMulticastPublication(ctx context.Context, pub *message.MulticastPublication)
}

// PublicationHandler receives the subscription traffic addressed to
// providers in this runtime. from is the subscriber, to the provider.
type PublicationHandler interface {
	HandleSubscriptionRequest(ctx context.Context, from, to string, req *message.SubscriptionRequest)
	HandleBroadcastSubscriptionRequest(ctx context.Context, from, to string, req *message.BroadcastSubscriptionRequest)
	HandleMulticastSubscriptionRequest(ctx context.Context, from, to string, req *message.MulticastSubscriptionRequest)
	HandleSubscriptionStop(ctx context.Context, from, to string, stop *message.SubscriptionStop)
}

// AddRequestCaller registers the provider answering requests sent to participantID.
func (d *Dispatcher) AddRequestCaller(participantID string, c RequestCaller) {
	d.mu.Lock()
	d.callers[participantID] = c
	d.mu.Unlock()
}

func (d *Dispatcher) RemoveRequestCaller(participantID string) {
	d.mu.Lock()
	delete(d.callers, participantID)
	d.mu.Unlock()
}

func (d *Dispatcher) SetSubscriptionHandler(h SubscriptionHandler) {
	d.mu.Lock()
	d.subscriptionHandler = h
	d.mu.Unlock()
}

func (d *Dispatcher) SetPublicationHandler(h PublicationHandler) {
	d.mu.Lock()
	d.publicationHandler = h
	d.mu.Unlock()
}

func (d *Dispatcher) caller(participantID string) (RequestCaller, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.callers[participantID]
	return c, ok
}

func (d *Dispatcher) subscriptions() SubscriptionHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subscriptionHandler
}

func (d *Dispatcher) publications() PublicationHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.publicationHandler
}

// Receive handles a message delivered to a participant of this runtime.
// Provider invocations run on their own goroutine, bounded by the request
// expiry.
func (d *Dispatcher) Receive(ctx context.Context, msg *message.Message) error {
	if d.isClosed() {
		return ErrShutdown
	}
	if msg.Expired(time.Now()) {
		d.logger.Warn("received_message_expired",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type.String()))
		return nil
	}

	switch msg.Type {
	case message.TypeRequest:
		req, err := message.DecodePayload[message.Request](msg)
		if err != nil {
			return err
		}
		d.spawn(ctx, msg, func(ctx context.Context) { d.handleRequest(ctx, msg, req) })

	case message.TypeOneWay:
		req, err := message.DecodePayload[message.OneWayRequest](msg)
		if err != nil {
			return err
		}
		d.spawn(ctx, msg, func(ctx context.Context) { d.handleOneWay(ctx, msg, req) })

	case message.TypeReply:
		reply, err := message.DecodePayload[message.Reply](msg)
		if err != nil {
			return err
		}
		d.handleReply(reply)

	case message.TypeSubscriptionReply:
		reply, err := message.DecodePayload[message.SubscriptionReply](msg)
		if err != nil {
			return err
		}
		if h := d.subscriptions(); h != nil {
			h.HandleSubscriptionReply(ctx, reply)
		}

	case message.TypePublication:
		pub, err := message.DecodePayload[message.Publication](msg)
		if err != nil {
			return err
		}
		if h := d.subscriptions(); h != nil {
			h.HandlePublication(ctx, pub)
		}

	case message.TypeMulticast:
		pub, err := message.DecodePayload[message.MulticastPublication](msg)
		if err != nil {
			return err
		}
		if h := d.subscriptions(); h != nil {
			h.HandleMulticastPublication(ctx, pub)
		}

	case message.TypeSubscriptionRequest, message.TypeBroadcastSubscriptionRequest,
		message.TypeMulticastSubscriptionRequest, message.TypeSubscriptionStop:
		return d.handleSubscriptionMessage(ctx, msg)

	default:
		return fmt.Errorf("%w: unknown type %q", message.ErrInvalidMessage, msg.Type)
	}
	return nil
}

func (d *Dispatcher) handleReply(reply *message.Reply) {
	if err := reply.Validate(); err != nil {
		d.logger.Warn("invalid_reply", slog.String("error", err.Error()))
		return
	}

	var err error
	if reply.Error != nil {
		err = reply.Error
	}
	if call := d.finish(reply.RequestReplyID, reply.Response, err); call == nil {
		d.logger.Debug("reply_discarded",
			slog.String("request_reply_id", reply.RequestReplyID))
	}
}

// spawn runs fn detached from the transport's context, with the message
// expiry as deadline. Nothing is started once Close began waiting.
func (d *Dispatcher) spawn(ctx context.Context, msg *message.Message, fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("message_dropped_on_shutdown",
			slog.String("message_id", msg.ID),
			slog.String("type", msg.Type.String()))
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()

		ctx := context.WithoutCancel(ctx)
		if !msg.ExpiryDate.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, msg.ExpiryDate)
			defer cancel()
		}
		fn(ctx)
	}()
}

func (d *Dispatcher) handleRequest(ctx context.Context, msg *message.Message, req *message.Request) {
	var reply *message.Reply
	var err error

	c, ok := d.caller(msg.To)
	if !ok {
		reply, err = message.NewReply(req.RequestReplyID, nil,
			message.NewError(message.MethodInvocationException, fmt.Sprintf("%s: %s", ErrNoProvider, msg.To)))
	} else {
		response, ierr := c.Invoke(ctx, req.MethodName, req.ParamDatatypes, req.Params)
		switch {
		case ierr != nil:
			reply, err = message.NewReply(req.RequestReplyID, nil, message.AsError(ierr))
		case response == nil:
			reply, err = message.NewReply(req.RequestReplyID, []any{}, nil)
		default:
			reply, err = message.NewReply(req.RequestReplyID, response, nil)
		}
	}
	if err != nil {
		d.logger.Error("failed to build reply",
			slog.String("request_reply_id", req.RequestReplyID),
			slog.String("error", err.Error()))
		return
	}

	data, err := message.EncodePayload(reply)
	if err != nil {
		d.logger.Error("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	out := message.New(message.TypeReply, msg.To, msg.From, msg.ExpiryDate, data)
	out.Compress = msg.Compress

	if err := d.router.Route(ctx, out); err != nil {
		d.logger.Warn("reply_route_failed",
			slog.String("request_reply_id", req.RequestReplyID),
			slog.String("to", msg.From),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) handleOneWay(ctx context.Context, msg *message.Message, req *message.OneWayRequest) {
	c, ok := d.caller(msg.To)
	if !ok {
		d.logger.Warn("one_way_request_dropped",
			slog.String("to", msg.To),
			slog.String("method", req.MethodName),
			slog.String("error", ErrNoProvider.Error()))
		return
	}
	if _, err := c.Invoke(ctx, req.MethodName, req.ParamDatatypes, req.Params); err != nil {
		d.logger.Warn("one_way_request_failed",
			slog.String("to", msg.To),
			slog.String("method", req.MethodName),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) handleSubscriptionMessage(ctx context.Context, msg *message.Message) error {
	h := d.publications()
	if h == nil {
		d.logger.Warn("no_publication_handler",
			slog.String("type", msg.Type.String()),
			slog.String("to", msg.To))
		return nil
	}

	switch msg.Type {
	case message.TypeSubscriptionRequest:
		req, err := message.DecodePayload[message.SubscriptionRequest](msg)
		if err != nil {
			return err
		}
		h.HandleSubscriptionRequest(ctx, msg.From, msg.To, req)
	case message.TypeBroadcastSubscriptionRequest:
		req, err := message.DecodePayload[message.BroadcastSubscriptionRequest](msg)
		if err != nil {
			return err
		}
		h.HandleBroadcastSubscriptionRequest(ctx, msg.From, msg.To, req)
	case message.TypeMulticastSubscriptionRequest:
		req, err := message.DecodePayload[message.MulticastSubscriptionRequest](msg)
		if err != nil {
			return err
		}
		h.HandleMulticastSubscriptionRequest(ctx, msg.From, msg.To, req)
	case message.TypeSubscriptionStop:
		stop, err := message.DecodePayload[message.SubscriptionStop](msg)
		if err != nil {
			return err
		}
		h.HandleSubscriptionStop(ctx, msg.From, msg.To, stop)
	}
	return nil
}
