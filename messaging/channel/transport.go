// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the legacy HTTP long-poll transport. Messages
// are posted to a channel on a bounce proxy and the owner of the channel
// fetches them with long-poll requests.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
	"golang.org/x/time/rate"
)

// MessageURL is where messages for a channel are posted.
func MessageURL(a address.Channel) string {
	return ChannelURL(a) + "message/"
}

// ChannelURL is where the owner of a channel polls.
func ChannelURL(a address.Channel) string {
	return strings.TrimSuffix(a.EndpointURL, "/") + "/channels/" + a.ChannelID + "/"
}

type Config struct {
	Local       address.Channel
	PollTimeout time.Duration
	// PollRate bounds long-poll requests per second, so an endpoint that
	// answers immediately is not hammered.
	PollRate    float64
	SendTimeout time.Duration
	Breaker     BreakerConfig
}

var (
	_ messaging.StubBuilder = (*Transport)(nil)
	_ messaging.Skeleton    = (*Transport)(nil)
)

// Transport posts to remote channels and long-polls the local one.
type Transport struct {
	cfg      Config
	sender   *Sender
	poller   *http.Client
	limiter  *rate.Limiter
	receiver messaging.Receiver
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a channel transport.
func New(cfg Config, receiver messaging.Receiver, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = 10
	}
	return &Transport{
		cfg:      cfg,
		sender:   NewSender(cfg.SendTimeout, cfg.Breaker, logger),
		poller:   &http.Client{Timeout: cfg.PollTimeout + 5*time.Second},
		limiter:  rate.NewLimiter(rate.Limit(cfg.PollRate), 1),
		receiver: receiver,
		logger:   logger,
	}
}

// ReplyAddress is the local channel.
func (t *Transport) ReplyAddress() address.Channel {
	return t.cfg.Local
}

// Start begins polling the local channel until Close or ctx is done.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.pollLoop(ctx, t.done)
	return nil
}

func (t *Transport) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	url := ChannelURL(t.cfg.Local)
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}
		msgs, err := t.poll(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Debug("channel_poll_failed",
				slog.String("url", url),
				slog.String("error", err.Error()))
			continue
		}
		for _, msg := range msgs {
			msg.IsReceivedFromGlobal = true
			if err := t.receiver.Receive(ctx, msg); err != nil {
				t.logger.Debug("channel_message_receive_failed",
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (t *Transport) poll(ctx context.Context, url string) ([]*message.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.poller.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected poll status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid poll response: %w", err)
	}

	msgs := make([]*message.Message, 0, len(raw))
	for _, r := range raw {
		msg, err := message.Decode(r)
		if err != nil {
			t.logger.Warn("channel_message_decode_failed", slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (t *Transport) Build(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidAddress, addr.Kind())
	}
	target := MessageURL(a)
	return messaging.StubFunc(func(ctx context.Context, msg *message.Message) error {
		data, err := message.Encode(msg)
		if err != nil {
			return err
		}
		return t.sender.Send(ctx, target, data)
	}), nil
}

// Channels have no multicast support; multicasts travel over MQTT.
func (t *Transport) RegisterMulticastSubscription(string) error   { return nil }
func (t *Transport) UnregisterMulticastSubscription(string) error { return nil }

// Close stops polling.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
