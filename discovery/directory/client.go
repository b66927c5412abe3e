// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxrpc/discovery"
	"github.com/sony/gobreaker"
)

var ErrUnavailable = errors.New("global directory unavailable")

var _ discovery.GlobalDirectory = (*Client)(nil)

// ClientConfig configures the directory client.
type ClientConfig struct {
	// Timeout bounds each call.
	Timeout          time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Client talks to a directory server. Calls go through a circuit breaker;
// while it is open, calls fail fast with ErrUnavailable.
type Client struct {
	add     *connect.Client[AddRequest, Empty]
	lookup  *connect.Client[LookupRequest, LookupResponse]
	remove  *connect.Client[RemoveRequest, Empty]
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client for the server at baseURL. httpClient may be nil.
func NewClient(baseURL string, cfg ClientConfig, httpClient connect.HTTPClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	codec := connect.WithCodec(jsonCodec{})

	threshold := uint32(cfg.FailureThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejections by a healthy server do not count against it.
		IsSuccessful: func(err error) bool {
			switch connect.CodeOf(err) {
			case connect.CodeNotFound, connect.CodeInvalidArgument:
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("directory circuit breaker state changed",
				slog.String("directory", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Client{
		add:     connect.NewClient[AddRequest, Empty](httpClient, baseURL+AddProcedure, codec),
		lookup:  connect.NewClient[LookupRequest, LookupResponse](httpClient, baseURL+LookupProcedure, codec),
		remove:  connect.NewClient[RemoveRequest, Empty](httpClient, baseURL+RemoveProcedure, codec),
		breaker: breaker,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (c *Client) Add(ctx context.Context, e discovery.Entry) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.add.CallUnary(ctx, connect.NewRequest(&AddRequest{Entry: e}))
		return err
	})
}

func (c *Client) Lookup(ctx context.Context, domains []string, interfaceName string) ([]discovery.Entry, error) {
	var entries []discovery.Entry
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.lookup.CallUnary(ctx, connect.NewRequest(&LookupRequest{
			Domains:       domains,
			InterfaceName: interfaceName,
		}))
		if err != nil {
			return err
		}
		entries = resp.Msg.Entries
		return nil
	})
	return entries, err
}

func (c *Client) Remove(ctx context.Context, participantID string) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.remove.CallUnary(ctx, connect.NewRequest(&RemoveRequest{ParticipantID: participantID}))
		return err
	})
}

func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case connect.CodeOf(err) == connect.CodeNotFound:
		return fmt.Errorf("%w: %w", discovery.ErrNotFound, err)
	case connect.CodeOf(err) == connect.CodeInvalidArgument:
		return fmt.Errorf("%w: %w", discovery.ErrInvalidEntry, err)
	}
	return err
}
