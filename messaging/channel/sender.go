// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

var ErrEndpointUnavailable = errors.New("channel endpoint unavailable")

// BreakerConfig configures the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Sender posts messages to channel endpoints. Each endpoint host has its own
// circuit breaker so one unreachable bounce proxy does not slow others down.
type Sender struct {
	client  *http.Client
	breaker BreakerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSender creates a sender with the given request timeout.
func NewSender(timeout time.Duration, breaker BreakerConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if breaker.FailureThreshold <= 0 {
		breaker.FailureThreshold = 5
	}
	if breaker.ResetTimeout <= 0 {
		breaker.ResetTimeout = time.Minute
	}
	return &Sender{
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *Sender) breakerFor(host string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb
	}
	threshold := uint32(s.breaker.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     s.breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("channel circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	s.breakers[host] = cb
	return cb
}

// Send posts payload to target.
func (s *Sender) Send(ctx context.Context, target string, payload []byte) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid channel url %q: %w", target, err)
	}

	_, err = s.breakerFor(u.Host).Execute(func() (interface{}, error) {
		return nil, s.post(ctx, target, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrEndpointUnavailable, u.Host, err)
	}
	return err
}

func (s *Sender) post(ctx context.Context, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("channel endpoint returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
