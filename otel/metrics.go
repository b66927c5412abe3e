// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of a runtime. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	meter metric.Meter

	messagesRouted       metric.Int64Counter
	messagesQueued       metric.Int64Counter
	messagesDropped      metric.Int64Counter
	requestsSent         metric.Int64Counter
	requestsFailed       metric.Int64Counter
	publicationsReceived metric.Int64Counter
	publicationsMissed   metric.Int64Counter
	arbitrations         metric.Int64Counter

	pendingRequests     metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter

	requestDuration     metric.Float64Histogram
	arbitrationDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxrpc"),
	}

	var err error

	m.messagesRouted, err = m.meter.Int64Counter(
		"fluxrpc.messages.routed.total",
		metric.WithDescription("Messages handed to a transport stub"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesRouted counter: %w", err)
	}

	m.messagesQueued, err = m.meter.Int64Counter(
		"fluxrpc.messages.queued.total",
		metric.WithDescription("Messages queued for participants without a known address"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesQueued counter: %w", err)
	}

	m.messagesDropped, err = m.meter.Int64Counter(
		"fluxrpc.messages.dropped.total",
		metric.WithDescription("Messages dropped by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDropped counter: %w", err)
	}

	m.requestsSent, err = m.meter.Int64Counter(
		"fluxrpc.requests.sent.total",
		metric.WithDescription("Requests sent by proxies"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsSent counter: %w", err)
	}

	m.requestsFailed, err = m.meter.Int64Counter(
		"fluxrpc.requests.failed.total",
		metric.WithDescription("Requests that ended without a reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsFailed counter: %w", err)
	}

	m.publicationsReceived, err = m.meter.Int64Counter(
		"fluxrpc.publications.received.total",
		metric.WithDescription("Publications delivered to subscription listeners"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publicationsReceived counter: %w", err)
	}

	m.publicationsMissed, err = m.meter.Int64Counter(
		"fluxrpc.publications.missed.total",
		metric.WithDescription("Missed publication alerts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publicationsMissed counter: %w", err)
	}

	m.arbitrations, err = m.meter.Int64Counter(
		"fluxrpc.arbitrations.total",
		metric.WithDescription("Arbitrations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create arbitrations counter: %w", err)
	}

	m.pendingRequests, err = m.meter.Int64UpDownCounter(
		"fluxrpc.requests.pending",
		metric.WithDescription("Requests awaiting a reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingRequests gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"fluxrpc.subscriptions.active",
		metric.WithDescription("Subscriptions in the active state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"fluxrpc.request.duration.ms",
		metric.WithDescription("Time from sending a request to its outcome"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	m.arbitrationDuration, err = m.meter.Float64Histogram(
		"fluxrpc.arbitration.duration.ms",
		metric.WithDescription("Time spent arbitrating a provider"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create arbitrationDuration histogram: %w", err)
	}

	return m, nil
}

// RecordRouted records a message handed to a stub of the given address kind.
func (m *Metrics) RecordRouted(ctx context.Context, msgType, kind string) {
	if m == nil {
		return
	}
	m.messagesRouted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("transport", kind),
	))
}

func (m *Metrics) RecordQueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesQueued.Add(ctx, 1)
}

// RecordDropped records a dropped message, reason is e.g. "expired" or "no_route".
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordRequestSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.requestsSent.Add(ctx, 1)
	m.pendingRequests.Add(ctx, 1)
}

// RecordRequestDone records the outcome of a request: "replied", "timeout",
// "cancelled" or "failed".
func (m *Metrics) RecordRequestDone(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pendingRequests.Add(ctx, -1)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if outcome != "replied" {
		m.requestsFailed.Add(ctx, 1, attrs)
	}
	m.requestDuration.Record(ctx, float64(d.Microseconds())/1000.0, attrs)
}

func (m *Metrics) RecordPublication(ctx context.Context) {
	if m == nil {
		return
	}
	m.publicationsReceived.Add(ctx, 1)
}

func (m *Metrics) RecordPublicationMissed(ctx context.Context) {
	if m == nil {
		return
	}
	m.publicationsMissed.Add(ctx, 1)
}

// RecordSubscriptionActive adjusts the active subscription gauge by delta.
func (m *Metrics) RecordSubscriptionActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(ctx, delta)
}

// RecordArbitration records an arbitration outcome, "success" or "failure".
func (m *Metrics) RecordArbitration(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.arbitrations.Add(ctx, 1, attrs)
	m.arbitrationDuration.Record(ctx, float64(d.Microseconds())/1000.0, attrs)
}
