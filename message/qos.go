// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"time"
)

const (
	// MinPeriod is the shortest allowed publication period.
	MinPeriod = 50 * time.Millisecond
	// NoExpiryDate marks a subscription that never expires.
	NoExpiryDate int64 = 0
)

// SubscriptionQos describes how publications for a subscription are produced
// and when the subscription ends. Durations travel as milliseconds.
type SubscriptionQos struct {
	ExpiryDateMs         int64 `json:"expiryDateMs"`
	PublicationTTLMs     int64 `json:"publicationTtlMs,omitempty"`
	MinIntervalMs        int64 `json:"minIntervalMs,omitempty"`
	MaxIntervalMs        int64 `json:"maxIntervalMs,omitempty"`
	PeriodMs             int64 `json:"periodMs,omitempty"`
	AlertAfterIntervalMs int64 `json:"alertAfterIntervalMs,omitempty"`
}

// ExpiryDate returns the absolute expiry, or the zero time when the
// subscription never expires.
func (q SubscriptionQos) ExpiryDate() time.Time {
	if q.ExpiryDateMs == NoExpiryDate {
		return time.Time{}
	}
	return time.UnixMilli(q.ExpiryDateMs)
}

// AlertAfterInterval is the missed-publication interval, zero when disabled.
func (q SubscriptionQos) AlertAfterInterval() time.Duration {
	return time.Duration(q.AlertAfterIntervalMs) * time.Millisecond
}

func expiryFromValidity(validity time.Duration) int64 {
	if validity <= 0 {
		return NoExpiryDate
	}
	return time.Now().Add(validity).UnixMilli()
}

// PeriodicQos publishes every period. alertAfter is zero or at least period.
func PeriodicQos(period, alertAfter, validity time.Duration) (SubscriptionQos, error) {
	if period < MinPeriod {
		return SubscriptionQos{}, fmt.Errorf("%w: period %s below %s", ErrInvalidQos, period, MinPeriod)
	}
	if alertAfter != 0 && alertAfter < period {
		return SubscriptionQos{}, fmt.Errorf("%w: alert after interval %s below period %s", ErrInvalidQos, alertAfter, period)
	}
	return SubscriptionQos{
		ExpiryDateMs:         expiryFromValidity(validity),
		PublicationTTLMs:     DefaultTTL.Milliseconds(),
		PeriodMs:             period.Milliseconds(),
		AlertAfterIntervalMs: alertAfter.Milliseconds(),
	}, nil
}

// OnChangeQos publishes on every change, at most once per minInterval.
func OnChangeQos(minInterval, validity time.Duration) (SubscriptionQos, error) {
	if minInterval < 0 {
		return SubscriptionQos{}, fmt.Errorf("%w: negative min interval", ErrInvalidQos)
	}
	return SubscriptionQos{
		ExpiryDateMs:     expiryFromValidity(validity),
		PublicationTTLMs: DefaultTTL.Milliseconds(),
		MinIntervalMs:    minInterval.Milliseconds(),
	}, nil
}

// OnChangeWithKeepAliveQos publishes on change and at least every maxInterval.
func OnChangeWithKeepAliveQos(minInterval, maxInterval, alertAfter, validity time.Duration) (SubscriptionQos, error) {
	if minInterval < 0 {
		return SubscriptionQos{}, fmt.Errorf("%w: negative min interval", ErrInvalidQos)
	}
	if maxInterval < minInterval {
		return SubscriptionQos{}, fmt.Errorf("%w: max interval %s below min interval %s", ErrInvalidQos, maxInterval, minInterval)
	}
	if alertAfter != 0 && alertAfter < maxInterval {
		return SubscriptionQos{}, fmt.Errorf("%w: alert after interval %s below max interval %s", ErrInvalidQos, alertAfter, maxInterval)
	}
	return SubscriptionQos{
		ExpiryDateMs:         expiryFromValidity(validity),
		PublicationTTLMs:     DefaultTTL.Milliseconds(),
		MinIntervalMs:        minInterval.Milliseconds(),
		MaxIntervalMs:        maxInterval.Milliseconds(),
		AlertAfterIntervalMs: alertAfter.Milliseconds(),
	}, nil
}

// MulticastQos is used for non-selective broadcasts.
func MulticastQos(validity time.Duration) SubscriptionQos {
	return SubscriptionQos{
		ExpiryDateMs:     expiryFromValidity(validity),
		PublicationTTLMs: DefaultTTL.Milliseconds(),
	}
}
