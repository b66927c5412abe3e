// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxrpc/message"
)

var (
	ErrSubscription    = errors.New("subscription failed")
	ErrNotFound        = errors.New("subscription not found")
	ErrInvalidRequest  = errors.New("invalid subscription request")
	ErrAlreadyExpired  = errors.New("subscription expiry date in the past")
	ErrReplyTimedOut   = errors.New("no subscription reply received")
	ErrManagerClosed   = errors.New("subscription manager closed")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Error is a subscription rejected by the provider or undeliverable.
type Error struct {
	SubscriptionID string
	Err            *message.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSubscription, e.SubscriptionID, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == ErrSubscription
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PublicationMissedError is passed to Listener.OnError once per alert
// interval without a publication. The subscription stays active.
type PublicationMissedError struct {
	SubscriptionID  string
	LastPublication time.Time
	// Missed counts consecutive missed intervals.
	Missed int
}

func (e *PublicationMissedError) Error() string {
	return fmt.Sprintf("%s: %s, last publication at %s",
		message.PublicationMissedException, e.SubscriptionID, e.LastPublication.Format(time.RFC3339Nano))
}
