// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"maps"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/google/uuid"
)

// Type is the kind of a message envelope.
type Type string

const (
	TypeRequest                      Type = "rq"
	TypeReply                        Type = "rp"
	TypeOneWay                       Type = "oneWay"
	TypeSubscriptionRequest          Type = "srq"
	TypeMulticastSubscriptionRequest Type = "mrq"
	TypeBroadcastSubscriptionRequest Type = "brq"
	TypeSubscriptionReply            Type = "srp"
	TypeSubscriptionStop             Type = "sst"
	TypePublication                  Type = "p"
	TypeMulticast                    Type = "m"
)

// RequiresReplyTo reports whether messages of this type expect an answer and
// therefore carry a reply-to address.
func (t Type) RequiresReplyTo() bool {
	switch t {
	case TypeRequest, TypeSubscriptionRequest, TypeBroadcastSubscriptionRequest, TypeMulticastSubscriptionRequest:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeReply:
		return "Reply"
	case TypeOneWay:
		return "OneWay"
	case TypeSubscriptionRequest:
		return "SubscriptionRequest"
	case TypeMulticastSubscriptionRequest:
		return "MulticastSubscriptionRequest"
	case TypeBroadcastSubscriptionRequest:
		return "BroadcastSubscriptionRequest"
	case TypeSubscriptionReply:
		return "SubscriptionReply"
	case TypeSubscriptionStop:
		return "SubscriptionStop"
	case TypePublication:
		return "Publication"
	case TypeMulticast:
		return "Multicast"
	default:
		return string(t)
	}
}

// Message is the envelope exchanged between participants.
type Message struct {
	ID   string
	Type Type
	From string
	// To is the recipient participant id, or the multicast id for Multicast messages.
	To         string
	ExpiryDate time.Time
	// ReplyTo is set for request-bearing types only.
	ReplyTo address.Address
	// IsReceivedFromGlobal is set by skeletons of non-local transports.
	IsReceivedFromGlobal bool
	// IsLocalMessage marks messages whose recipient was discovered as local.
	IsLocalMessage bool
	Compress       bool
	CustomHeaders  map[string]string
	Payload        []byte
}

// New creates a message with a fresh id.
func New(t Type, from, to string, expiry time.Time, payload []byte) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       t,
		From:       from,
		To:         to,
		ExpiryDate: expiry,
		Payload:    payload,
	}
}

// Expired reports whether the message deadline has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiryDate.IsZero() && now.After(m.ExpiryDate)
}

// Clone returns a copy that can be mutated independently of m.
// The payload is shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.CustomHeaders != nil {
		c.CustomHeaders = maps.Clone(m.CustomHeaders)
	}
	return &c
}

// MessagingQos controls how a single message is sent.
type MessagingQos struct {
	TTL           time.Duration
	Compress      bool
	CustomHeaders map[string]string
}

// DefaultTTL applies when MessagingQos.TTL is not set.
const DefaultTTL = 60 * time.Second

// EffectiveTTL returns the configured TTL or DefaultTTL.
func (q MessagingQos) EffectiveTTL() time.Duration {
	if q.TTL <= 0 {
		return DefaultTTL
	}
	return q.TTL
}
