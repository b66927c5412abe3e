// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"
)

// Request invokes a method on a provider.
type Request struct {
	RequestReplyID string   `json:"requestReplyId"`
	MethodName     string   `json:"methodName"`
	ParamDatatypes []string `json:"paramDatatypes,omitempty"`
	Params         []any    `json:"params,omitempty"`
}

// OneWayRequest invokes a method without expecting a reply.
type OneWayRequest struct {
	MethodName     string   `json:"methodName"`
	ParamDatatypes []string `json:"paramDatatypes,omitempty"`
	Params         []any    `json:"params,omitempty"`
}

// Reply answers a Request. Exactly one of Response and Error is set.
type Reply struct {
	RequestReplyID string `json:"requestReplyId"`
	Response       []any  `json:"response"`
	Error          *Error `json:"error,omitempty"`
}

// NewReply builds a Reply, rejecting replies with both or neither of
// response and error. A void method answers with an empty, non-nil response.
func NewReply(requestReplyID string, response []any, replyErr *Error) (*Reply, error) {
	r := &Reply{
		RequestReplyID: requestReplyID,
		Response:       response,
		Error:          replyErr,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the exactly-one-of rule and the correlation id.
func (r *Reply) Validate() error {
	if r.RequestReplyID == "" {
		return fmt.Errorf("%w: missing request reply id", ErrInvalidReply)
	}
	hasResponse := r.Response != nil
	hasError := r.Error != nil
	switch {
	case hasResponse && hasError:
		return fmt.Errorf("%w: both response and error set", ErrInvalidReply)
	case !hasResponse && !hasError:
		return fmt.Errorf("%w: neither response nor error set", ErrInvalidReply)
	}
	return nil
}

// SubscriptionRequest subscribes to an attribute.
type SubscriptionRequest struct {
	SubscriptionID   string          `json:"subscriptionId"`
	SubscribedToName string          `json:"subscribedToName"`
	Qos              SubscriptionQos `json:"qos"`
}

// BroadcastSubscriptionRequest subscribes to a selective broadcast.
type BroadcastSubscriptionRequest struct {
	SubscriptionID   string            `json:"subscriptionId"`
	SubscribedToName string            `json:"subscribedToName"`
	Qos              SubscriptionQos   `json:"qos"`
	FilterParameters map[string]string `json:"filterParameters,omitempty"`
}

// MulticastSubscriptionRequest subscribes to a non-selective broadcast
// published under a multicast id.
type MulticastSubscriptionRequest struct {
	SubscriptionID   string          `json:"subscriptionId"`
	SubscribedToName string          `json:"subscribedToName"`
	MulticastID      string          `json:"multicastId"`
	Qos              SubscriptionQos `json:"qos"`
}

// SubscriptionReply confirms or rejects a subscription request.
type SubscriptionReply struct {
	SubscriptionID string `json:"subscriptionId"`
	Error          *Error `json:"error,omitempty"`
}

// SubscriptionStop ends a subscription.
type SubscriptionStop struct {
	SubscriptionID string `json:"subscriptionId"`
}

// Publication carries an attribute value or broadcast for one subscription.
type Publication struct {
	SubscriptionID string `json:"subscriptionId"`
	Response       []any  `json:"response,omitempty"`
	Error          *Error `json:"error,omitempty"`
}

// MulticastPublication carries a broadcast to every subscriber of a multicast id.
type MulticastPublication struct {
	MulticastID string `json:"multicastId"`
	Response    []any  `json:"response,omitempty"`
	Error       *Error `json:"error,omitempty"`
}

// EncodePayload serialises a payload value.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserialises the payload of m into a new T.
func DecodePayload[T any](m *Message) (*T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, m.Type, err)
	}
	return &v, nil
}
