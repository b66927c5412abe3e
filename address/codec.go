// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"encoding/json"
	"errors"
	"fmt"
)

const typeNamePrefix = "joynr.system.RoutingTypes."

var (
	// ErrUnknownType is returned when decoding an address with an unknown discriminator.
	ErrUnknownType = errors.New("unknown address type")
	// ErrNilAddress is returned when encoding a nil address.
	ErrNilAddress = errors.New("nil address")
)

type wireAddress struct {
	TypeName    string `json:"_typeName"`
	BrokerURI   string `json:"brokerUri,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Path        string `json:"path,omitempty"`
	ID          string `json:"id,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	EndpointURL string `json:"messagingEndpointUrl,omitempty"`
	Ref         string `json:"skeletonRef,omitempty"`
	WindowID    string `json:"windowId,omitempty"`
}

// Marshal encodes an address with its type discriminator.
func Marshal(a Address) ([]byte, error) {
	if a == nil {
		return nil, ErrNilAddress
	}

	w := wireAddress{TypeName: typeNamePrefix + string(a.Kind())}
	switch v := a.(type) {
	case Mqtt:
		w.BrokerURI, w.Topic = v.BrokerURI, v.Topic
	case WebSocket:
		w.Protocol, w.Host, w.Port, w.Path = v.Protocol, v.Host, v.Port, v.Path
	case WebSocketClient:
		w.ID = v.ID
	case Channel:
		w.ChannelID, w.EndpointURL = v.ChannelID, v.EndpointURL
	case InProcess:
		w.Ref = v.Ref
	case Browser:
		w.WindowID = v.WindowID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, a)
	}
	return json.Marshal(w)
}

// Unmarshal decodes an address produced by Marshal.
func Unmarshal(data []byte) (Address, error) {
	var w wireAddress
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}

	if len(w.TypeName) <= len(typeNamePrefix) || w.TypeName[:len(typeNamePrefix)] != typeNamePrefix {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.TypeName)
	}

	switch Kind(w.TypeName[len(typeNamePrefix):]) {
	case KindMqtt:
		return Mqtt{BrokerURI: w.BrokerURI, Topic: w.Topic}, nil
	case KindWebSocket:
		return WebSocket{Protocol: w.Protocol, Host: w.Host, Port: w.Port, Path: w.Path}, nil
	case KindWebSocketClient:
		return WebSocketClient{ID: w.ID}, nil
	case KindChannel:
		return Channel{ChannelID: w.ChannelID, EndpointURL: w.EndpointURL}, nil
	case KindInProcess:
		return InProcess{Ref: w.Ref}, nil
	case KindBrowser:
		return Browser{WindowID: w.WindowID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.TypeName)
	}
}
