// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package address defines the endpoints a participant can be reached at.
//
// An Address is a closed set of value types, one per transport kind. Values
// are immutable and compare structurally, so two addresses are equal when
// they have the same kind and the same fields.
package address

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Kind identifies the transport an address belongs to.
type Kind string

const (
	KindMqtt            Kind = "MqttAddress"
	KindWebSocket       Kind = "WebSocketAddress"
	KindWebSocketClient Kind = "WebSocketClientAddress"
	KindChannel         Kind = "ChannelAddress"
	KindInProcess       Kind = "InProcessAddress"
	KindBrowser         Kind = "BrowserAddress"
)

// Kinds lists every supported address kind.
var Kinds = []Kind{
	KindMqtt,
	KindWebSocket,
	KindWebSocketClient,
	KindChannel,
	KindInProcess,
	KindBrowser,
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	for _, kind := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Address is implemented by every endpoint variant.
type Address interface {
	Kind() Kind
	String() string
}

// Mqtt is a topic on an MQTT broker.
type Mqtt struct {
	BrokerURI string
	Topic     string
}

func (Mqtt) Kind() Kind { return KindMqtt }

func (a Mqtt) String() string { return a.BrokerURI + "/" + a.Topic }

// WebSocket is a WebSocket server endpoint.
type WebSocket struct {
	Protocol string // ws or wss
	Host     string
	Port     int
	Path     string
}

func (WebSocket) Kind() Kind { return KindWebSocket }

// URL returns the dialable URL of the endpoint.
func (a WebSocket) URL() string {
	u := url.URL{
		Scheme: a.Protocol,
		Host:   net.JoinHostPort(a.Host, strconv.Itoa(a.Port)),
		Path:   a.Path,
	}
	if u.Scheme == "" {
		u.Scheme = "ws"
	}
	return u.String()
}

func (a WebSocket) String() string { return a.URL() }

// ParseWebSocket parses a ws or wss URL. The port defaults to 80 or 443.
func ParseWebSocket(raw string) (WebSocket, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return WebSocket{}, fmt.Errorf("invalid websocket url %q: %w", raw, err)
	}
	port := 80
	switch u.Scheme {
	case "ws":
	case "wss":
		port = 443
	default:
		return WebSocket{}, fmt.Errorf("invalid websocket url %q: scheme must be ws or wss", raw)
	}
	if u.Hostname() == "" {
		return WebSocket{}, fmt.Errorf("invalid websocket url %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return WebSocket{}, fmt.Errorf("invalid websocket url %q: %w", raw, err)
		}
	}
	return WebSocket{Protocol: u.Scheme, Host: u.Hostname(), Port: port, Path: u.Path}, nil
}

// WebSocketClient is a client connected to a local WebSocket server,
// identified by the id it announced when connecting.
type WebSocketClient struct {
	ID string
}

func (WebSocketClient) Kind() Kind { return KindWebSocketClient }

func (a WebSocketClient) String() string { return "wsclient:" + a.ID }

// Channel is an HTTP long-poll channel.
type Channel struct {
	ChannelID   string
	EndpointURL string
}

func (Channel) Kind() Kind { return KindChannel }

func (a Channel) String() string { return a.EndpointURL + "channels/" + a.ChannelID }

// InProcess references a skeleton living in the same process.
type InProcess struct {
	Ref string
}

func (InProcess) Kind() Kind { return KindInProcess }

func (a InProcess) String() string { return "inprocess:" + a.Ref }

// Browser is another window or tab reachable through the window message bus.
type Browser struct {
	WindowID string
}

func (Browser) Kind() Kind { return KindBrowser }

func (a Browser) String() string { return "browser:" + a.WindowID }

// Equal reports whether a and b denote the same endpoint.
func Equal(a, b Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// IsGlobal reports whether an address is reachable from outside the process
// tree. In-process, browser and WebSocket client addresses are local.
func IsGlobal(a Address) bool {
	if a == nil {
		return false
	}
	switch a.Kind() {
	case KindMqtt, KindChannel:
		return true
	default:
		return false
	}
}
