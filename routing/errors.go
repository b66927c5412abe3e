// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import "errors"

var (
	// ErrNoRouteFound is reported for messages whose recipient could not be
	// resolved before the message or its queue slot expired.
	ErrNoRouteFound = errors.New("no route found")
	ErrRouterClosed = errors.New("router closed")
	ErrInvalidHop   = errors.New("invalid next hop")
)
