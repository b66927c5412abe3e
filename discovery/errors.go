// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import "errors"

var (
	ErrInvalidScope      = errors.New("invalid discovery scope")
	ErrInvalidEntry      = errors.New("invalid discovery entry")
	ErrNoGlobalDirectory = errors.New("no global capabilities directory configured")
	ErrNotFound          = errors.New("discovery entry not found")
)
