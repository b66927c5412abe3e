// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import "errors"

var (
	// ErrRequestTimedOut is returned when no reply arrived before the
	// request expired.
	ErrRequestTimedOut  = errors.New("request timed out")
	ErrRequestCancelled = errors.New("request cancelled")
	ErrShutdown         = errors.New("dispatcher shut down")
	ErrNoProvider       = errors.New("no provider registered for participant")

	// ErrDuplicateRequestID is returned when a request reuses the id of a
	// call that is still pending.
	ErrDuplicateRequestID = errors.New("request reply id already pending")
)
