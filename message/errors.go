// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "errors"

var (
	ErrInvalidReply   = errors.New("invalid reply")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidQos     = errors.New("invalid subscription qos")
)

// Exception names carried by Error on the wire.
const (
	ProviderRuntimeException   = "joynr.exceptions.ProviderRuntimeException"
	MethodInvocationException  = "joynr.exceptions.MethodInvocationException"
	SubscriptionException      = "joynr.exceptions.SubscriptionException"
	PublicationMissedException = "joynr.exceptions.PublicationMissedException"
	ApplicationException       = "joynr.exceptions.ApplicationException"
)

// Error is an exception transported inside replies and publications.
type Error struct {
	Name   string `json:"_typeName"`
	Detail string `json:"detailMessage"`
}

// NewError creates an exception of the given name.
func NewError(name, detail string) *Error {
	return &Error{Name: name, Detail: detail}
}

// AsError converts any Go error into a wire exception. Errors that already
// are *Error are returned unchanged; others become ProviderRuntimeException.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ProviderRuntimeException, err.Error())
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Name
	}
	return e.Name + ": " + e.Detail
}
