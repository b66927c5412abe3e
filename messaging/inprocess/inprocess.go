// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inprocess delivers messages to receivers living in the same process.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
	"github.com/absmach/fluxrpc/messaging"
)

var ErrSkeletonNotFound = errors.New("in-process skeleton not found")

var (
	_ messaging.StubBuilder = (*Registry)(nil)
	_ messaging.Skeleton    = (*Registry)(nil)
)

// Registry holds the in-process skeletons addressed by InProcess addresses.
type Registry struct {
	mu        sync.RWMutex
	receivers map[string]messaging.Receiver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		receivers: make(map[string]messaging.Receiver),
	}
}

// Register makes recv reachable under ref and returns its address.
func (r *Registry) Register(ref string, recv messaging.Receiver) address.InProcess {
	r.mu.Lock()
	r.receivers[ref] = recv
	r.mu.Unlock()
	return address.InProcess{Ref: ref}
}

// Unregister removes the receiver registered under ref.
func (r *Registry) Unregister(ref string) {
	r.mu.Lock()
	delete(r.receivers, ref)
	r.mu.Unlock()
}

func (r *Registry) lookup(ref string) (messaging.Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recv, ok := r.receivers[ref]
	return recv, ok
}

// Build returns a stub delivering straight to the referenced receiver.
func (r *Registry) Build(addr address.Address) (messaging.Stub, error) {
	a, ok := addr.(address.InProcess)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrInvalidAddress, addr.Kind())
	}
	return &stub{registry: r, ref: a.Ref}, nil
}

// Multicasts are fanned out by the router for local receivers, there is
// nothing to subscribe to.
func (r *Registry) RegisterMulticastSubscription(string) error   { return nil }
func (r *Registry) UnregisterMulticastSubscription(string) error { return nil }

type stub struct {
	registry *Registry
	ref      string
}

func (s *stub) Transmit(ctx context.Context, msg *message.Message) error {
	recv, ok := s.registry.lookup(s.ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkeletonNotFound, s.ref)
	}
	return recv.Receive(ctx, msg)
}
