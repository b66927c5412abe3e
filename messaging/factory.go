// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"sync"

	"github.com/absmach/fluxrpc/address"
)

// StubFactory maps address kinds to stub builders.
type StubFactory struct {
	mu       sync.RWMutex
	builders map[address.Kind]StubBuilder
}

// NewStubFactory returns an empty factory.
func NewStubFactory() *StubFactory {
	return &StubFactory{
		builders: make(map[address.Kind]StubBuilder),
	}
}

// Register installs the builder for a kind, replacing any previous one.
func (f *StubFactory) Register(kind address.Kind, b StubBuilder) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownAddressType, kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
	return nil
}

// CreateMessagingStub returns a stub for the address.
func (f *StubFactory) CreateMessagingStub(addr address.Address) (Stub, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: nil address", ErrUnknownAddressType)
	}

	f.mu.RLock()
	b, ok := f.builders[addr.Kind()]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddressType, addr.Kind())
	}
	return b.Build(addr)
}

// SkeletonFactory maps address kinds to skeletons.
type SkeletonFactory struct {
	mu        sync.RWMutex
	skeletons map[address.Kind]Skeleton
}

// NewSkeletonFactory returns an empty factory.
func NewSkeletonFactory() *SkeletonFactory {
	return &SkeletonFactory{
		skeletons: make(map[address.Kind]Skeleton),
	}
}

// Register installs the skeleton for a kind.
func (f *SkeletonFactory) Register(kind address.Kind, s Skeleton) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownAddressType, kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.skeletons[kind] = s
	return nil
}

// GetSkeleton returns the skeleton receiving on addresses of addr's kind.
func (f *SkeletonFactory) GetSkeleton(addr address.Address) (Skeleton, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: nil address", ErrUnknownAddressType)
	}

	f.mu.RLock()
	s, ok := f.skeletons[addr.Kind()]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddressType, addr.Kind())
	}
	return s, nil
}
