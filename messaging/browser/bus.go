// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package browser carries messages between windows sharing a message bus,
// the way browser tabs exchange messages with postMessage.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxrpc/messaging"
)

var ErrWindowNotFound = errors.New("window not found")

// Bus delivers opaque payloads to windows by id.
type Bus interface {
	Post(ctx context.Context, windowID string, payload []byte) error
	Listen(windowID string, handler func(payload []byte)) (stop func())
}

// MemoryBus is a Bus shared by windows of the same process.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]func([]byte)
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]func([]byte))}
}

func (b *MemoryBus) Post(ctx context.Context, windowID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	h, ok := b.handlers[windowID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWindowNotFound, windowID)
	}
	h(payload)
	return nil
}

func (b *MemoryBus) Listen(windowID string, handler func([]byte)) func() {
	b.mu.Lock()
	b.handlers[windowID] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, windowID)
		b.mu.Unlock()
	}
}

var _ messaging.Connection = (*Connection)(nil)

// Connection is the window's endpoint on a bus.
type Connection struct {
	bus      Bus
	windowID string

	mu      sync.Mutex
	handler func([]byte)
	stop    func()
}

// NewConnection creates the connection of window windowID.
func NewConnection(bus Bus, windowID string) *Connection {
	return &Connection{bus: bus, windowID: windowID}
}

// Connect starts listening for payloads posted to this window.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return nil
	}
	c.stop = c.bus.Listen(c.windowID, c.dispatch)
	return nil
}

func (c *Connection) dispatch(payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

// Send posts payload to the window named by destinationHint.
func (c *Connection) Send(ctx context.Context, destinationHint string, payload []byte) error {
	return c.bus.Post(ctx, destinationHint, payload)
}

func (c *Connection) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	return nil
}
