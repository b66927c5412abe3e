// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the buffers used to serialise messages.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer the default pool keeps.
const DefaultMaxCap = 64 * 1024

// Pool is a buffer pool that drops buffers grown beyond its cap, so a
// single large message does not pin memory.
type Pool struct {
	maxCap int
	pool   sync.Pool
}

func New(maxCap int) *Pool {
	return &Pool{
		maxCap: maxCap,
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}

// Write runs fill on a pooled buffer and returns a copy of what it wrote.
func (p *Pool) Write(fill func(*bytes.Buffer) error) ([]byte, error) {
	b := p.Get()
	defer p.Put(b)
	if err := fill(b); err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}

var std = New(DefaultMaxCap)

// Write fills a buffer of the default pool.
func Write(fill func(*bytes.Buffer) error) ([]byte, error) { return std.Write(fill) }
