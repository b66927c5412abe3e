// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces request reply ids: a per-process random prefix
// followed by a monotonic counter.
type IDGenerator struct {
	prefix  string
	counter atomic.Uint64
}

// NewIDGenerator returns a generator with a fresh random prefix.
func NewIDGenerator() *IDGenerator {
	return NewIDGeneratorWithPrefix(uuid.NewString())
}

func NewIDGeneratorWithPrefix(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns the next id. It is safe for concurrent use.
func (g *IDGenerator) Next() string {
	return g.prefix + "_" + strconv.FormatUint(g.counter.Add(1), 10)
}
