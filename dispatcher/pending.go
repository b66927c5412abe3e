// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Call is a request awaiting its reply.
type Call struct {
	id      string
	started time.Time
	done    chan struct{}
	timer   *time.Timer
	span    trace.Span

	response []any
	err      error

	cancel func()
}

// ID returns the request reply id of the call.
func (c *Call) ID() string {
	return c.id
}

// Done is closed once the call has an outcome.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call completes and returns its outcome.
func (c *Call) Result() ([]any, error) {
	<-c.done
	return c.response, c.err
}

// Cancel abandons the call. A reply arriving afterwards is discarded.
// Calling Cancel on a completed call has no effect.
func (c *Call) Cancel() {
	c.cancel()
}

// pendingStore holds the calls awaiting replies, keyed by request reply id.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*Call
}

func newPendingStore() *pendingStore {
	return &pendingStore{
		pending: make(map[string]*Call),
	}
}

// add registers c and arms its deadline timer. An id can be pending once.
func (ps *pendingStore) add(c *Call, ttl time.Duration, expire func()) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.pending[c.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, c.id)
	}
	ps.pending[c.id] = c
	c.timer = time.AfterFunc(ttl, expire)
	return nil
}

// complete resolves the call pending under id. It returns nil for unknown
// or already completed ids.
func (ps *pendingStore) complete(id string, response []any, err error) *Call {
	ps.mu.Lock()
	c := ps.pending[id]
	ps.mu.Unlock()

	if c == nil {
		return nil
	}
	return ps.resolve(c, response, err)
}

// resolve completes c itself. Only the first completion of a call takes
// effect; it returns nil when c is no longer pending.
func (ps *pendingStore) resolve(c *Call, response []any, err error) *Call {
	ps.mu.Lock()
	if ps.pending[c.id] != c {
		ps.mu.Unlock()
		return nil
	}
	delete(ps.pending, c.id)
	ps.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.response = response
	c.err = err
	close(c.done)
	return c
}

// clear fails every pending call with err.
func (ps *pendingStore) clear(err error) []*Call {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*Call)
	ps.mu.Unlock()

	calls := make([]*Call, 0, len(pending))
	for _, c := range pending {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.err = err
		close(c.done)
		calls = append(calls, c)
	}
	return calls
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}
