// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"sync"
	"time"

	"github.com/absmach/fluxrpc/address"
	"github.com/absmach/fluxrpc/message"
)

type queued struct {
	msg      *message.Message
	deadline time.Time
}

func newQueued(msg *message.Message, now time.Time, maxTime time.Duration) queued {
	deadline := now.Add(maxTime)
	if !msg.ExpiryDate.IsZero() && msg.ExpiryDate.Before(deadline) {
		deadline = msg.ExpiryDate
	}
	return queued{msg: msg, deadline: deadline}
}

// queue holds messages for participants without a known address, in
// arrival order per participant.
type queue struct {
	mu      sync.Mutex
	maxSize int
	maxTime time.Duration
	pending map[string][]queued
}

func newQueue(maxSize int, maxTime time.Duration) *queue {
	return &queue{
		maxSize: maxSize,
		maxTime: maxTime,
		pending: make(map[string][]queued),
	}
}

// resolveOrPush calls resolve with the queue locked and queues msg if it
// reports no address. A hop added concurrently is therefore either seen by
// resolve or flushes the queued message. When the participant's queue is
// full the oldest message is evicted and returned.
func (q *queue) resolveOrPush(msg *message.Message, now time.Time, resolve func() (address.Address, bool)) (addr address.Address, ok bool, evicted *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if addr, ok := resolve(); ok {
		return addr, true, nil
	}

	items := q.pending[msg.To]
	if len(items) >= q.maxSize {
		evicted = items[0].msg
		items = items[1:]
	}
	q.pending[msg.To] = append(items, newQueued(msg, now, q.maxTime))
	return nil, false, evicted
}

// take removes and returns the queued messages of a participant.
func (q *queue) take(participantID string) []*message.Message {
	q.mu.Lock()
	items := q.pending[participantID]
	delete(q.pending, participantID)
	q.mu.Unlock()

	msgs := make([]*message.Message, len(items))
	for i, it := range items {
		msgs[i] = it.msg
	}
	return msgs
}

// expire removes and returns the messages whose deadline passed.
func (q *queue) expire(now time.Time) []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*message.Message
	for pid, items := range q.pending {
		kept := items[:0]
		for _, it := range items {
			if now.After(it.deadline) {
				expired = append(expired, it.msg)
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(q.pending, pid)
			continue
		}
		q.pending[pid] = kept
	}
	return expired
}

func (q *queue) drain() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var msgs []*message.Message
	for _, items := range q.pending {
		for _, it := range items {
			msgs = append(msgs, it.msg)
		}
	}
	q.pending = make(map[string][]queued)
	return msgs
}

func (q *queue) size(participantID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[participantID])
}
