// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"slices"
	"sync"
	"time"
)

// LocalStore holds the entries of providers registered in this runtime.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewLocalStore() *LocalStore {
	return &LocalStore{entries: make(map[string]Entry)}
}

// Add stores e, replacing an entry with the same participant id.
func (s *LocalStore) Add(e Entry) {
	s.mu.Lock()
	s.entries[e.ParticipantID] = e
	s.mu.Unlock()
}

// Remove deletes the entry and returns it.
func (s *LocalStore) Remove(participantID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[participantID]
	delete(s.entries, participantID)
	return e, ok
}

func (s *LocalStore) Get(participantID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[participantID]
	return e, ok
}

// Lookup returns the unexpired entries for interfaceName in any of domains.
func (s *LocalStore) Lookup(domains []string, interfaceName string, now time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.InterfaceName != interfaceName || !slices.Contains(domains, e.Domain) || e.Expired(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type cached struct {
	entry   Entry
	fetched time.Time
}

// cache holds entries returned by the global directory.
type cache struct {
	mu      sync.RWMutex
	entries map[string]cached
}

func newCache() *cache {
	return &cache{entries: make(map[string]cached)}
}

func (c *cache) put(entries []Entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.entries[e.ParticipantID] = cached{entry: e, fetched: now}
	}
}

func (c *cache) remove(participantID string) {
	c.mu.Lock()
	delete(c.entries, participantID)
	c.mu.Unlock()
}

// lookup returns the matching entries fetched less than maxAge before now.
func (c *cache) lookup(domains []string, interfaceName string, maxAge time.Duration, now time.Time) []Entry {
	if maxAge <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	for _, ce := range c.entries {
		e := ce.entry
		if e.InterfaceName != interfaceName || !slices.Contains(domains, e.Domain) || e.Expired(now) {
			continue
		}
		if now.Sub(ce.fetched) >= maxAge {
			continue
		}
		out = append(out, e)
	}
	return out
}
