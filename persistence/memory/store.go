// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/fluxrpc/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store keeps items in memory only.
type Store struct {
	mu    sync.RWMutex
	items map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{items: make(map[string]string)}
}

func (s *Store) GetItem(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[key]
	if !ok {
		return "", persistence.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetItem(key, value string) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

func (s *Store) RemoveItem(key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	return nil
}
