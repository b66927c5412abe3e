// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"encoding/json"
	"sync"

	"github.com/absmach/fluxrpc/address"
)

type entry struct {
	addr            address.Address
	globallyVisible bool
}

type table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func newTable() *table {
	return &table{entries: make(map[string]entry)}
}

func (t *table) get(participantID string) (entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[participantID]
	return e, ok
}

func (t *table) put(participantID string, e entry) {
	t.mu.Lock()
	t.entries[participantID] = e
	t.mu.Unlock()
}

func (t *table) remove(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[participantID]
	delete(t.entries, participantID)
	return ok
}

// storedEntry is the persisted form of a routing entry.
type storedEntry struct {
	Address         json.RawMessage `json:"address"`
	GloballyVisible bool            `json:"isGloballyVisible"`
}

func encodeEntry(e entry) (string, error) {
	raw, err := address.Marshal(e.addr)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(storedEntry{Address: raw, GloballyVisible: e.globallyVisible})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeEntry(s string) (entry, error) {
	var se storedEntry
	if err := json.Unmarshal([]byte(s), &se); err != nil {
		return entry{}, err
	}
	addr, err := address.Unmarshal(se.Address)
	if err != nil {
		return entry{}, err
	}
	return entry{addr: addr, globallyVisible: se.GloballyVisible}, nil
}
