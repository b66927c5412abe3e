// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"sync"

	"github.com/absmach/fluxrpc/multicast"
)

// receivers maps multicast ids (possibly with wildcards) to the
// participant ids subscribed to them.
type receivers struct {
	mu   sync.RWMutex
	byID map[string]map[string]struct{}
}

func newReceivers() *receivers {
	return &receivers{byID: make(map[string]map[string]struct{})}
}

// add reports whether subscriberID is the first receiver of multicastID.
func (r *receivers) add(multicastID, subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byID[multicastID]
	if !ok {
		subs = make(map[string]struct{})
		r.byID[multicastID] = subs
	}
	subs[subscriberID] = struct{}{}
	return !ok
}

// remove reports whether subscriberID was registered and whether it was the
// last receiver of multicastID.
func (r *receivers) remove(multicastID, subscriberID string) (found, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byID[multicastID]
	if !ok {
		return false, false
	}
	if _, found = subs[subscriberID]; !found {
		return false, false
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(r.byID, multicastID)
		return true, true
	}
	return true, false
}

// match returns the receivers whose registered pattern matches multicastID.
func (r *receivers) match(multicastID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for pattern, subs := range r.byID {
		if !multicast.Match(pattern, multicastID) {
			continue
		}
		for sub := range subs {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, sub)
		}
	}
	return out
}
