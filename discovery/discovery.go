// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Source is a capability source queried by arbitration.
type Source interface {
	Add(ctx context.Context, e Entry) error
	Lookup(ctx context.Context, domains []string, interfaceName string, qos Qos) ([]EntryWithMetaInfo, error)
	Remove(ctx context.Context, participantID string) error
}

// GlobalDirectory is the capabilities directory shared by all runtimes.
type GlobalDirectory interface {
	Add(ctx context.Context, e Entry) error
	Lookup(ctx context.Context, domains []string, interfaceName string) ([]Entry, error)
	Remove(ctx context.Context, participantID string) error
}

var _ Source = (*Discovery)(nil)

// Discovery combines the local store, a cache of global entries and an
// optional global directory.
type Discovery struct {
	local     *LocalStore
	cache     *cache
	directory GlobalDirectory
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a discovery service. directory may be nil for runtimes that
// only know local providers.
func New(directory GlobalDirectory, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		local:     NewLocalStore(),
		cache:     newCache(),
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

// Add registers a provider of this runtime. Providers with global scope
// are also added to the global directory, which requires an address.
func (d *Discovery) Add(ctx context.Context, e Entry) error {
	if e.ParticipantID == "" || e.Domain == "" || e.InterfaceName == "" {
		return fmt.Errorf("%w: participant id, domain and interface name are required", ErrInvalidEntry)
	}
	if e.LastSeenDateMs == 0 {
		e.LastSeenDateMs = d.now().UnixMilli()
	}

	d.local.Add(e)
	if e.Qos.Scope != ProviderScopeGlobal || d.directory == nil {
		return nil
	}
	if e.Address == nil {
		d.local.Remove(e.ParticipantID)
		return fmt.Errorf("%w: global provider %s has no address", ErrInvalidEntry, e.ParticipantID)
	}
	if err := d.directory.Add(ctx, e); err != nil {
		d.local.Remove(e.ParticipantID)
		return fmt.Errorf("failed to add %s to the global directory: %w", e.ParticipantID, err)
	}
	d.logger.Debug("provider_registered_globally",
		slog.String("participant_id", e.ParticipantID),
		slog.String("domain", e.Domain),
		slog.String("interface", e.InterfaceName))
	return nil
}

// Remove unregisters a provider of this runtime.
func (d *Discovery) Remove(ctx context.Context, participantID string) error {
	e, ok := d.local.Remove(participantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, participantID)
	}
	if e.Qos.Scope != ProviderScopeGlobal || d.directory == nil {
		return nil
	}
	if err := d.directory.Remove(ctx, participantID); err != nil {
		return fmt.Errorf("failed to remove %s from the global directory: %w", participantID, err)
	}
	return nil
}

// Lookup returns the providers of interfaceName in domains from the
// sources selected by qos.Scope.
func (d *Discovery) Lookup(ctx context.Context, domains []string, interfaceName string, qos Qos) ([]EntryWithMetaInfo, error) {
	switch qos.Scope {
	case ScopeLocalOnly:
		return d.lookupLocal(domains, interfaceName), nil

	case ScopeLocalThenGlobal, "":
		if local := d.lookupLocal(domains, interfaceName); len(local) > 0 {
			return local, nil
		}
		return d.lookupGlobal(ctx, domains, interfaceName, qos)

	case ScopeGlobalOnly:
		return d.lookupGlobal(ctx, domains, interfaceName, qos)

	case ScopeLocalAndGlobal:
		local := d.lookupLocal(domains, interfaceName)
		global, err := d.lookupGlobal(ctx, domains, interfaceName, qos)
		if err != nil && len(local) == 0 {
			return nil, err
		}
		if err != nil {
			d.logger.Warn("global_lookup_failed", slog.String("interface", interfaceName), slog.String("error", err.Error()))
		}
		return merge(local, global), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, qos.Scope)
	}
}

func (d *Discovery) lookupLocal(domains []string, interfaceName string) []EntryWithMetaInfo {
	entries := d.local.Lookup(domains, interfaceName, d.now())
	out := make([]EntryWithMetaInfo, len(entries))
	for i, e := range entries {
		out[i] = EntryWithMetaInfo{Entry: e, IsLocal: true}
	}
	return out
}

// lookupGlobal serves from the cache when it holds fresh enough entries
// and queries the directory otherwise.
func (d *Discovery) lookupGlobal(ctx context.Context, domains []string, interfaceName string, qos Qos) ([]EntryWithMetaInfo, error) {
	now := d.now()
	if cached := d.cache.lookup(domains, interfaceName, qos.CacheMaxAge, now); len(cached) > 0 {
		return d.withMetaInfo(cached), nil
	}
	if d.directory == nil {
		return nil, ErrNoGlobalDirectory
	}

	if qos.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qos.DiscoveryTimeout)
		defer cancel()
	}
	entries, err := d.directory.Lookup(ctx, domains, interfaceName)
	if err != nil {
		return nil, fmt.Errorf("global lookup of %s failed: %w", interfaceName, err)
	}

	valid := entries[:0]
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		valid = append(valid, e)
	}
	d.cache.put(valid, now)
	return d.withMetaInfo(valid), nil
}

// withMetaInfo marks global entries of providers registered in this
// runtime as local.
func (d *Discovery) withMetaInfo(entries []Entry) []EntryWithMetaInfo {
	out := make([]EntryWithMetaInfo, len(entries))
	for i, e := range entries {
		_, local := d.local.Get(e.ParticipantID)
		out[i] = EntryWithMetaInfo{Entry: e, IsLocal: local}
	}
	return out
}

// Forget drops a cached global entry, e.g. after its provider became unreachable.
func (d *Discovery) Forget(participantID string) {
	d.cache.remove(participantID)
}

// Local returns the local entry of a participant.
func (d *Discovery) Local(participantID string) (Entry, bool) {
	return d.local.Get(participantID)
}

func merge(local, global []EntryWithMetaInfo) []EntryWithMetaInfo {
	seen := make(map[string]struct{}, len(local))
	out := make([]EntryWithMetaInfo, 0, len(local)+len(global))
	for _, e := range local {
		seen[e.ParticipantID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range global {
		if _, dup := seen[e.ParticipantID]; dup {
			continue
		}
		out = append(out, e)
	}
	return out
}
