// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package discovery keeps the capabilities (discovery entries) of
// providers registered in this runtime and looks up providers registered
// elsewhere through a global directory.
package discovery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/fluxrpc/address"
)

// Scope selects the capability sources of a lookup.
type Scope string

const (
	ScopeLocalOnly       Scope = "LOCAL_ONLY"
	ScopeLocalThenGlobal Scope = "LOCAL_THEN_GLOBAL"
	ScopeGlobalOnly      Scope = "GLOBAL_ONLY"
	ScopeLocalAndGlobal  Scope = "LOCAL_AND_GLOBAL"
)

// ParseScope parses a scope, accepting lower case names.
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToUpper(s))
	switch sc {
	case ScopeLocalOnly, ScopeLocalThenGlobal, ScopeGlobalOnly, ScopeLocalAndGlobal:
		return sc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// ProviderScope tells whether a provider is registered with the global directory.
type ProviderScope string

const (
	ProviderScopeLocal  ProviderScope = "LOCAL"
	ProviderScopeGlobal ProviderScope = "GLOBAL"
)

// Version is an interface version.
type Version struct {
	Major int32 `json:"majorVersion"`
	Minor int32 `json:"minorVersion"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// CustomParameter is a provider defined name/value pair, used by the
// keyword arbitration strategy among others.
type CustomParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ProviderQos describes a provider.
type ProviderQos struct {
	CustomParameters              []CustomParameter `json:"customParameters,omitempty"`
	Priority                      int64             `json:"priority"`
	Scope                         ProviderScope     `json:"scope"`
	SupportsOnChangeSubscriptions bool              `json:"supportsOnChangeSubscriptions"`
}

// Entry is the discovery entry of a provider. Address is where the
// provider is reachable from other runtimes; entries of providers that are
// only registered locally may have none.
type Entry struct {
	Domain          string          `json:"domain"`
	InterfaceName   string          `json:"interfaceName"`
	ParticipantID   string          `json:"participantId"`
	ProviderVersion Version         `json:"providerVersion"`
	Qos             ProviderQos     `json:"qos"`
	LastSeenDateMs  int64           `json:"lastSeenDateMs"`
	ExpiryDateMs    int64           `json:"expiryDateMs"`
	PublicKeyID     string          `json:"publicKeyId,omitempty"`
	Address         address.Address `json:"-"`
}

// Expired reports whether the entry has an expiry date before now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiryDateMs > 0 && e.ExpiryDateMs < now.UnixMilli()
}

type entryFields Entry

type wireEntry struct {
	entryFields
	Address json.RawMessage `json:"address,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{entryFields: entryFields(e)}
	if e.Address != nil {
		raw, err := address.Marshal(e.Address)
		if err != nil {
			return nil, err
		}
		w.Address = raw
	}
	return json.Marshal(w)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry(w.entryFields)
	if len(w.Address) > 0 && string(w.Address) != "null" {
		addr, err := address.Unmarshal(w.Address)
		if err != nil {
			return err
		}
		e.Address = addr
	}
	return nil
}

// EntryWithMetaInfo is a lookup result.
type EntryWithMetaInfo struct {
	Entry
	// IsLocal is set for providers registered in this runtime.
	IsLocal bool
}

// Qos controls a lookup.
type Qos struct {
	Scope Scope
	// CacheMaxAge is how old cached global entries may be. Zero disables
	// the cache.
	CacheMaxAge time.Duration
	// DiscoveryTimeout bounds a single global lookup.
	DiscoveryTimeout            time.Duration
	ProviderMustSupportOnChange bool
}
