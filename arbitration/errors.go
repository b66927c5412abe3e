// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package arbitration

import (
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/fluxrpc/discovery"
)

var (
	ErrNoCompatibleProviderFound = errors.New("no compatible provider found")
	ErrDiscovery                 = errors.New("discovery failed")
	ErrArbitratorClosed          = errors.New("arbitrator closed")
	ErrInvalidSettings           = errors.New("invalid arbitration settings")
)

// NoCompatibleProviderFoundError reports that providers were discovered but
// none passed the filters. DiscoveredVersions lists the versions of the
// providers rejected as incompatible.
type NoCompatibleProviderFoundError struct {
	Domains            []string
	InterfaceName      string
	DiscoveredVersions []discovery.Version
}

func (e *NoCompatibleProviderFoundError) Error() string {
	msg := fmt.Sprintf("%s for %s in %s", ErrNoCompatibleProviderFound, e.InterfaceName, strings.Join(e.Domains, ","))
	if len(e.DiscoveredVersions) == 0 {
		return msg
	}
	versions := make([]string, len(e.DiscoveredVersions))
	for i, v := range e.DiscoveredVersions {
		versions[i] = v.String()
	}
	return msg + ", discovered incompatible versions: " + strings.Join(versions, ",")
}

func (e *NoCompatibleProviderFoundError) Is(target error) bool {
	return target == ErrNoCompatibleProviderFound
}

// DiscoveryError reports that no provider was found before the discovery
// timeout. Err is the last capability source error, if any.
type DiscoveryError struct {
	Domains       []string
	InterfaceName string
	Err           error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("%s: no provider for %s in %s", ErrDiscovery, e.InterfaceName, strings.Join(e.Domains, ","))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Is(target error) bool {
	return target == ErrDiscovery
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
