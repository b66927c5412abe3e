// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persistence stores small string values across restarts, such as
// generated participant ids and routing entries.
package persistence

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Store is a key/value store.
type Store interface {
	GetItem(key string) (string, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	Close() error
}

// ParticipantIDKey is the key under which the participant id of a provider
// is kept.
func ParticipantIDKey(domain, interfaceName string) string {
	return "joynr.participant." + domain + "." + interfaceName
}

// ParticipantID returns the persisted participant id for domain and
// interfaceName, generating and storing a new one the first time.
func ParticipantID(s Store, domain, interfaceName string) (string, error) {
	key := ParticipantIDKey(domain, interfaceName)

	id, err := s.GetItem(key)
	switch {
	case err == nil && id != "":
		return id, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("failed to load participant id: %w", err)
	}

	id = uuid.NewString()
	if err := s.SetItem(key, id); err != nil {
		return "", fmt.Errorf("failed to store participant id: %w", err)
	}
	return id, nil
}
