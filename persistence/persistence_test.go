// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence_test

import (
	"errors"
	"testing"

	"github.com/absmach/fluxrpc/persistence"
	"github.com/absmach/fluxrpc/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	persistence.Store
	err error
}

func (f failingStore) GetItem(string) (string, error) { return "", f.err }

func TestParticipantID(t *testing.T) {
	s := memory.New()

	id, err := persistence.ParticipantID(s, "vehicle", "Radio")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := persistence.ParticipantID(s, "vehicle", "Radio")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := persistence.ParticipantID(s, "vehicle", "Navigation")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	stored, err := s.GetItem(persistence.ParticipantIDKey("vehicle", "Radio"))
	require.NoError(t, err)
	assert.Equal(t, id, stored)
}

func TestParticipantIDLoadError(t *testing.T) {
	_, err := persistence.ParticipantID(failingStore{Store: memory.New(), err: errors.New("disk")}, "d", "i")
	assert.ErrorContains(t, err, "failed to load participant id")
}

func TestMemoryStore(t *testing.T) {
	s := memory.New()
	_, err := s.GetItem("x")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, s.SetItem("x", "1"))
	v, err := s.GetItem("x")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, s.RemoveItem("x"))
	_, err = s.GetItem("x")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.NoError(t, s.Close())
}
