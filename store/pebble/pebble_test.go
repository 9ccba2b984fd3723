// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package pebble

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/store"
	"github.com/IceFoxs/moquette/store/storetest"
)

func TestDefaults(t *testing.T) {
	s := New(nil)
	require.Equal(t, defaultDbFile, s.config.Path)
	require.NotNil(t, s.mode)
}

func TestNotOpen(t *testing.T) {
	s := New(&Options{Path: t.TempDir()})
	require.ErrorIs(t, s.UpsertClient(store.Client{ID: "x"}), store.ErrDBNotOpen)
	require.NoError(t, s.Close())
}

func TestStore(t *testing.T) {
	s := New(&Options{Path: t.TempDir()})
	require.NoError(t, s.Open())
	defer s.Close()

	storetest.Exercise(t, s)
}

func TestKeyUpperBound(t *testing.T) {
	require.Equal(t, []byte("CM"), keyUpperBound([]byte("CL")))
	require.Equal(t, []byte{0x01}, keyUpperBound([]byte{0x00, 0xFF}))
	require.Nil(t, keyUpperBound([]byte{0xFF}))
}
