// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package bolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/store"
	"github.com/IceFoxs/moquette/store/storetest"
)

func TestDefaults(t *testing.T) {
	s := New(nil)
	require.Equal(t, defaultDbFile, s.config.Path)
	require.Equal(t, defaultBucket, s.config.Bucket)
	require.Equal(t, defaultTimeout, s.config.Options.Timeout)
}

func TestNotOpen(t *testing.T) {
	s := New(&Options{Path: filepath.Join(t.TempDir(), "db.bolt")})
	require.ErrorIs(t, s.UpsertClient(store.Client{ID: "x"}), store.ErrDBNotOpen)
	require.NoError(t, s.Close())
}

func TestStore(t *testing.T) {
	s := New(&Options{Path: filepath.Join(t.TempDir(), "db.bolt")})
	require.NoError(t, s.Open())
	defer s.Close()

	storetest.Exercise(t, s)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.bolt")

	s := New(&Options{Path: path})
	require.NoError(t, s.Open())
	require.NoError(t, s.UpsertClient(store.Client{ID: "c1", T: store.ClientKey}))
	require.NoError(t, s.Close())

	s = New(&Options{Path: path})
	require.NoError(t, s.Open())
	defer s.Close()

	clients, err := s.Clients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
}
