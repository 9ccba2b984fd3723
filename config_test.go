// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package moquette

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBytesYAML(t *testing.T) {
	opts, err := FromBytes([]byte(`
server:
  options:
    allow_anonymous: true
    allow_zero_byte_client_id: true
    immediate_buffer_flush: true
`))
	require.NoError(t, err)
	require.NotNil(t, opts)
	require.True(t, opts.AllowAnonymous)
	require.True(t, opts.AllowZeroByteClientID)
	require.True(t, opts.ImmediateBufferFlush)
}

func TestFromBytesJSON(t *testing.T) {
	opts, err := FromBytes([]byte(`{"server": {"options": {"allow_anonymous": true}}}`))
	require.NoError(t, err)
	require.NotNil(t, opts)
	require.True(t, opts.AllowAnonymous)
	require.False(t, opts.AllowZeroByteClientID)
}

func TestFromBytesEmpty(t *testing.T) {
	opts, err := FromBytes(nil)
	require.NoError(t, err)
	require.Nil(t, opts)
}

func TestFromBytesInvalid(t *testing.T) {
	_, err := FromBytes([]byte("	not yaml"))
	require.Error(t, err)
}

func TestOpenConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  options:\n    allow_anonymous: true\n"), 0600))

	opts, err := OpenConfigFile(path)
	require.NoError(t, err)
	require.True(t, opts.AllowAnonymous)

	opts, err = OpenConfigFile("")
	require.NoError(t, err)
	require.Nil(t, opts)

	_, err = OpenConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
