// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package metadb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bbolt")
	reg, err := Open(path)
	require.NoError(t, err)
	defer reg.Close()

	_, ok, err := reg.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	raw := []byte("fake-metadata-bytes")
	require.NoError(t, reg.Put("tl-1", raw))

	got, ok, err := reg.Get("tl-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, raw, got)

	require.NoError(t, reg.Delete("tl-1"))
	_, ok, err = reg.Get("tl-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistryReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bbolt")
	reg, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reg.Put("tl-1", []byte("v1")))
	require.NoError(t, reg.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get("tl-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), got)
}
