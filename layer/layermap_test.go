// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayerMapOpenFreezeReplace(t *testing.T) {
	seg := testSeg()
	m := NewMap(1)
	require.Nil(t, m.Open())
	require.Equal(t, uint64(1), m.NextOpenLayerAt())

	open := NewInMemoryLayer(1, 0)
	require.NoError(t, open.PutCreation(seg, 1, 1))
	m.InsertOpen(open)
	require.Same(t, open, m.Open())

	got := m.Get(seg, 1)
	require.Same(t, open, got)

	frozen := m.FreezeOpen(5)
	require.Same(t, open, frozen)
	require.Nil(t, m.Open())
	require.Same(t, frozen, m.Frozen())
	require.Equal(t, uint64(5), m.NextOpenLayerAt())

	dir := t.TempDir()
	df, err := WriteDeltaFile(dir, 1, 5, seg, frozen)
	require.NoError(t, err)

	m.ReplaceFrozen([]Layer{df}, nil)
	require.Nil(t, m.Frozen())

	got = m.Get(seg, 2)
	require.Equal(t, df.Filename(), got.Filename())
}

func TestLayerMapNewerImageLayerExists(t *testing.T) {
	seg := testSeg()
	m := NewMap(1)

	reconstruct := func(s SegmentTag, blk uint32, lsn uint64) ([]byte, error) {
		return make([]byte, PageSize), nil
	}
	dir := t.TempDir()
	imgf, err := WriteImageFile(dir, seg, 10, 1, reconstruct)
	require.NoError(t, err)
	m.InsertHistoric(imgf)

	require.True(t, m.NewerImageLayerExists(seg, 5, 20))
	require.False(t, m.NewerImageLayerExists(seg, 15, 20))
	require.False(t, m.NewerImageLayerExists(seg, 5, 9))
}

func TestLayerMapGetPrefersImageOverDeltaAtSameLsn(t *testing.T) {
	seg := testSeg()
	m := NewMap(1)
	dir := t.TempDir()

	src := NewInMemoryLayer(1, 0)
	require.NoError(t, src.PutCreation(seg, 1, 1))
	src.freeze(5)
	df, err := WriteDeltaFile(dir, 1, 5, seg, src)
	require.NoError(t, err)
	m.InsertHistoric(df)

	reconstruct := func(s SegmentTag, blk uint32, lsn uint64) ([]byte, error) {
		return make([]byte, PageSize), nil
	}
	imgf, err := WriteImageFile(dir, seg, 1, 1, reconstruct)
	require.NoError(t, err)
	m.InsertHistoric(imgf)

	got := m.Get(seg, 1)
	require.NotNil(t, got)
	require.False(t, got.IsIncremental(), "image layer must win the tie at the same start LSN")
}

func TestLayerMapRemoveHistoric(t *testing.T) {
	seg := testSeg()
	m := NewMap(1)
	dir := t.TempDir()

	src := NewInMemoryLayer(1, 0)
	require.NoError(t, src.PutCreation(seg, 1, 1))
	src.freeze(5)
	df, err := WriteDeltaFile(dir, 1, 5, seg, src)
	require.NoError(t, err)
	m.InsertHistoric(df)

	require.NotNil(t, m.Get(seg, 2))
	m.RemoveHistoric(df)
	require.Nil(t, m.Get(seg, 2))
}
