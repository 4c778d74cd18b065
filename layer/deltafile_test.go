// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSeg() SegmentTag {
	return SegmentTag{Relish: Relish{IsRelation: true, Rel: RelTag{SpcNode: 1, DbNode: 1, RelNode: 7}, Blocky: true}, Segno: 0}
}

func TestWriteDeltaFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	seg := testSeg()

	src := NewInMemoryLayer(1, 0)
	require.NoError(t, src.PutCreation(seg, 1, 2))
	img := bytes.Repeat([]byte{0x11}, PageSize)
	require.NoError(t, src.PutPageVersion(seg, 0, 1, PageVersion{Lsn: 1, Image: img}))
	record := []byte("wal-record-payload")
	require.NoError(t, src.PutPageVersion(seg, 1, 2, PageVersion{Lsn: 2, Record: record, WillInit: true}))
	src.freeze(3)

	df, err := WriteDeltaFile(dir, 1, 3, seg, src)
	require.NoError(t, err)
	require.Equal(t, DeltaFilename(seg, 1, 3), df.Filename())
	require.True(t, df.IsIncremental())
	require.False(t, df.IsInMemory())
	require.True(t, df.CoversSeg(seg))

	reopened := OpenDeltaLayer(df.path, seg, 1, 3)

	exists, err := reopened.GetSegExists(seg, 2)
	require.NoError(t, err)
	require.True(t, exists)

	size, err := reopened.GetSegSize(seg, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), size)

	var data PageReconstructData
	res, err := reopened.GetPageReconstructData(seg, 0, 1, &data)
	require.NoError(t, err)
	require.Equal(t, Complete, res.State)
	require.Equal(t, img, data.Image)

	var data2 PageReconstructData
	res2, err := reopened.GetPageReconstructData(seg, 1, 2, &data2)
	require.NoError(t, err)
	require.Equal(t, Complete, res2.State)
	require.Len(t, data2.Records, 1)
	require.Equal(t, record, data2.Records[0].Record)
}

func TestDeltaLayerUnloadReloads(t *testing.T) {
	dir := t.TempDir()
	seg := testSeg()

	src := NewInMemoryLayer(1, 0)
	require.NoError(t, src.PutCreation(seg, 1, 1))
	require.NoError(t, src.PutPageVersion(seg, 0, 1, PageVersion{Lsn: 1, Image: bytes.Repeat([]byte{1}, PageSize)}))
	src.freeze(2)

	df, err := WriteDeltaFile(dir, 1, 2, seg, src)
	require.NoError(t, err)

	_, err = df.GetSegSize(seg, 1)
	require.NoError(t, err)

	require.NoError(t, df.Unload())

	_, err = df.GetSegSize(seg, 1)
	require.NoError(t, err, "GetSegSize must transparently reload after Unload")
}

func TestDeltaLayerDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	seg := testSeg()

	src := NewInMemoryLayer(1, 0)
	require.NoError(t, src.PutCreation(seg, 1, 1))
	src.freeze(2)

	df, err := WriteDeltaFile(dir, 1, 2, seg, src)
	require.NoError(t, err)

	require.NoError(t, df.Delete())
	_, err = df.GetSegSize(seg, 1)
	require.Error(t, err)
}
