// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/pageserver/layer"
)

// testRedo replays records over base by concatenating a marker byte per
// record, enough to distinguish "redo happened" from "plain base image" in
// assertions without modeling real Postgres WAL semantics.
type testRedo struct {
	mu    sync.Mutex
	calls int
}

func (r *testRedo) Redo(_ context.Context, _ layer.Relish, _ uint32, _ uint64, base []byte, records []layer.PageVersion) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	img := make([]byte, layer.PageSize)
	if base != nil {
		copy(img, base)
	}
	for _, rec := range records {
		if rec.Image != nil {
			copy(img, rec.Image)
			continue
		}
		for i, b := range rec.Record {
			if i < len(img) {
				img[i] = b
			}
		}
	}
	return img, nil
}

type testUploader struct {
	mu       sync.Mutex
	enqueued int
}

func (u *testUploader) Enqueue(TenantID, TimelineID, []string, TimelineMetadata) error {
	u.mu.Lock()
	u.enqueued++
	u.mu.Unlock()
	return nil
}

type testPageCache struct{}

func (testPageCache) Get(TenantID, TimelineID, layer.Relish, uint32, uint64) ([]byte, uint64, bool) {
	return nil, 0, false
}
func (testPageCache) Put(TenantID, TimelineID, layer.Relish, uint32, uint64, []byte) {}

func openTestRepo(t *testing.T) (*Repository, *testRedo, func()) {
	t.Helper()
	dir := t.TempDir()
	redo := &testRedo{}
	repo, err := Open(OpenOptions{
		Tenant:    TenantID(uuid.New()),
		DataDir:   dir,
		Redo:      redo,
		Uploader:  &testUploader{},
		PageCache: testPageCache{},
	})
	require.NoError(t, err)
	return repo, redo, func() { repo.Close() }
}

func testRelish() layer.Relish {
	return layer.Relish{IsRelation: true, Rel: layer.RelTag{SpcNode: 1, DbNode: 1, RelNode: 100, Fork: 0}, Blocky: true}
}

func TestReadYourOwnWrite(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	img := bytes.Repeat([]byte{0xAB}, layer.PageSize)

	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, img))
	w.Close()

	got, err := tl.GetPageAtLsn(context.Background(), rel, 0, 1)
	require.NoError(t, err)
	require.Equal(t, img, got)
}

func TestLastRecordLsnMonotonic(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 5, make([]byte, layer.PageSize)))
	w.Close()
	require.Equal(t, uint64(5), tl.GetLastRecordLsn())

	w = tl.Writer()
	err = w.PutPageImage(rel, 0, 5, make([]byte, layer.PageSize))
	w.Close()
	require.Error(t, err, "write at or below last_record_lsn must be rejected")
	require.Equal(t, uint64(5), tl.GetLastRecordLsn())
}

// TestWaitLsnTimeout covers testable property S3: WaitLsn must return
// ErrWaitTimeout, not hang, when the target LSN never arrives.
func TestWaitLsnTimeout(t *testing.T) {
	dir := t.TempDir()
	redo := &testRedo{}
	repo, err := Open(OpenOptions{
		Tenant:  TenantID(uuid.New()),
		DataDir: dir,
		Redo:    redo,
		Config:  Config{WaitLsnTimeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	defer repo.Close()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	err = tl.WaitLsn(1000)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitLsnWakesOnWrite(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() { waitErr <- tl.WaitLsn(10) }()

	time.Sleep(10 * time.Millisecond)
	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 10, make([]byte, layer.PageSize)))
	w.Close()

	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitLsn did not wake up after matching write")
	}
}

func TestCheckpointFlushAndReadSurvivesEviction(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	id := TimelineID(uuid.New())
	tl, err := repo.CreateEmptyTimeline(id, 0)
	require.NoError(t, err)

	rel := testRelish()
	img := bytes.Repeat([]byte{0x42}, layer.PageSize)
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, img))
	w.Close()

	require.NoError(t, tl.Checkpoint(ModeForced()))
	require.Equal(t, uint64(1), tl.GetDiskConsistentLsn())

	// Evict, forcing the next GetTimeline to reload from disk.
	require.NoError(t, repo.SetTimelineState(id, StateEvicted))
	require.NoError(t, repo.SetTimelineState(id, StateReady))

	reloaded, err := repo.GetTimeline(id)
	require.NoError(t, err)
	got, err := reloaded.GetPageAtLsn(context.Background(), rel, 0, 1)
	require.NoError(t, err)
	require.Equal(t, img, got)
}

func TestCheckpointIsIdempotent(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, make([]byte, layer.PageSize)))
	w.Close()

	require.NoError(t, tl.Checkpoint(ModeForced()))
	first := tl.GetDiskConsistentLsn()

	require.NoError(t, tl.Checkpoint(ModeForced()))
	require.Equal(t, first, tl.GetDiskConsistentLsn())
}

func TestSparseRelationZeroFill(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 5, 1, bytes.Repeat([]byte{0x7}, layer.PageSize)))
	w.Close()

	// Gap blocks 0-4 must read back as zero-filled, per testable property #8.
	for blk := uint32(0); blk < 5; blk++ {
		got, err := tl.GetPageAtLsn(context.Background(), rel, blk, 1)
		require.NoError(t, err)
		require.Equal(t, make([]byte, layer.PageSize), got)
	}

	size, err := tl.GetRelishSize(rel, 1)
	require.NoError(t, err)
	require.NotNil(t, size)
	require.Equal(t, uint32(6), *size)
}

// TestTruncationShrinksSize covers testable property S6: truncating a
// 100-block relation down to 40 blocks must both report the new size and
// shrink current_logical_size by exactly the dropped blocks.
func TestTruncationShrinksSize(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutCreation(rel, 1, 100))
	w.Close()

	sizeBefore := tl.GetCurrentLogicalSize()

	w = tl.Writer()
	require.NoError(t, w.PutTruncation(rel, 2, 40))
	w.Close()

	size, err := tl.GetRelishSize(rel, 2)
	require.NoError(t, err)
	require.NotNil(t, size)
	require.Equal(t, uint32(40), *size)

	sizeAfter := tl.GetCurrentLogicalSize()
	require.Equal(t, int64(60)*layer.PageSize, sizeBefore-sizeAfter)
}

// TestBranchBelowGcCutoffRejected covers testable property S4.
func TestBranchBelowGcCutoffRejected(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	srcID := TimelineID(uuid.New())
	src, err := repo.CreateEmptyTimeline(srcID, 0)
	require.NoError(t, err)

	rel := testRelish()
	w := src.Writer()
	for lsn := uint64(1); lsn <= 20; lsn++ {
		require.NoError(t, w.PutPageImage(rel, 0, lsn, make([]byte, layer.PageSize)))
	}
	w.Close()

	src.setLatestGcCutoffLsn(15)

	err = repo.BranchTimeline(srcID, TimelineID(uuid.New()), 10)
	require.ErrorIs(t, err, ErrLsnOutOfScope)

	err = repo.BranchTimeline(srcID, TimelineID(uuid.New()), 20)
	require.NoError(t, err)
}

// TestBranchAncestorRead covers testable property S5: a child timeline
// reads pages written on its ancestor before the branch point.
func TestBranchAncestorRead(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	srcID := TimelineID(uuid.New())
	src, err := repo.CreateEmptyTimeline(srcID, 0)
	require.NoError(t, err)

	rel := testRelish()
	img := bytes.Repeat([]byte{0x99}, layer.PageSize)
	w := src.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, img))
	w.Close()

	dstID := TimelineID(uuid.New())
	require.NoError(t, repo.BranchTimeline(srcID, dstID, 1))

	dst, err := repo.GetTimeline(dstID)
	require.NoError(t, err)

	got, err := dst.GetPageAtLsn(context.Background(), rel, 0, 1)
	require.NoError(t, err)
	require.Equal(t, img, got)
}

// TestBranchIsolation ensures writes to a child timeline are invisible on
// its parent.
func TestBranchIsolation(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	srcID := TimelineID(uuid.New())
	src, err := repo.CreateEmptyTimeline(srcID, 0)
	require.NoError(t, err)

	rel := testRelish()
	w := src.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, bytes.Repeat([]byte{1}, layer.PageSize)))
	w.Close()

	dstID := TimelineID(uuid.New())
	require.NoError(t, repo.BranchTimeline(srcID, dstID, 1))
	dst, err := repo.GetTimeline(dstID)
	require.NoError(t, err)

	w = dst.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 2, bytes.Repeat([]byte{2}, layer.PageSize)))
	w.Close()

	_, err = src.GetPageAtLsn(context.Background(), rel, 0, 2)
	require.Error(t, err, "parent must not see lsn 2, which only exists on the branch")

	gotSrc, err := src.GetPageAtLsn(context.Background(), rel, 0, 1)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, layer.PageSize), gotSrc)
}

func TestDetachTimelineRemovesLocalState(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	id := TimelineID(uuid.New())
	_, err := repo.CreateEmptyTimeline(id, 0)
	require.NoError(t, err)

	require.NoError(t, repo.DetachTimeline(id))

	_, err = repo.GetTimeline(id)
	require.Error(t, err)

	_, statErr := os.Stat(repo.timelineDir(id))
	require.True(t, os.IsNotExist(statErr))
}

// TestGcKeepsLayersPinnedByBranchpoint covers GC soundness: after a GC pass
// over the source timeline, the layers a child branch at lsn 5 depends on
// survive, so the child still reads the page at its branch point.
func TestGcKeepsLayersPinnedByBranchpoint(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	srcID := TimelineID(uuid.New())
	src, err := repo.CreateEmptyTimeline(srcID, 0)
	require.NoError(t, err)

	rel := testRelish()
	w := src.Writer()
	for lsn := uint64(1); lsn <= 5; lsn++ {
		require.NoError(t, w.PutPageImage(rel, 0, lsn, make([]byte, layer.PageSize)))
	}
	w.Close()
	require.NoError(t, src.Checkpoint(ModeForced()))

	w = src.Writer()
	for lsn := uint64(6); lsn <= 10; lsn++ {
		require.NoError(t, w.PutPageImage(rel, 0, lsn, make([]byte, layer.PageSize)))
	}
	w.Close()
	require.NoError(t, src.Checkpoint(ModeForced()))

	dstID := TimelineID(uuid.New())
	require.NoError(t, repo.BranchTimeline(srcID, dstID, 5))

	result, err := repo.GcIteration(&srcID, 1, false)
	require.NoError(t, err)
	require.Greater(t, result.TimelinesInspected, 0)

	// The branch point at lsn 5 must remain readable from the child after GC.
	dst, err := repo.GetTimeline(dstID)
	require.NoError(t, err)
	_, err = dst.GetPageAtLsn(context.Background(), rel, 0, 5)
	require.NoError(t, err)
}

// TestWalRecordChainRedo drives a full reconstruct: a base image followed
// by WAL records, split across an on-disk delta layer and the open layer,
// must reach the redo executor as one ascending-LSN batch over the base.
func TestWalRecordChainRedo(t *testing.T) {
	repo, redo, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	base := bytes.Repeat([]byte{0xF0}, layer.PageSize)
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, base))
	require.NoError(t, w.PutWalRecord(2, rel, 0, []byte{0x02, 0x02}, false))
	w.Close()

	// Seal the image+first record into a delta layer, then keep appending.
	require.NoError(t, tl.Checkpoint(ModeFlush()))

	w = tl.Writer()
	require.NoError(t, w.PutWalRecord(4, rel, 0, []byte{0x04}, false))
	w.Close()

	got, err := tl.GetPageAtLsn(context.Background(), rel, 0, 4)
	require.NoError(t, err)
	require.Equal(t, 1, redo.calls)
	// testRedo overlays each record's bytes onto the image in order, so the
	// newest record's first byte wins and the base shows through after it.
	require.Equal(t, byte(0x04), got[0])
	require.Equal(t, byte(0x02), got[1])
	require.Equal(t, byte(0xF0), got[2])
}

// TestFutureLayerFilesRenamedAside covers testable property S2 with the
// literal filenames: image and delta files past disk_consistent_lsn get a
// .0.old suffix (then .1.old on the next crash), while files at or before
// it stay in place.
func TestFutureLayerFilesRenamedAside(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	id := TimelineID(uuid.New())
	_, err := repo.CreateEmptyTimeline(id, 0x8000)
	require.NoError(t, err)
	dir := repo.timelineDir(id)

	futureImage := "pg_control_0_0000000000008001"
	futureDelta := "pg_control_0_0000000000008001_0000000000008008"
	keptImage := "pg_control_0_0000000000008000"
	keptDelta := "pg_control_0_0000000000007000_0000000000008001"
	for _, name := range []string{futureImage, futureDelta, keptImage, keptDelta} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	require.NoError(t, repo.SetTimelineState(id, StateEvicted))
	require.NoError(t, repo.SetTimelineState(id, StateReady))

	requireExists := func(name string, want bool) {
		t.Helper()
		_, err := os.Stat(filepath.Join(dir, name))
		if want {
			require.NoError(t, err, name)
		} else {
			require.True(t, os.IsNotExist(err), name)
		}
	}
	requireExists(futureImage, false)
	requireExists(futureImage+".0.old", true)
	requireExists(futureDelta, false)
	requireExists(futureDelta+".0.old", true)
	requireExists(keptImage, true)
	requireExists(keptDelta, true)

	// A second crash leaving the same stray files behind picks the next
	// unused suffix.
	for _, name := range []string{futureImage, futureDelta} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, repo.SetTimelineState(id, StateEvicted))
	require.NoError(t, repo.SetTimelineState(id, StateReady))
	requireExists(futureImage+".1.old", true)
	requireExists(futureDelta+".1.old", true)
}

func TestListRelsAndNonRels(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	relA := layer.Relish{IsRelation: true, Rel: layer.RelTag{SpcNode: 1, DbNode: 1, RelNode: 100}, Blocky: true}
	relB := layer.Relish{IsRelation: true, Rel: layer.RelTag{SpcNode: 1, DbNode: 2, RelNode: 200}, Blocky: true}
	ctl := layer.Relish{NonRelName: "pg_control"}

	w := tl.Writer()
	require.NoError(t, w.PutPageImage(relA, 0, 1, make([]byte, layer.PageSize)))
	require.NoError(t, w.PutPageImage(relB, 0, 2, make([]byte, layer.PageSize)))
	require.NoError(t, w.PutPageImage(ctl, 0, 3, make([]byte, layer.PageSize)))
	w.Close()

	rels, err := tl.ListRels(1, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []layer.RelTag{relA.Rel}, rels)

	nonrels, err := tl.ListNonRels(3)
	require.NoError(t, err)
	require.Len(t, nonrels, 1)
	require.Equal(t, "pg_control", nonrels[0].NonRelName)

	// Dropping a relish removes it from the listing at and after the drop.
	w = tl.Writer()
	require.NoError(t, w.DropRelish(relA, 4))
	w.Close()

	rels, err = tl.ListRels(1, 1, 4)
	require.NoError(t, err)
	require.Empty(t, rels)
}

func TestPrevRecordLsnFollowsHead(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	tl, err := repo.CreateEmptyTimeline(TimelineID(uuid.New()), 0)
	require.NoError(t, err)

	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 8, make([]byte, layer.PageSize)))
	require.NoError(t, w.PutPageImage(rel, 0, 16, make([]byte, layer.PageSize)))
	w.Close()

	prev, ok := tl.GetPrevRecordLsn()
	require.True(t, ok)
	require.Equal(t, uint64(8), prev)
	require.Equal(t, uint64(16), tl.GetLastRecordLsn())
}

// TestFutureLayerFilesQuarantined covers testable property S2: a layer
// file whose LSN range extends past disk_consistent_lsn is a crash
// artifact and must be renamed aside, not loaded, on the next open.
func TestFutureLayerFilesQuarantined(t *testing.T) {
	repo, _, done := openTestRepo(t)
	defer done()

	id := TimelineID(uuid.New())
	tl, err := repo.CreateEmptyTimeline(id, 0)
	require.NoError(t, err)

	rel := testRelish()
	w := tl.Writer()
	require.NoError(t, w.PutPageImage(rel, 0, 1, make([]byte, layer.PageSize)))
	w.Close()
	require.NoError(t, tl.Checkpoint(ModeForced()))

	require.NoError(t, repo.DetachTimeline(id))

	// Recreate the timeline directory and metadata by hand, with a
	// disk_consistent_lsn that predates a stray "future" layer file planted
	// directly on disk, simulating a crash mid-flush.
	dir := repo.timelineDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	m := TimelineMetadata{DiskConsistentLsn: 0, InitdbLsn: 0, LatestGcCutoffLsn: 0}
	require.NoError(t, SaveMetadata(metadataPath(dir), m, true))

	futureName := layer.DeltaFilename(layer.SegmentTag{Relish: rel, Segno: 0}, 1, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, futureName), []byte("not a real layer file"), 0o644))

	repo.mu.Lock()
	repo.timelines[id] = &timelineEntry{state: StateReady}
	repo.mu.Unlock()

	reloaded, err := repo.GetTimeline(id)
	require.NoError(t, err)
	require.False(t, reloaded.layers.LayerExistsAtLsn(layer.SegmentTag{Relish: rel, Segno: 0}, 1))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawQuarantined bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".old" || bytes.Contains([]byte(e.Name()), []byte(".old")) {
			sawQuarantined = true
		}
	}
	require.True(t, sawQuarantined, "future layer file should have been renamed aside")
}
