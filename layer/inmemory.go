// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/immutable"
)

// segSizeState is the size (in blocks) and exists flag recorded for a
// segment at a given LSN inside an in-memory layer.
type segSizeState struct {
	size   uint32
	exists bool
}

type blockKey struct {
	seg SegmentTag
	blk uint32
}

// InMemoryLayer is the append-only buffer receiving new page versions at
// the head of the WAL stream (the "open" layer) or, once frozen, awaiting
// flush to disk (the "frozen" layer). It is safe for concurrent use: writers
// call Put* under the timeline's write lock, while readers (including the
// layer's own WriteToDisk) may call the Get* methods concurrently.
type InMemoryLayer struct {
	mu sync.RWMutex

	startLsn uint64
	endLsn   uint64 // valid only once frozen
	isFrozen bool

	versions map[blockKey]*immutable.SortedMap[uint64, PageVersion]
	sizes    map[string]*immutable.SortedMap[uint64, segSizeState]
	segTags  map[string]SegmentTag

	// memBytes approximates the buffered payload size so the checkpointer
	// can decide when to spill to an ephemeral file.
	memBytes  int64
	softLimit int64
	ephemeral *EphemeralFile
}

// NewInMemoryLayer creates an open layer starting at startLsn. softLimit is
// the buffered-byte threshold past which writes spill to an ephemeral file;
// 0 disables spilling.
func NewInMemoryLayer(startLsn uint64, softLimit int64) *InMemoryLayer {
	return &InMemoryLayer{
		startLsn:  startLsn,
		versions:  make(map[blockKey]*immutable.SortedMap[uint64, PageVersion]),
		sizes:     make(map[string]*immutable.SortedMap[uint64, segSizeState]),
		segTags:   make(map[string]SegmentTag),
		softLimit: softLimit,
	}
}

// PutPageVersion appends a page version for (seg, seg_blknum) at lsn. The
// caller must already hold the timeline's write lock; lsn must be >=
// startLsn and the layer must not be frozen.
func (l *InMemoryLayer) PutPageVersion(seg SegmentTag, segBlknum uint32, lsn uint64, pv PageVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isFrozen {
		return ErrSealed
	}
	key := blockKey{seg: seg, blk: segBlknum}
	sm, ok := l.versions[key]
	if !ok {
		sm = &immutable.SortedMap[uint64, PageVersion]{}
	}
	l.versions[key] = sm.Set(lsn, pv)
	l.registerSegLocked(seg)

	n := len(pv.Image) + len(pv.Record) + 32
	l.memBytes += int64(n)
	if l.softLimit > 0 && l.memBytes > l.softLimit {
		if l.ephemeral == nil {
			ef, err := NewEphemeralFile("")
			if err == nil {
				l.ephemeral = ef
			}
		}
		if l.ephemeral != nil {
			_ = l.ephemeral.Append(seg, segBlknum, lsn, pv)
		}
	}
	return nil
}

// PutCreation records that seg now exists with the given initial size.
func (l *InMemoryLayer) PutCreation(seg SegmentTag, lsn uint64, size uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isFrozen {
		return ErrSealed
	}
	return l.putSegSizeLocked(seg, lsn, size, true)
}

// PutSegSize records a size change for an already-existing segment.
func (l *InMemoryLayer) PutSegSize(seg SegmentTag, lsn uint64, size uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isFrozen {
		return ErrSealed
	}
	return l.putSegSizeLocked(seg, lsn, size, true)
}

// DropSegment marks seg as dropped (a tombstone) at lsn.
func (l *InMemoryLayer) DropSegment(seg SegmentTag, lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isFrozen {
		return ErrSealed
	}
	return l.putSegSizeLocked(seg, lsn, 0, false)
}

func (l *InMemoryLayer) putSegSizeLocked(seg SegmentTag, lsn uint64, size uint32, exists bool) error {
	key := seg.String()
	sm, ok := l.sizes[key]
	if !ok {
		sm = &immutable.SortedMap[uint64, segSizeState]{}
	}
	l.sizes[key] = sm.Set(lsn, segSizeState{size: size, exists: exists})
	l.registerSegLocked(seg)
	return nil
}

func (l *InMemoryLayer) registerSegLocked(seg SegmentTag) {
	l.segTags[seg.String()] = seg
}

// CoversSeg reports whether this layer has ever observed writes to seg.
func (l *InMemoryLayer) CoversSeg(seg SegmentTag) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.segTags[seg.String()]
	return ok
}

// RegisterSeg records that the layer covers seg for the first time, seeding
// its initial size from a predecessor layer (possibly in an ancestor
// timeline). The inherited size is recorded at the layer's start LSN; the
// write that triggered registration records its own size change through
// PutCreation/PutSegSize.
func (l *InMemoryLayer) RegisterSeg(seg SegmentTag, initialSize uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sizes[seg.String()]; ok {
		return
	}
	l.sizes[seg.String()] = (&immutable.SortedMap[uint64, segSizeState]{}).Set(l.startLsn, segSizeState{size: initialSize, exists: true})
	l.registerSegLocked(seg)
}

// SizeChange is one entry of a segment's size history inside an in-memory
// layer: at Lsn, the segment's size became Size (or, if Exists is false,
// the segment was dropped).
type SizeChange struct {
	Lsn    uint64
	Size   uint32
	Exists bool
}

// SizeHistory returns every recorded size change for seg, oldest first.
func (l *InMemoryLayer) SizeHistory(seg SegmentTag) []SizeChange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sm, ok := l.sizes[seg.String()]
	if !ok {
		return nil
	}
	var out []SizeChange
	it := sm.Iterator()
	it.First()
	for !it.Done() {
		lsn, st, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, SizeChange{Lsn: lsn, Size: st.size, Exists: st.exists})
	}
	return out
}

// SegmentTags returns every segment this layer has recorded an observation
// for.
func (l *InMemoryLayer) SegmentTags() []SegmentTag {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SegmentTag, 0, len(l.segTags))
	for _, seg := range l.segTags {
		out = append(out, seg)
	}
	return out
}

// freeze transitions the layer to immutable; subsequent writes are
// rejected. Only LayerMap.FreezeOpen should call this.
func (l *InMemoryLayer) freeze(endLsn uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isFrozen = true
	l.endLsn = endLsn
}

// GetStartLsn implements Layer.
func (l *InMemoryLayer) GetStartLsn() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startLsn
}

// GetEndLsn implements Layer. For the still-open layer this is undefined and
// returns the maximum uint64 so range checks treat it as open-ended.
func (l *InMemoryLayer) GetEndLsn() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.isFrozen {
		return ^uint64(0)
	}
	return l.endLsn
}

// IsIncremental implements Layer: in-memory layers always carry WAL records,
// never a full snapshot per block.
func (l *InMemoryLayer) IsIncremental() bool { return true }

// IsInMemory implements Layer.
func (l *InMemoryLayer) IsInMemory() bool { return true }

// Filename implements Layer; in-memory layers have no on-disk name.
func (l *InMemoryLayer) Filename() string { return "" }

// Unload implements Layer; in-memory layers keep nothing to release besides
// their ephemeral spill file, whose lifetime is managed on Delete.
func (l *InMemoryLayer) Unload() error { return nil }

// Delete implements Layer; removes the ephemeral spill file if one exists.
func (l *InMemoryLayer) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ephemeral != nil {
		return l.ephemeral.Remove()
	}
	return nil
}

// GetSegSize implements Layer: returns the newest recorded size at or before
// lsn.
func (l *InMemoryLayer) GetSegSize(seg SegmentTag, lsn uint64) (uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sm, ok := l.sizes[seg.String()]
	if !ok {
		return 0, ErrNotFound
	}
	st, ok := floorSegSize(sm, lsn)
	if !ok || !st.exists {
		return 0, ErrNotFound
	}
	return st.size, nil
}

// GetSegExists implements Layer.
func (l *InMemoryLayer) GetSegExists(seg SegmentTag, lsn uint64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sm, ok := l.sizes[seg.String()]
	if !ok {
		return false, nil
	}
	st, ok := floorSegSize(sm, lsn)
	if !ok {
		return false, nil
	}
	return st.exists, nil
}

func floorSegSize(sm *immutable.SortedMap[uint64, segSizeState], lsn uint64) (segSizeState, bool) {
	it := sm.Iterator()
	descendFrom(it, lsn)
	_, v, ok := it.Prev()
	return v, ok
}

// continueBelow tells the caller to keep gathering strictly below startLsn,
// or that nothing older can exist when the layer starts at the beginning of
// history.
func continueBelow(startLsn uint64) ReconstructResult {
	if startLsn == 0 {
		return ReconstructResult{State: Missing}
	}
	return ReconstructResult{State: Continue, ContinueLsn: startLsn - 1}
}

// GetPageReconstructData implements Layer. It gathers every page version
// recorded for (seg, blk) at or before lsn, in newest-first order, stopping
// (Complete) once an image or a will-init record is found, and otherwise
// directing the caller to keep gathering below this layer's start LSN.
func (l *InMemoryLayer) GetPageReconstructData(seg SegmentTag, blk uint32, lsn uint64, data *PageReconstructData) (ReconstructResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// A block this layer never touched may still have versions in an older
	// layer, so an empty walk continues below rather than reporting Missing.
	sm, ok := l.versions[blockKey{seg: seg, blk: blk}]
	if !ok || sm.Len() == 0 {
		return continueBelow(l.startLsn), nil
	}

	it := sm.Iterator()
	descendFrom(it, lsn)
	for {
		entryLsn, v, ok := it.Prev()
		if !ok {
			break
		}
		if data.Image != nil && entryLsn <= data.ImageLsn {
			// Everything at or below the caller's base image is already
			// reflected in it.
			return ReconstructResult{State: Complete}, nil
		}
		if v.IsImage() {
			data.Image = v.Image
			data.ImageLsn = entryLsn
			return ReconstructResult{State: Complete}, nil
		}
		data.Records = append(data.Records, v)
		if v.WillInit {
			return ReconstructResult{State: Complete}, nil
		}
	}
	return continueBelow(l.startLsn), nil
}

// WriteToDisk flushes this frozen layer to one delta file per segment it
// observed, each covering [startLsn, endLsn), plus, if reconstruct is
// non-nil, one image file per segment containing materialized snapshots at
// endLsn-1. reconstruct is the callback into the timeline's read path used
// to materialize each page image; it is injected so this package has no
// dependency cycle on the repository package.
func (l *InMemoryLayer) WriteToDisk(dir string, reconstruct func(seg SegmentTag, blk uint32, lsn uint64) ([]byte, error)) (deltas []Layer, images []Layer, err error) {
	l.mu.RLock()
	if !l.isFrozen {
		l.mu.RUnlock()
		return nil, nil, fmt.Errorf("cannot write an unfrozen layer to disk")
	}
	startLsn, endLsn := l.startLsn, l.endLsn
	segTags := make([]SegmentTag, 0, len(l.segTags))
	for _, seg := range l.segTags {
		segTags = append(segTags, seg)
	}
	l.mu.RUnlock()

	for _, seg := range segTags {
		df, err := WriteDeltaFile(dir, startLsn, endLsn, seg, l)
		if err != nil {
			return deltas, images, fmt.Errorf("write delta layer for %s: %w", seg, err)
		}
		deltas = append(deltas, df)
	}

	if reconstruct == nil {
		return deltas, nil, nil
	}
	snapLsn := endLsn - 1
	for _, seg := range segTags {
		size, err := l.GetSegSize(seg, snapLsn)
		if err != nil {
			continue // segment not live at snapshot LSN, no image needed
		}
		imgf, err := WriteImageFile(dir, seg, snapLsn, size, reconstruct)
		if err != nil {
			return deltas, images, fmt.Errorf("write image layer for %s: %w", seg, err)
		}
		images = append(images, imgf)
	}
	return deltas, images, nil
}

// iterSegBlocks is used by WriteDeltaFile to enumerate every (blk, lsn, pv)
// triple buffered in this layer in a stable order.
func (l *InMemoryLayer) iterSegBlocks(fn func(seg SegmentTag, blk uint32, pv PageVersion)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for key, sm := range l.versions {
		it := sm.Iterator()
		it.First()
		for !it.Done() {
			_, pv, ok := it.Next()
			if !ok {
				break
			}
			fn(key.seg, key.blk, pv)
		}
	}
}
