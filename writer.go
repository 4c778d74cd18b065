// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/pageserver/layer"
)

// TimelineWriter batches writes to one timeline under its write lock. The
// lock is acquired by Timeline.Writer and released by Close. A writer takes
// the LayerMap lock while holding it and never takes checkpointCs;
// Checkpoint takes this lock while already holding checkpointCs.
type TimelineWriter struct {
	t      *Timeline
	closed bool
}

// Close releases the timeline's write lock. It is safe to call exactly
// once per Writer() call.
func (w *TimelineWriter) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.t.writeLock.Unlock()
}

// openLayerForWrite returns the open layer, creating one at
// layers.NextOpenLayerAt if none exists, per spec.md §4.5.
func (w *TimelineWriter) openLayerForWrite(lsn uint64) (*layer.InMemoryLayer, error) {
	t := w.t
	ol := t.layers.Open()
	if ol != nil {
		if lsn < ol.GetStartLsn() {
			return nil, fmt.Errorf("%w: lsn %d precedes open layer start %d", ErrLsnOutOfScope, lsn, ol.GetStartLsn())
		}
		return ol, nil
	}
	startLsn := t.layers.NextOpenLayerAt()
	ol = layer.NewInMemoryLayer(startLsn, t.repo.cfg.EphemeralSoftLimit)
	t.layers.InsertOpen(ol)
	return ol, nil
}

// registerSegIfNeeded seeds seg's initial size in the open layer from the
// newest predecessor layer (possibly in an ancestor timeline) the first
// time the open layer observes a write to it. A segment with no live
// predecessor is left unregistered; its first PutCreation supplies the
// initial observation instead.
func (w *TimelineWriter) registerSegIfNeeded(ol *layer.InMemoryLayer, seg layer.SegmentTag) error {
	if ol.CoversSeg(seg) {
		return nil
	}
	l, _, resolvedLsn, err := w.t.layerLookup(seg, ol.GetStartLsn())
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	exists, err := l.GetSegExists(seg, resolvedLsn)
	if err != nil || !exists {
		return nil
	}
	size, err := l.GetSegSize(seg, resolvedLsn)
	if err != nil {
		return nil
	}
	ol.RegisterSeg(seg, size)
	return nil
}

func (w *TimelineWriter) checkMonotonic(lsn uint64) error {
	if lsn <= w.t.GetLastRecordLsn() {
		return fmt.Errorf("%w: write at lsn %d does not exceed last_record_lsn %d", ErrLsnOutOfScope, lsn, w.t.GetLastRecordLsn())
	}
	return nil
}

// relishSize reports relish's current size in blocks, consulting the
// per-relish size cache before falling back to the layer walk.
func (w *TimelineWriter) relishSize(relish layer.Relish, lsn uint64) (*uint32, error) {
	w.t.relSizeMu.Lock()
	cached, ok := w.t.relSizeCache[relish.String()]
	w.t.relSizeMu.Unlock()
	if ok {
		return &cached, nil
	}
	size, err := w.t.GetRelishSize(relish, lsn)
	if err != nil || size == nil {
		return size, err
	}
	w.t.setCachedRelishSize(relish, *size)
	return size, nil
}

// updateRelSize enlarges relish, if necessary, so it covers blk: if the
// relish does not exist yet it is created implicitly at this LSN, and any
// blocks between the old end-of-file and blk are filled with zero pages,
// per spec.md §4.5 and testable property #8. Non-blocky relishes pass
// blk 0, yielding a single-block creation on first write.
func (w *TimelineWriter) updateRelSize(relish layer.Relish, blk uint32, lsn uint64) error {
	needSize := blk + 1
	oldSizePtr, err := w.relishSize(relish, w.t.GetLastRecordLsn())
	if err != nil {
		return err
	}
	creating := oldSizePtr == nil
	var oldSize uint32
	if oldSizePtr != nil {
		oldSize = *oldSizePtr
	}
	if !creating && needSize <= oldSize {
		return nil
	}

	for segno := oldSize / layer.SegSize; segno <= (needSize-1)/layer.SegSize; segno++ {
		seg := layer.SegmentTag{Relish: relish, Segno: segno}
		ol, err := w.openLayerForWrite(lsn)
		if err != nil {
			return err
		}
		if err := w.registerSegIfNeeded(ol, seg); err != nil {
			return err
		}

		segFloor := segno * layer.SegSize
		var segSize uint32
		if needSize-segFloor > layer.SegSize {
			segSize = layer.SegSize
		} else {
			segSize = needSize - segFloor
		}

		// A segment whose first block lies past the old end-of-file is
		// brand new and gets a creation record; a partially filled one is
		// only resized.
		localStart := uint32(0)
		if !creating && segFloor < oldSize {
			localStart = oldSize - segFloor
		}
		if creating || localStart == 0 && segno > 0 {
			if err := ol.PutCreation(seg, lsn, segSize); err != nil {
				return err
			}
		} else {
			if err := ol.PutSegSize(seg, lsn, segSize); err != nil {
				return err
			}
		}

		// Zero-fill any gap blocks this segment now covers but never had a
		// version written for. The block actually being written (blk) is
		// left to the caller's own PutWalRecord/PutPageImage call.
		for sb := localStart; sb < segSize; sb++ {
			if segFloor+sb == blk {
				continue
			}
			if err := ol.PutPageVersion(seg, sb, lsn, layer.PageVersion{Lsn: lsn, Image: make([]byte, layer.PageSize), WillInit: true}); err != nil {
				return err
			}
		}
	}

	w.t.setCachedRelishSize(relish, needSize)
	if relish.Blocky {
		w.t.addLogicalSize(int64(needSize-oldSize) * layer.PageSize)
	}
	return nil
}

// putPageVersion is the shared tail of PutWalRecord and PutPageImage.
func (w *TimelineWriter) putPageVersion(relish layer.Relish, blk uint32, lsn uint64, pv layer.PageVersion) error {
	if !relish.Blocky && blk != 0 {
		return fmt.Errorf("%w: block %d written to non-blocky relish %s", ErrInvariant, blk, relish)
	}
	if err := w.updateRelSize(relish, blk, lsn); err != nil {
		return err
	}
	segno, segBlknum := layer.SegBlockOf(layer.BlockNumber(blk))
	seg := layer.SegmentTag{Relish: relish, Segno: segno}
	ol, err := w.openLayerForWrite(lsn)
	if err != nil {
		return err
	}
	if err := w.registerSegIfNeeded(ol, seg); err != nil {
		return err
	}
	if err := ol.PutPageVersion(seg, segBlknum, lsn, pv); err != nil {
		return err
	}
	w.t.repo.metrics.pageVersionsWritten.Inc()
	w.t.advanceLastRecordLsn(lsn)
	return nil
}

// PutWalRecord appends a WAL record for (relish, blk) at lsn.
func (w *TimelineWriter) PutWalRecord(lsn uint64, relish layer.Relish, blk uint32, record []byte, willInit bool) error {
	if err := w.checkMonotonic(lsn); err != nil {
		return err
	}
	if err := w.putPageVersion(relish, blk, lsn, layer.PageVersion{Lsn: lsn, Record: record, WillInit: willInit}); err != nil {
		return err
	}
	w.t.repo.metrics.walRecordsApplied.Inc()
	w.t.repo.metrics.bytesWritten.Add(float64(len(record)))
	return nil
}

// PutPageImage stores a full page image for (relish, blk) at lsn.
func (w *TimelineWriter) PutPageImage(relish layer.Relish, blk uint32, lsn uint64, img []byte) error {
	if err := w.checkMonotonic(lsn); err != nil {
		return err
	}
	if err := w.putPageVersion(relish, blk, lsn, layer.PageVersion{Lsn: lsn, Image: img}); err != nil {
		return err
	}
	w.t.repo.metrics.bytesWritten.Add(float64(len(img)))
	return nil
}

// PutCreation records relish's creation at lsn with the given initial
// size, in blocks.
func (w *TimelineWriter) PutCreation(relish layer.Relish, lsn uint64, size uint32) error {
	if err := w.checkMonotonic(lsn); err != nil {
		return err
	}
	for segno := uint32(0); segno == 0 || uint64(segno)*layer.SegSize < uint64(size); segno++ {
		seg := layer.SegmentTag{Relish: relish, Segno: segno}
		ol, err := w.openLayerForWrite(lsn)
		if err != nil {
			return err
		}
		segFloor := segno * layer.SegSize
		var segSize uint32
		if size-segFloor > layer.SegSize {
			segSize = layer.SegSize
		} else {
			segSize = size - segFloor
		}
		if err := ol.PutCreation(seg, lsn, segSize); err != nil {
			return err
		}
	}
	w.t.setCachedRelishSize(relish, size)
	if relish.Blocky {
		w.t.addLogicalSize(int64(size) * layer.PageSize)
	}
	w.t.advanceLastRecordLsn(lsn)
	return nil
}

// PutTruncation shrinks relish to newSize blocks as of lsn. Segments past
// the new end are dropped; the last remaining segment is resized.
func (w *TimelineWriter) PutTruncation(relish layer.Relish, lsn uint64, newSize uint32) error {
	if err := w.checkMonotonic(lsn); err != nil {
		return err
	}
	if !relish.Blocky {
		return fmt.Errorf("%w: truncation of non-blocky relish %s", ErrInvariant, relish)
	}
	oldSize, err := w.relishSize(relish, w.t.GetLastRecordLsn())
	if err != nil {
		return err
	}
	if oldSize == nil {
		return fmt.Errorf("%w: truncate of nonexistent relish %s", ErrNotFound, relish)
	}

	lastRemainSegno := uint32(0)
	if newSize > 0 {
		lastRemainSegno = (newSize - 1) / layer.SegSize
	}
	oldLastSegno := uint32(0)
	if *oldSize > 0 {
		oldLastSegno = (*oldSize - 1) / layer.SegSize
	}

	ol, err := w.openLayerForWrite(lsn)
	if err != nil {
		return err
	}
	for segno := lastRemainSegno + 1; segno <= oldLastSegno; segno++ {
		seg := layer.SegmentTag{Relish: relish, Segno: segno}
		if err := w.registerSegIfNeeded(ol, seg); err != nil {
			return err
		}
		if err := ol.DropSegment(seg, lsn); err != nil {
			return err
		}
	}
	if newSize == 0 || newSize%layer.SegSize != 0 {
		seg := layer.SegmentTag{Relish: relish, Segno: lastRemainSegno}
		if err := w.registerSegIfNeeded(ol, seg); err != nil {
			return err
		}
		if err := ol.PutSegSize(seg, lsn, newSize-lastRemainSegno*layer.SegSize); err != nil {
			return err
		}
	}

	w.t.setCachedRelishSize(relish, newSize)
	w.t.addLogicalSize(-int64(*oldSize-newSize) * layer.PageSize)
	w.t.advanceLastRecordLsn(lsn)
	return nil
}

// DropRelish marks relish dropped as of lsn across every segment it
// currently occupies.
func (w *TimelineWriter) DropRelish(relish layer.Relish, lsn uint64) error {
	if err := w.checkMonotonic(lsn); err != nil {
		return err
	}

	if !relish.Blocky {
		seg := layer.SegmentTag{Relish: relish, Segno: 0}
		ol, err := w.openLayerForWrite(lsn)
		if err != nil {
			return err
		}
		if err := w.registerSegIfNeeded(ol, seg); err != nil {
			return err
		}
		if err := ol.DropSegment(seg, lsn); err != nil {
			return err
		}
		w.t.dropCachedRelishSize(relish)
		w.t.advanceLastRecordLsn(lsn)
		return nil
	}

	size, err := w.relishSize(relish, w.t.GetLastRecordLsn())
	if err != nil {
		return err
	}
	if size == nil {
		level.Warn(w.t.log).Log("msg", "drop of nonexistent relish", "relish", relish.String(), "lsn", lsn)
		return nil
	}

	lastSegno := uint32(0)
	if *size > 0 {
		lastSegno = (*size - 1) / layer.SegSize
	}
	ol, err := w.openLayerForWrite(lsn)
	if err != nil {
		return err
	}
	for segno := uint32(0); segno <= lastSegno; segno++ {
		seg := layer.SegmentTag{Relish: relish, Segno: segno}
		if err := w.registerSegIfNeeded(ol, seg); err != nil {
			return err
		}
		if err := ol.DropSegment(seg, lsn); err != nil {
			return err
		}
	}

	w.t.dropCachedRelishSize(relish)
	w.t.addLogicalSize(-int64(*size) * layer.PageSize)
	w.t.advanceLastRecordLsn(lsn)
	return nil
}

// AdvanceLastRecordLsn publishes newLsn directly, for callers (e.g. replay
// of a batch of no-op LSNs) that need to move the head without a page
// write.
func (w *TimelineWriter) AdvanceLastRecordLsn(newLsn uint64) {
	w.t.advanceLastRecordLsn(newLsn)
}
