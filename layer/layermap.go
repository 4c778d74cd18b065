// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"sync"

	"github.com/benbjohnson/immutable"
	"golang.org/x/exp/slices"
)

// Map indexes the layers of a single timeline: the open in-memory layer, the
// frozen in-memory layer awaiting flush, and an interval-tree-like index of
// immutable on-disk layers keyed by (segment, LSN-range).
//
// Map mirrors the teacher's pattern of keeping an immutable snapshot per
// segment (github.com/benbjohnson/immutable.SortedMap) so that readers can
// walk a consistent view without holding mu for the duration of a lookup;
// only the brief swap of the snapshot pointer is guarded by mu.
type Map struct {
	mu sync.Mutex

	open   *InMemoryLayer
	frozen *InMemoryLayer

	// nextOpenLayerAt is the LSN at which the next open layer must start, set
	// by the previous freeze (or initdb_lsn/disk_consistent_lsn+1 initially).
	nextOpenLayerAt uint64

	// historic indexes on-disk layers per segment, newest-start-lsn-last.
	historic map[string]*immutable.SortedMap[uint64, Layer]
	// segTags recovers the SegmentTag identity of a historic key, since the
	// index itself is keyed by the tag's string form.
	segTags map[string]SegmentTag
}

// NewMap creates an empty layer map whose first open layer will start at
// initialLsn.
func NewMap(initialLsn uint64) *Map {
	return &Map{
		nextOpenLayerAt: initialLsn,
		historic:        make(map[string]*immutable.SortedMap[uint64, Layer]),
		segTags:         make(map[string]SegmentTag),
	}
}

// historicKey orders a segment's historic index by start LSN, with an image
// layer sorting after any delta layer starting at the same LSN so that a
// floor lookup prefers the snapshot needing no WAL replay. The shift also
// keeps a delta and an image at the same start LSN from colliding on one
// map key.
func historicKey(l Layer) uint64 {
	k := l.GetStartLsn() << 1
	if !l.IsIncremental() {
		k |= 1
	}
	return k
}

// descendFrom positions it so that successive Prev calls yield entries with
// key <= ceil in descending key order. The iterator's cursor model returns
// the current element and then moves, so after Seek the first entry (which
// is >= ceil+1) has to be consumed and discarded.
func descendFrom[V any](it *immutable.SortedMapIterator[uint64, V], ceil uint64) {
	if ceil == ^uint64(0) {
		it.Last()
		return
	}
	it.Seek(ceil + 1)
	if it.Done() {
		it.Last()
		return
	}
	it.Prev()
}

// Open returns the current open in-memory layer, or nil if none exists yet.
func (m *Map) Open() *InMemoryLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Frozen returns the current frozen in-memory layer, or nil.
func (m *Map) Frozen() *InMemoryLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// NextOpenLayerAt returns the LSN the next open layer must start at.
func (m *Map) NextOpenLayerAt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextOpenLayerAt
}

// InsertOpen installs l as the open layer. There must not already be one.
func (m *Map) InsertOpen(l *InMemoryLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = l
}

// FreezeOpen seals the open layer at endLsn, moves it to frozen, and sets
// nextOpenLayerAt so the following open layer starts where this one ended.
// Returns the newly frozen layer (nil if there was no open layer).
func (m *Map) FreezeOpen(endLsn uint64) *InMemoryLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		return nil
	}
	m.open.freeze(endLsn)
	m.frozen = m.open
	m.open = nil
	m.nextOpenLayerAt = endLsn
	return m.frozen
}

// ReplaceFrozen drops the frozen pointer and inserts the delta/image layers
// that replaced it into the historic index. Called after a successful flush.
func (m *Map) ReplaceFrozen(deltas []Layer, images []Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = nil
	for _, l := range deltas {
		m.insertHistoricLocked(l)
	}
	for _, l := range images {
		m.insertHistoricLocked(l)
	}
}

// InsertHistoric adds an on-disk layer to the index, e.g. during startup
// directory scan.
func (m *Map) InsertHistoric(l Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertHistoricLocked(l)
}

func (m *Map) insertHistoricLocked(l Layer) {
	for _, seg := range m.segmentsOf(l) {
		segKey := seg.String()
		sm, ok := m.historic[segKey]
		if !ok {
			sm = &immutable.SortedMap[uint64, Layer]{}
		}
		m.historic[segKey] = sm.Set(historicKey(l), l)
		m.segTags[segKey] = seg
	}
}

// RemoveHistoric drops a layer from the index. It does not delete the file;
// callers that want that must call l.Delete() themselves.
func (m *Map) RemoveHistoric(l Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.segmentsOf(l) {
		segKey := seg.String()
		sm, ok := m.historic[segKey]
		if !ok {
			continue
		}
		m.historic[segKey] = sm.Delete(historicKey(l))
	}
}

// segmentsOf returns the segments a layer covers. Most layers cover a single
// segment; the abstraction allows multi-segment layers to register under
// every segment they cover (see CoveredSegments, which GC uses to look up
// what a layer covers).
func (m *Map) segmentsOf(l Layer) []SegmentTag {
	if sl, ok := l.(interface{ Segments() []SegmentTag }); ok {
		return sl.Segments()
	}
	return nil
}

// CoveredSegments returns the set of segments this layer reports coverage
// for, using the same Segments() probe as the internal index.
func (m *Map) CoveredSegments(l Layer) []SegmentTag {
	return m.segmentsOf(l)
}

// Get returns the newest layer covering (seg, lsn), checking the open layer,
// then the frozen layer, then the historic index. Ties between an image
// layer at lsn and a delta layer ending at lsn+1 are broken in favor of the
// image layer, since it needs no WAL replay.
func (m *Map) Get(seg SegmentTag, lsn uint64) Layer {
	m.mu.Lock()
	open, frozen := m.open, m.frozen
	sm := m.historic[seg.String()]
	m.mu.Unlock()

	if open != nil && open.CoversSeg(seg) && open.GetStartLsn() <= lsn {
		return open
	}
	if frozen != nil && frozen.CoversSeg(seg) && frozen.GetStartLsn() <= lsn {
		return frozen
	}
	if sm == nil {
		return nil
	}
	return floorLayer(sm, lsn)
}

// floorLayer returns the layer with the greatest start LSN <= lsn. The
// historicKey encoding makes an image layer at exactly lsn sort after a
// delta layer with the same start, so the tie resolves to the image.
func floorLayer(sm *immutable.SortedMap[uint64, Layer], lsn uint64) Layer {
	it := sm.Iterator()
	descendFrom(it, lsn<<1|1)
	_, v, ok := it.Prev()
	if !ok {
		return nil
	}
	return v
}

// AllHistoric returns every on-disk layer currently indexed, deduplicated
// (a multi-segment layer would otherwise appear once per segment it
// covers). Used by checkpoint to unload cached state after a flush.
func (m *Map) AllHistoric() []Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []Layer
	for _, sm := range m.historic {
		it := sm.Iterator()
		it.First()
		for !it.Done() {
			_, l, ok := it.Next()
			if !ok {
				break
			}
			if seen[l.Filename()] {
				continue
			}
			seen[l.Filename()] = true
			out = append(out, l)
		}
	}
	return out
}

// NewerImageLayerExists reports whether any historic image layer with
// start_lsn > afterLsn and end_lsn <= ceiling covers seg; delta layers are
// not considered.
func (m *Map) NewerImageLayerExists(seg SegmentTag, afterLsn, ceiling uint64) bool {
	m.mu.Lock()
	sm := m.historic[seg.String()]
	m.mu.Unlock()
	if sm == nil {
		return false
	}
	it := sm.Iterator()
	it.Seek((afterLsn + 1) << 1)
	for {
		_, v, ok := it.Next()
		if !ok {
			return false
		}
		if v.IsIncremental() {
			continue
		}
		if v.GetEndLsn() <= ceiling {
			return true
		}
	}
}

// LayerExistsAtLsn reports whether any layer (open, frozen, or historic)
// covers seg at lsn.
func (m *Map) LayerExistsAtLsn(seg SegmentTag, lsn uint64) bool {
	return m.Get(seg, lsn) != nil
}

// RelishState describes whether a relish was observed to exist (vs. be
// dropped) at the newest state seen while walking a timeline's segments.
type RelishState struct {
	Relish Relish
	Exists bool
}

// ListRelishes enumerates every relish with a segment-zero observation in
// this layer map, reporting each one's exists/dropped state at lsn. If tag
// is non-nil, only that relish is reported.
func (m *Map) ListRelishes(tag *Relish, lsn uint64) []RelishState {
	m.mu.Lock()
	segs := make([]SegmentTag, 0, len(m.segTags))
	for _, seg := range m.segTags {
		segs = append(segs, seg)
	}
	if m.open != nil {
		segs = append(segs, m.open.SegmentTags()...)
	}
	if m.frozen != nil {
		segs = append(segs, m.frozen.SegmentTags()...)
	}
	m.mu.Unlock()

	slices.SortFunc(segs, func(a, b SegmentTag) bool { return a.String() < b.String() })
	segs = slices.CompactFunc(segs, func(a, b SegmentTag) bool { return a.String() == b.String() })

	out := make([]RelishState, 0, len(segs))
	for _, seg := range segs {
		if seg.Segno != 0 {
			continue
		}
		if tag != nil && seg.Relish.String() != tag.String() {
			continue
		}
		l := m.Get(seg, lsn)
		if l == nil {
			continue
		}
		exists, err := l.GetSegExists(seg, lsn)
		if err != nil {
			continue
		}
		out = append(out, RelishState{Relish: seg.Relish, Exists: exists})
	}
	return out
}
