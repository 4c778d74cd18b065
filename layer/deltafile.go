// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DeltaLayer is an immutable on-disk layer file covering [startLsn, endLsn)
// over one segment. It stores page versions sparsely and per-segment size
// changes, per spec.md 4.3.
type DeltaLayer struct {
	mu sync.Mutex

	path     string
	seg      SegmentTag
	startLsn uint64
	endLsn   uint64

	f   *os.File
	cat *chapterCatalog

	// loaded lazily on first access; reset by Unload.
	index *deltaIndex
}

type deltaPageEntry struct {
	blk      uint32
	lsn      uint64
	isImage  bool
	willInit bool
	offset   uint64
	length   uint64
}

type deltaSizeEntry struct {
	lsn    uint64
	size   uint32
	exists bool
}

type deltaIndex struct {
	pages []deltaPageEntry
	sizes []deltaSizeEntry
}

// DeltaFilename returns the canonical on-disk name for a delta layer:
// <tag>_<start_lsn>_<end_lsn>, both LSNs rendered as lowercase hex.
func DeltaFilename(seg SegmentTag, startLsn, endLsn uint64) string {
	return fmt.Sprintf("%s_%016x_%016x", seg, startLsn, endLsn)
}

// WriteDeltaFile serializes one segment's buffered page versions and size
// history from an in-memory layer into a new delta file under dir.
func WriteDeltaFile(dir string, startLsn, endLsn uint64, seg SegmentTag, src *InMemoryLayer) (*DeltaLayer, error) {
	name := DeltaFilename(seg, startLsn, endLsn)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var blobs bytes.Buffer
	var pageIndex bytes.Buffer
	var sizeIndex bytes.Buffer
	var summary bytes.Buffer

	binary.Write(&summary, binary.LittleEndian, startLsn)
	binary.Write(&summary, binary.LittleEndian, endLsn)
	encodeSegmentTag(&summary, seg)

	var pageCount uint32
	src.iterSegBlocks(func(s SegmentTag, blk uint32, pv PageVersion) {
		if s.String() != seg.String() {
			return
		}
		payload := pv.Image
		isImage := true
		if payload == nil {
			payload = pv.Record
			isImage = false
		}
		offset := uint64(blobs.Len())
		blobs.Write(payload)

		binary.Write(&pageIndex, binary.LittleEndian, blk)
		binary.Write(&pageIndex, binary.LittleEndian, pv.Lsn)
		isImageByte := byte(0)
		if isImage {
			isImageByte = 1
		}
		pageIndex.WriteByte(isImageByte)
		willInitByte := byte(0)
		if pv.WillInit {
			willInitByte = 1
		}
		pageIndex.WriteByte(willInitByte)
		binary.Write(&pageIndex, binary.LittleEndian, offset)
		binary.Write(&pageIndex, binary.LittleEndian, uint64(len(payload)))
		pageCount++
	})
	binary.Write(&summary, binary.LittleEndian, pageCount)

	changes := src.SizeHistory(seg)
	binary.Write(&summary, binary.LittleEndian, uint32(len(changes)))
	for _, c := range changes {
		binary.Write(&sizeIndex, binary.LittleEndian, c.Lsn)
		binary.Write(&sizeIndex, binary.LittleEndian, c.Size)
		existsByte := byte(0)
		if c.Exists {
			existsByte = 1
		}
		sizeIndex.WriteByte(existsByte)
	}

	chapters := []struct {
		Name string
		Data []byte
	}{
		{"summary", summary.Bytes()},
		{"pageindex", pageIndex.Bytes()},
		{"sizeindex", sizeIndex.Bytes()},
		{"blobs", blobs.Bytes()},
	}
	if err := writeBook(f, DeltaFileMagic, chapters); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("fsync delta layer %s: %w", path, err)
	}

	return &DeltaLayer{path: path, seg: seg, startLsn: startLsn, endLsn: endLsn}, nil
}

// OpenDeltaLayer returns a handle on an existing delta layer file whose
// coverage the caller has already parsed from its name. It neither opens
// nor reads the file; the body is loaded on first use.
func OpenDeltaLayer(path string, seg SegmentTag, startLsn, endLsn uint64) *DeltaLayer {
	return &DeltaLayer{path: path, seg: seg, startLsn: startLsn, endLsn: endLsn}
}

func (d *DeltaLayer) ensureLoaded() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.index != nil {
		return nil
	}
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer f.Close()

	cat, read, err := readBook(f, DeltaFileMagic)
	if err != nil {
		return err
	}
	d.cat = cat

	pageBytes, err := read("pageindex")
	if err != nil {
		return err
	}
	sizeBytes, err := read("sizeindex")
	if err != nil {
		return err
	}

	idx := &deltaIndex{}
	pos := 0
	for pos < len(pageBytes) {
		if pos+4+8+1+1+8+8 > len(pageBytes) {
			return fmt.Errorf("%w: truncated page index entry", ErrCorrupt)
		}
		blk := binary.LittleEndian.Uint32(pageBytes[pos : pos+4])
		pos += 4
		lsn := binary.LittleEndian.Uint64(pageBytes[pos : pos+8])
		pos += 8
		isImage := pageBytes[pos] == 1
		pos++
		willInit := pageBytes[pos] == 1
		pos++
		offset := binary.LittleEndian.Uint64(pageBytes[pos : pos+8])
		pos += 8
		length := binary.LittleEndian.Uint64(pageBytes[pos : pos+8])
		pos += 8
		idx.pages = append(idx.pages, deltaPageEntry{blk: blk, lsn: lsn, isImage: isImage, willInit: willInit, offset: offset, length: length})
	}

	pos = 0
	for pos < len(sizeBytes) {
		if pos+8+4+1 > len(sizeBytes) {
			return fmt.Errorf("%w: truncated size index entry", ErrCorrupt)
		}
		lsn := binary.LittleEndian.Uint64(sizeBytes[pos : pos+8])
		pos += 8
		size := binary.LittleEndian.Uint32(sizeBytes[pos : pos+4])
		pos += 4
		exists := sizeBytes[pos] == 1
		pos++
		idx.sizes = append(idx.sizes, deltaSizeEntry{lsn: lsn, size: size, exists: exists})
	}

	d.index = idx
	return nil
}

func (d *DeltaLayer) readBlob(offset, length uint64) ([]byte, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	e, ok := d.cat.find("blobs")
	if !ok {
		return nil, fmt.Errorf("%w: delta layer %s missing blobs chapter", ErrCorrupt, d.path)
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(buf, int64(e.offset+offset)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Segments implements the optional multi-segment probe used by layer.Map.
func (d *DeltaLayer) Segments() []SegmentTag { return []SegmentTag{d.seg} }

func (d *DeltaLayer) GetStartLsn() uint64 { return d.startLsn }
func (d *DeltaLayer) GetEndLsn() uint64   { return d.endLsn }
func (d *DeltaLayer) IsIncremental() bool { return true }
func (d *DeltaLayer) IsInMemory() bool    { return false }
func (d *DeltaLayer) Filename() string    { return filepath.Base(d.path) }
func (d *DeltaLayer) CoversSeg(seg SegmentTag) bool {
	return seg.String() == d.seg.String()
}

func (d *DeltaLayer) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = nil
	d.cat = nil
	return nil
}

func (d *DeltaLayer) Delete() error {
	if err := d.Unload(); err != nil {
		return err
	}
	return os.Remove(d.path)
}

func (d *DeltaLayer) GetSegSize(seg SegmentTag, lsn uint64) (uint32, error) {
	if err := d.ensureLoaded(); err != nil {
		return 0, err
	}
	best, ok := floorSizeEntry(d.index.sizes, lsn)
	if !ok || !best.exists {
		return 0, ErrNotFound
	}
	return best.size, nil
}

func (d *DeltaLayer) GetSegExists(seg SegmentTag, lsn uint64) (bool, error) {
	if err := d.ensureLoaded(); err != nil {
		return false, err
	}
	best, ok := floorSizeEntry(d.index.sizes, lsn)
	if !ok {
		return false, nil
	}
	return best.exists, nil
}

func floorSizeEntry(entries []deltaSizeEntry, lsn uint64) (deltaSizeEntry, bool) {
	var best deltaSizeEntry
	found := false
	for _, e := range entries {
		if e.lsn <= lsn && (!found || e.lsn > best.lsn) {
			best = e
			found = true
		}
	}
	return best, found
}

// GetPageReconstructData gathers every page version this file holds for
// (seg, blk) at or before lsn, newest first, appending each to data until an
// image or a willInit record is found (Complete) or the file's entries for
// this block are exhausted (Continue below the file's start LSN, for the
// caller to keep gathering in an older layer). A single delta file can hold
// several sparse records for the same block across its LSN range, so this
// must not stop after the first one, mirroring
// InMemoryLayer.GetPageReconstructData.
func (d *DeltaLayer) GetPageReconstructData(seg SegmentTag, blk uint32, lsn uint64, data *PageReconstructData) (ReconstructResult, error) {
	if err := d.ensureLoaded(); err != nil {
		return ReconstructResult{}, err
	}
	var matches []*deltaPageEntry
	for i := range d.index.pages {
		e := &d.index.pages[i]
		if e.blk != blk || e.lsn > lsn {
			continue
		}
		matches = append(matches, e)
	}
	if len(matches) == 0 {
		return continueBelow(d.startLsn), nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].lsn > matches[j].lsn })

	for _, e := range matches {
		if data.Image != nil && e.lsn <= data.ImageLsn {
			return ReconstructResult{State: Complete}, nil
		}
		payload, err := d.readBlob(e.offset, e.length)
		if err != nil {
			return ReconstructResult{}, err
		}
		if e.isImage {
			data.Image = payload
			data.ImageLsn = e.lsn
			return ReconstructResult{State: Complete}, nil
		}
		data.Records = append(data.Records, PageVersion{Lsn: e.lsn, Record: payload, WillInit: e.willInit})
		if e.willInit {
			return ReconstructResult{State: Complete}, nil
		}
	}
	return continueBelow(d.startLsn), nil
}
