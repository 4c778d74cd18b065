// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/pageserver/layer"
)

// layerLookup walks the ancestor chain to find the timeline and clamped LSN
// at which (seg, lsn) should be resolved, then asks that timeline's layer
// map for a covering layer. It returns the layer, the timeline it came
// from, and the LSN to use against that layer (which may have been
// clamped down to an ancestor's branch point).
func (t *Timeline) layerLookup(seg layer.SegmentTag, lsn uint64) (layer.Layer, *Timeline, uint64, error) {
	cur := t
	for {
		if cur.ancestorID != nil && lsn < cur.ancestorLsn {
			anc, err := cur.repo.getLocalTimeline(*cur.ancestorID)
			if err != nil {
				return nil, nil, 0, err
			}
			cur = anc
			continue
		}
		if l := cur.layers.Get(seg, lsn); l != nil {
			return l, cur, lsn, nil
		}
		if cur.ancestorID == nil {
			return nil, cur, lsn, nil
		}
		if lsn > cur.ancestorLsn {
			lsn = cur.ancestorLsn
		}
		anc, err := cur.repo.getLocalTimeline(*cur.ancestorID)
		if err != nil {
			return nil, nil, 0, err
		}
		cur = anc
	}
}

// GetPageAtLsn materializes the page at (relish, block) as of lsn, per
// spec.md §4.4.
func (t *Timeline) GetPageAtLsn(ctx context.Context, relish layer.Relish, block uint32, lsn uint64) ([]byte, error) {
	t.repo.metrics.getPageCalls.Inc()

	if lsn > t.GetLastRecordLsn() {
		return nil, fmt.Errorf("%w: requested lsn %d is ahead of last_record_lsn, call WaitLsn first", ErrLsnOutOfScope, lsn)
	}
	if !relish.Blocky && block != 0 {
		return nil, fmt.Errorf("%w: block %d requested on non-blocky relish %s", ErrInvariant, block, relish)
	}

	segno, segBlknum := layer.SegBlockOf(layer.BlockNumber(block))
	seg := layer.SegmentTag{Relish: relish, Segno: segno}

	l, lt, resolvedLsn, err := t.layerLookup(seg, lsn)
	if err != nil {
		return nil, err
	}
	if l == nil {
		// A relation can be extended without the tail pages ever being
		// written; those read back as zeroes.
		if seg.Segno > 0 {
			if exists, err := t.GetRelExists(relish, lsn); err == nil && exists {
				level.Warn(t.log).Log("msg", "page not found in extended relation, returning zero page", "relish", relish.String(), "block", block, "lsn", lsn)
				return make([]byte, layer.PageSize), nil
			}
		}
		return nil, fmt.Errorf("%w: %s not found at lsn %d", ErrNotFound, relish, lsn)
	}
	if exists, err := l.GetSegExists(seg, resolvedLsn); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("%w: %s block %d not found at lsn %d", ErrNotFound, relish, block, lsn)
	}

	return t.materializePage(ctx, seg, segBlknum, relish, block, lsn, l, lt, resolvedLsn)
}

// materializePage gathers a base image plus WAL records for (seg, segBlknum)
// by walking backward from the given layer, then hands them to the redo
// executor, memoizing the result for relations.
func (t *Timeline) materializePage(ctx context.Context, seg layer.SegmentTag, segBlknum uint32, relish layer.Relish, block uint32, lsn uint64, l layer.Layer, lt *Timeline, curLsn uint64) ([]byte, error) {
	data := &layer.PageReconstructData{}
	if cached, cachedLsn, ok := t.repo.pageCache.Get(t.tenant, t.id, relish, block, lsn); ok {
		t.repo.metrics.getPageCacheHits.Inc()
		if cachedLsn == lsn {
			return cached, nil
		}
		data.Image = cached
		data.ImageLsn = cachedLsn
	}

	curTimeline := lt
	for {
		result, err := l.GetPageReconstructData(seg, segBlknum, curLsn, data)
		if err != nil {
			return nil, fmt.Errorf("gather reconstruct data in %s for %s block %d at lsn %d: %w", l.Filename(), relish, block, curLsn, err)
		}
		if result.State == layer.Complete {
			break
		}
		if result.State == layer.Missing {
			if len(data.Records) == 0 && data.Image == nil {
				level.Warn(t.log).Log("msg", "page was never written, returning zero page", "relish", relish.String(), "block", block, "lsn", lsn)
				return make([]byte, layer.PageSize), nil
			}
			break
		}
		if result.ContinueLsn >= curLsn {
			return nil, fmt.Errorf("%w: layer %s did not walk backwards from lsn %d", ErrInvariant, l.Filename(), curLsn)
		}
		nl, nt, nlsn, err := curTimeline.layerLookup(seg, result.ContinueLsn)
		if err != nil {
			return nil, err
		}
		if nl == nil {
			return nil, fmt.Errorf("%w: no predecessor of layer %s at lsn %d", ErrNotFound, l.Filename(), result.ContinueLsn)
		}
		l, curTimeline, curLsn = nl, nt, nlsn
	}

	if len(data.Records) == 0 {
		if data.Image != nil {
			return data.Image, nil
		}
		return make([]byte, layer.PageSize), nil
	}
	oldest := data.Records[len(data.Records)-1]
	if !oldest.WillInit && data.Image == nil {
		level.Warn(t.log).Log("msg", "no base image found for page, returning zero page", "relish", relish.String(), "block", block, "lsn", lsn)
		return make([]byte, layer.PageSize), nil
	}

	// Records were gathered newest first; redo wants ascending LSN order.
	records := make([]layer.PageVersion, len(data.Records))
	for i, r := range data.Records {
		records[len(data.Records)-1-i] = r
	}
	img, err := t.repo.redo.Redo(ctx, relish, block, lsn, data.Image, records)
	if err != nil {
		return nil, fmt.Errorf("wal redo: %w", err)
	}
	if relish.IsRelation {
		lastLsn := records[len(records)-1].Lsn
		t.repo.pageCache.Put(t.tenant, t.id, relish, block, lastLsn, img)
	}
	return img, nil
}

// GetRelishSize sums the size of every full segment of relish starting at
// segno 0, stopping at the first non-full or missing segment, per
// spec.md §4.4.
func (t *Timeline) GetRelishSize(relish layer.Relish, lsn uint64) (*uint32, error) {
	var total uint32
	found := false
	for segno := uint32(0); ; segno++ {
		seg := layer.SegmentTag{Relish: relish, Segno: segno}
		l, _, resolvedLsn, err := t.layerLookup(seg, lsn)
		if err != nil {
			return nil, err
		}
		if l == nil {
			break
		}
		exists, err := l.GetSegExists(seg, resolvedLsn)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		size, err := l.GetSegSize(seg, resolvedLsn)
		if err != nil {
			return nil, err
		}
		found = true
		total += size
		if size < layer.SegSize {
			break
		}
	}
	if !found {
		return nil, nil
	}
	return &total, nil
}

// GetRelExists inspects segno=0 of relish at lsn.
func (t *Timeline) GetRelExists(relish layer.Relish, lsn uint64) (bool, error) {
	seg := layer.SegmentTag{Relish: relish, Segno: 0}
	l, _, resolvedLsn, err := t.layerLookup(seg, lsn)
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	return l.GetSegExists(seg, resolvedLsn)
}

// ListRelishes walks this timeline then each ancestor, keeping the newest
// exists/dropped observation per relish, returning those whose newest
// state is "exists". tag, if non-nil, restricts the result to one relish.
// Fails if an ancestor is only remotely resident.
func (t *Timeline) ListRelishes(tag *layer.Relish, lsn uint64) ([]layer.Relish, error) {
	newest := make(map[string]layer.RelishState)
	cur := t
	curLsn := lsn
	for {
		for _, rs := range cur.layers.ListRelishes(tag, curLsn) {
			key := rs.Relish.String()
			if _, seen := newest[key]; !seen {
				newest[key] = rs
			}
		}
		if cur.ancestorID == nil {
			break
		}
		if curLsn > cur.ancestorLsn {
			curLsn = cur.ancestorLsn
		}
		anc, err := cur.repo.getLocalTimeline(*cur.ancestorID)
		if err != nil {
			return nil, err
		}
		cur = anc
	}

	out := make([]layer.Relish, 0, len(newest))
	for _, rs := range newest {
		if rs.Exists {
			out = append(out, rs.Relish)
		}
	}
	return out, nil
}

// ListRels enumerates every relation of the given tablespace and database
// that exists at lsn.
func (t *Timeline) ListRels(spcNode, dbNode uint32, lsn uint64) ([]layer.RelTag, error) {
	all, err := t.ListRelishes(nil, lsn)
	if err != nil {
		return nil, err
	}
	var out []layer.RelTag
	for _, r := range all {
		if r.IsRelation && r.Rel.SpcNode == spcNode && r.Rel.DbNode == dbNode {
			out = append(out, r.Rel)
		}
	}
	return out, nil
}

// ListNonRels enumerates every non-relation relish that exists at lsn.
func (t *Timeline) ListNonRels(lsn uint64) ([]layer.Relish, error) {
	all, err := t.ListRelishes(nil, lsn)
	if err != nil {
		return nil, err
	}
	var out []layer.Relish
	for _, r := range all {
		if !r.IsRelation {
			out = append(out, r)
		}
	}
	return out, nil
}
