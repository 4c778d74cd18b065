// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/dreamsxin/pageserver/layer"
)

// GcResult reports the outcome of one GcIteration pass, per spec.md §4.7
// step 4's per-category counters: each ByCategory key crosses the layer's
// live/dropped state and relation/non-relation kind with its retention
// outcome, e.g. "live_rel_kept_cutoff" or "dropped_nonrel_removed".
type GcResult struct {
	TimelinesInspected int
	LayersInspected    int
	LayersRemoved      int
	ByCategory         map[string]int
	Elapsed            time.Duration
}

// gcCategory forms a GcResult.ByCategory key from a layer's live/dropped
// state, its relation/non-relation kind, and the retention outcome.
func gcCategory(live, isRel bool, outcome string) string {
	state := "dropped"
	if live {
		state = "live"
	}
	kind := "nonrel"
	if isRel {
		kind = "rel"
	}
	return state + "_" + kind + "_" + outcome
}

// ListTimelineIds enumerates every timeline directory under this tenant,
// not just those already tracked in r.timelines.
func (r *Repository) ListTimelineIds() ([]TimelineID, error) {
	return r.listTimelineIds()
}

// listTimelineIds is ListTimelineIds's internal counterpart, used by
// GcIteration itself. Kept separate so the exported name reads as a plain
// query rather than part of the gc pass's internals.
func (r *Repository) listTimelineIds() ([]TimelineID, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, "timelines"))
	if err != nil {
		return nil, fmt.Errorf("list timelines for gc: %w", err)
	}
	var ids []TimelineID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, TimelineID(id))
	}
	return ids, nil
}

// GcIteration runs one garbage-collection pass, per spec.md §4.7. target,
// if non-nil, restricts collection to that timeline and restricts the
// branchpoint set to its children. horizon, if zero, falls back to the
// repository's configured GcHorizon.
func (r *Repository) GcIteration(target *TimelineID, horizon uint64, checkpointBeforeGc bool) (GcResult, error) {
	r.gcMu.Lock()
	defer r.gcMu.Unlock()

	start := time.Now()
	if horizon == 0 {
		horizon = r.cfg.GcHorizon
	}

	result := GcResult{ByCategory: make(map[string]int)}

	ids, err := r.listTimelineIds()
	if err != nil {
		return result, err
	}

	// Step 2: build branchpoints, keyed by parent timeline, from every
	// timeline's persisted ancestor pointer (reading metadata directly
	// avoids fully loading timelines solely to learn their lineage).
	branchpoints := make(map[TimelineID][]uint64)
	for _, id := range ids {
		m, err := r.cachedMetadata(id)
		if err != nil {
			continue
		}
		if m.AncestorTimeline == nil {
			continue
		}
		parent := *m.AncestorTimeline
		if target != nil && parent != *target {
			continue
		}
		branchpoints[parent] = append(branchpoints[parent], m.AncestorLsn)
	}

	for _, id := range ids {
		if target != nil && id != *target {
			continue
		}
		if r.shutdown.ShuttingDown() {
			break
		}

		r.mu.Lock()
		e, ok := r.timelines[id]
		if !ok {
			e = &timelineEntry{state: StateReady}
			r.timelines[id] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.state != StateReady {
			e.mu.Unlock()
			continue
		}
		if e.local == nil {
			loaded, err := r.loadTimelineLocked(id)
			if err != nil {
				e.mu.Unlock()
				return result, fmt.Errorf("load timeline %s for gc: %w", id, err)
			}
			e.local = loaded
		}
		t := e.local
		e.mu.Unlock()

		result.TimelinesInspected++

		lastRecord := t.GetLastRecordLsn()
		if horizon > lastRecord {
			continue // cutoff would underflow: nothing is old enough yet
		}
		cutoff := lastRecord - horizon

		if checkpointBeforeGc {
			if err := t.Checkpoint(ModeForced()); err != nil {
				return result, fmt.Errorf("checkpoint before gc for timeline %s: %w", id, err)
			}
		}

		// Publish the new cutoff before deleting anything: this prevents a
		// concurrent branch_timeline from pinning a point about to be
		// removed, per spec.md §4.7 step 3.
		t.setLatestGcCutoffLsn(cutoff)

		retains := branchpoints[id]

		t.checkpointCs.Lock()
		for _, l := range t.layers.AllHistoric() {
			segs := t.layers.CoveredSegments(l)
			if len(segs) != 1 {
				continue // multi-segment layers are not currently collected
			}
			seg := segs[0]
			result.LayersInspected++

			live, err := l.GetSegExists(seg, l.GetEndLsn())
			if err != nil {
				live = false
			}
			isRel := seg.Relish.IsRelation

			if l.GetEndLsn() > cutoff {
				result.ByCategory[gcCategory(live, isRel, "kept_cutoff")]++
				continue
			}

			pinned := false
			for _, retain := range retains {
				if l.GetStartLsn() <= retain {
					pinned = true
					break
				}
			}
			if pinned {
				result.ByCategory[gcCategory(live, isRel, "kept_branch")]++
				continue
			}

			if live {
				if !t.layers.NewerImageLayerExists(seg, l.GetStartLsn(), t.GetDiskConsistentLsn()) {
					result.ByCategory[gcCategory(live, isRel, "kept_live")]++
					continue
				}
			} else if t.tombstoneStillReachable(seg, l) {
				result.ByCategory[gcCategory(live, isRel, "kept_tombstone")]++
				continue
			}

			if err := l.Delete(); err != nil {
				level.Warn(t.log).Log("msg", "failed to delete gc'd layer file", "layer", l.Filename(), "err", err)
				continue
			}
			t.layers.RemoveHistoric(l)
			result.LayersRemoved++
			result.ByCategory[gcCategory(live, isRel, "removed")]++
		}
		t.checkpointCs.Unlock()
	}

	result.Elapsed = time.Since(start)
	r.metrics.gcIterations.Inc()
	for cat, n := range result.ByCategory {
		if !strings.HasSuffix(cat, "_removed") {
			continue
		}
		r.metrics.gcLayersRemoved.WithLabelValues(cat).Add(float64(n))
	}
	r.metrics.gcElapsedSeconds.Observe(result.Elapsed.Seconds())
	return result, nil
}

// tombstoneStillReachable implements spec.md §4.7's tombstone rule for a
// layer l that records seg as dropped: l is kept iff an earlier layer for
// the same segment still exists on this timeline, or the segment is still
// reachable through an ancestor at the ancestor's current head.
func (t *Timeline) tombstoneStillReachable(seg layer.SegmentTag, l layer.Layer) bool {
	for _, other := range t.layers.AllHistoric() {
		if other.Filename() == l.Filename() {
			continue
		}
		segs := t.layers.CoveredSegments(other)
		if len(segs) != 1 || segs[0].String() != seg.String() {
			continue
		}
		if other.GetStartLsn() < l.GetStartLsn() {
			return true
		}
	}

	if t.ancestorID == nil {
		return false
	}
	anc, err := t.repo.getLocalTimeline(*t.ancestorID)
	if err != nil {
		return false
	}
	ancLast := anc.GetLastRecordLsn()
	ancLayer, _, resolvedLsn, err := anc.layerLookup(seg, ancLast)
	if err != nil || ancLayer == nil {
		return false
	}
	exists, err := ancLayer.GetSegExists(seg, resolvedLsn)
	return err == nil && exists
}
