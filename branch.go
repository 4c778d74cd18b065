// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"fmt"
	"os"
	"path/filepath"
)

func metadataPath(dir string) string {
	return filepath.Join(dir, "metadata")
}

// CreateEmptyTimeline initializes a brand-new timeline rooted at initdbLsn,
// with no ancestor, per spec.md §4.8 and §6.
func (r *Repository) CreateEmptyTimeline(id TimelineID, initdbLsn uint64) (*Timeline, error) {
	r.gcMu.Lock()
	defer r.gcMu.Unlock()

	r.mu.Lock()
	if _, exists := r.timelines[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("timeline %s already exists", id)
	}
	r.mu.Unlock()

	dir := r.timelineDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create timeline directory: %w", err)
	}

	m := TimelineMetadata{
		DiskConsistentLsn: initdbLsn,
		AncestorLsn:       0,
		LatestGcCutoffLsn: initdbLsn,
		InitdbLsn:         initdbLsn,
	}
	if err := SaveMetadata(metadataPath(dir), m, true); err != nil {
		return nil, fmt.Errorf("save initial metadata: %w", err)
	}
	r.putMetaCache(id, m)

	t := newTimeline(r, id, dir, m)

	r.mu.Lock()
	r.timelines[id] = &timelineEntry{state: StateReady, local: t}
	r.mu.Unlock()

	r.metrics.timelinesCreated.Inc()
	return t, nil
}

// checkLsnIsInScope requires startLsn to be at or after src's retention
// floor: branching below latest_gc_cutoff_lsn would fork from a point
// whose ancestor data GC is free to have already removed.
func checkLsnIsInScope(src *Timeline, startLsn uint64) error {
	if startLsn < src.GetLatestGcCutoffLsn() {
		return fmt.Errorf("%w: invalid branch start lsn %d (latest_gc_cutoff_lsn is %d)", ErrLsnOutOfScope, startLsn, src.GetLatestGcCutoffLsn())
	}
	return nil
}

// BranchTimeline forks a new timeline dst from src at startLsn, per
// spec.md §4.8. dst is not instantiated in memory until first accessed
// through GetTimeline.
func (r *Repository) BranchTimeline(src, dst TimelineID, startLsn uint64) error {
	r.gcMu.Lock()
	defer r.gcMu.Unlock()

	srcT, err := r.getLocalTimeline(src)
	if err != nil {
		return fmt.Errorf("load source timeline %s: %w", src, err)
	}
	if err := checkLsnIsInScope(srcT, startLsn); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.timelines[dst]; exists {
		r.mu.Unlock()
		return fmt.Errorf("timeline %s already exists", dst)
	}
	r.mu.Unlock()

	var dstPrev *uint64
	if startLsn == srcT.GetLastRecordLsn() {
		if p, ok := srcT.GetPrevRecordLsn(); ok {
			dstPrev = &p
		}
	}

	dstDir := r.timelineDir(dst)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create branch timeline directory: %w", err)
	}

	srcID := src
	m := TimelineMetadata{
		DiskConsistentLsn: startLsn,
		PrevRecordLsn:     dstPrev,
		AncestorTimeline:  &srcID,
		AncestorLsn:       startLsn,
		LatestGcCutoffLsn: startLsn,
		InitdbLsn:         srcT.initdbLsn,
	}
	if err := SaveMetadata(metadataPath(dstDir), m, true); err != nil {
		return fmt.Errorf("save branch metadata: %w", err)
	}
	r.putMetaCache(dst, m)

	r.mu.Lock()
	r.timelines[dst] = &timelineEntry{state: StateReady}
	r.mu.Unlock()

	r.metrics.branchesCreated.Inc()
	return nil
}

// DetachTimeline swaps id's entry from Local to a remote stub (preserving
// disk_consistent_lsn), drops the in-memory Timeline, and removes its
// local directory. Any threads scoped to (tenant, timeline) are owned by
// external collaborators (WAL receiver, uploader) and are outside the
// core's lifecycle.
func (r *Repository) DetachTimeline(id TimelineID) error {
	r.mu.Lock()
	e, ok := r.timelines[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: timeline %s", ErrNotFound, id)
	}

	e.mu.Lock()
	if e.local != nil {
		e.remoteDiskConsistentLsn = e.local.GetDiskConsistentLsn()
		e.local = nil
	}
	e.state = StateCloudOnly
	e.mu.Unlock()

	dir := r.timelineDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove timeline directory: %w", err)
	}
	if r.metaCache != nil {
		_ = r.metaCache.Delete(id.String())
	}
	return nil
}
