// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/pageserver/layer"
)

// TimelineState is the lifecycle state a Repository tracks a timeline
// entry under, per spec.md §4.8's set_timeline_state.
type TimelineState int

const (
	StateReady TimelineState = iota
	StateEvicted
	StateAwaitsDownload
	StateCloudOnly
)

func (s TimelineState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateEvicted:
		return "evicted"
	case StateAwaitsDownload:
		return "awaits_download"
	case StateCloudOnly:
		return "cloud_only"
	default:
		return "unknown"
	}
}

// Timeline owns a layer map plus the durable LSN bookkeeping described in
// spec.md §3. It is always reached through a Repository; callers never
// construct one directly.
type Timeline struct {
	id     TimelineID
	tenant TenantID
	dir    string
	repo   *Repository

	layers *layer.Map

	ancestorID  *TimelineID
	ancestorLsn uint64
	initdbLsn   uint64

	// writeLock is held by a TimelineWriter for the duration of a write
	// batch; it is acquired before the LayerMap lock. Writers never take
	// checkpointCs, while Checkpoint takes writeLock with checkpointCs
	// already held, so between those two the order is checkpointCs first.
	writeLock sync.Mutex
	// checkpointCs serializes checkpoints for this timeline.
	checkpointCs sync.Mutex

	lsnMu             sync.Mutex
	lastRecordLsn     uint64
	prevRecordLsn     uint64
	havePrevRecordLsn bool
	diskConsistentLsn uint64
	latestGcCutoffLsn uint64
	lsnChanged        chan struct{}

	currentLogicalSize atomic.Int64

	// relSizeCache memoizes each relish's current size in blocks for the
	// writer's extend/truncate paths. Guarded by relSizeMu, the innermost
	// lock in spec.md §5's ordering.
	relSizeMu    sync.Mutex
	relSizeCache map[string]uint32

	log log.Logger
}

func newTimeline(repo *Repository, id TimelineID, dir string, m TimelineMetadata) *Timeline {
	t := &Timeline{
		id:                id,
		tenant:            repo.tenant,
		dir:               dir,
		repo:              repo,
		layers:            layer.NewMap(m.DiskConsistentLsn + 1),
		ancestorLsn:       m.AncestorLsn,
		initdbLsn:         m.InitdbLsn,
		lastRecordLsn:     m.DiskConsistentLsn,
		diskConsistentLsn: m.DiskConsistentLsn,
		latestGcCutoffLsn: m.LatestGcCutoffLsn,
		lsnChanged:        make(chan struct{}),
		relSizeCache:      make(map[string]uint32),
		log:               log.With(repo.log, "timeline", id.String()),
	}
	if m.PrevRecordLsn != nil {
		t.prevRecordLsn = *m.PrevRecordLsn
		t.havePrevRecordLsn = true
	}
	t.ancestorID = m.AncestorTimeline
	return t
}

// WaitLsn blocks until LastRecordLsn() >= target or the configured timeout
// elapses, in which case it returns ErrWaitTimeout. The WAL receiver thread
// must never call this on its own timeline; enforcement is the caller's
// responsibility (there is no thread-local flag in Go, so it is documented
// rather than mechanically enforced).
func (t *Timeline) WaitLsn(target uint64) error {
	deadline := time.Now().Add(t.repo.cfg.WaitLsnTimeout)
	for {
		t.lsnMu.Lock()
		if t.lastRecordLsn >= target {
			t.lsnMu.Unlock()
			return nil
		}
		ch := t.lsnChanged
		t.lsnMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.repo.metrics.waitLsnTimeouts.Inc()
			return ErrWaitTimeout
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			t.repo.metrics.waitLsnTimeouts.Inc()
			return ErrWaitTimeout
		}
	}
}

// advanceLastRecordLsn publishes newLsn as the new head, remembers the old
// head as prev_record_lsn, and wakes every WaitLsn waiter. Called by
// TimelineWriter, never directly by readers.
func (t *Timeline) advanceLastRecordLsn(newLsn uint64) {
	t.lsnMu.Lock()
	if newLsn <= t.lastRecordLsn {
		t.lsnMu.Unlock()
		return
	}
	t.prevRecordLsn = t.lastRecordLsn
	t.havePrevRecordLsn = true
	t.lastRecordLsn = newLsn
	ch := t.lsnChanged
	t.lsnChanged = make(chan struct{})
	t.lsnMu.Unlock()
	close(ch)
}

func (t *Timeline) GetLastRecordLsn() uint64 {
	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()
	return t.lastRecordLsn
}

func (t *Timeline) GetPrevRecordLsn() (uint64, bool) {
	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()
	return t.prevRecordLsn, t.havePrevRecordLsn
}

func (t *Timeline) GetDiskConsistentLsn() uint64 {
	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()
	return t.diskConsistentLsn
}

func (t *Timeline) GetLatestGcCutoffLsn() uint64 {
	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()
	return t.latestGcCutoffLsn
}

func (t *Timeline) setLatestGcCutoffLsn(lsn uint64) {
	t.lsnMu.Lock()
	t.latestGcCutoffLsn = lsn
	t.lsnMu.Unlock()
}

func (t *Timeline) GetCurrentLogicalSize() int64 {
	return t.currentLogicalSize.Load()
}

// addLogicalSize adjusts the atomic byte counter and mirrors it into the
// gauge. The two updates are not atomic with each other; the gauge may
// drift by at most the concurrent writers' in-flight deltas.
func (t *Timeline) addLogicalSize(delta int64) {
	v := t.currentLogicalSize.Add(delta)
	t.repo.metrics.logicalSize.WithLabelValues(t.id.String()).Set(float64(v))
}

func (t *Timeline) setCachedRelishSize(relish layer.Relish, size uint32) {
	t.relSizeMu.Lock()
	t.relSizeCache[relish.String()] = size
	t.relSizeMu.Unlock()
}

func (t *Timeline) dropCachedRelishSize(relish layer.Relish) {
	t.relSizeMu.Lock()
	delete(t.relSizeCache, relish.String())
	t.relSizeMu.Unlock()
}

// GetCurrentLogicalSizeNonIncremental recomputes the logical size from
// scratch by summing every relish's size at lsn, rather than trusting the
// incrementally maintained counter. It is slow; nothing in this package
// calls it, and a timeline loaded from disk does not seed its counter from
// it.
func (t *Timeline) GetCurrentLogicalSizeNonIncremental(lsn uint64) (int64, error) {
	rels, err := t.ListRelishes(nil, lsn)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, relish := range rels {
		size, err := t.GetRelishSize(relish, lsn)
		if err != nil {
			level.Warn(t.log).Log("msg", "failed to size relish during non-incremental size check", "relish", relish.String(), "err", err)
			continue
		}
		if size != nil {
			total += int64(*size) * layer.PageSize
		}
	}
	return total, nil
}

// Writer acquires the timeline's write lock and returns a TimelineWriter
// scoped to this call. Callers must call Close (or defer it) to release
// the lock.
func (t *Timeline) Writer() *TimelineWriter {
	t.writeLock.Lock()
	return &TimelineWriter{t: t}
}

func (t *Timeline) isAncestorReachable() bool {
	return t.ancestorID != nil
}

func (t *Timeline) String() string {
	return fmt.Sprintf("timeline(%s)", t.id)
}
