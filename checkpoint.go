// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dreamsxin/pageserver/layer"
)

// CheckpointKind selects which of the three checkpoint protocols in
// spec.md §4.6 a call to Timeline.Checkpoint runs.
type CheckpointKind int

const (
	// CheckpointDistance freezes the open layer once it has accumulated
	// more than Distance bytes of WAL behind last_record_lsn. A zero
	// Distance falls back to the timeline's configured CheckpointDistance.
	CheckpointDistance CheckpointKind = iota
	// CheckpointForced freezes the open layer unconditionally and
	// materializes image layers during flush.
	CheckpointForced
	// CheckpointFlush freezes the open layer unconditionally, as a literal
	// zero distance would (unlike CheckpointDistance, whose zero falls back
	// to the configured distance), but produces no image layers during flush.
	CheckpointFlush
)

// CheckpointMode is the argument to Timeline.Checkpoint / Repository's
// checkpoint_iteration, per spec.md §4.6.
type CheckpointMode struct {
	Kind     CheckpointKind
	Distance uint64
}

func ModeDistance(bytes uint64) CheckpointMode {
	return CheckpointMode{Kind: CheckpointDistance, Distance: bytes}
}
func ModeForced() CheckpointMode { return CheckpointMode{Kind: CheckpointForced} }
func ModeFlush() CheckpointMode  { return CheckpointMode{Kind: CheckpointFlush} }

func (m CheckpointMode) String() string {
	switch m.Kind {
	case CheckpointForced:
		return "forced"
	case CheckpointFlush:
		return "flush"
	default:
		return "distance"
	}
}

// shouldFreezeOpen reports whether mode's condition fires against the
// given open layer's buffered range.
func (t *Timeline) shouldFreezeOpen(mode CheckpointMode, open *layer.InMemoryLayer) bool {
	switch mode.Kind {
	case CheckpointForced:
		return true
	case CheckpointFlush:
		return true
	default:
		distance := mode.Distance
		if distance == 0 {
			distance = t.repo.cfg.CheckpointDistance
		}
		behind := t.GetLastRecordLsn() - open.GetStartLsn()
		return behind > distance
	}
}

// Checkpoint runs the freeze/flush protocol of spec.md §4.6, serialized
// against other checkpoints of this timeline by checkpointCs.
func (t *Timeline) Checkpoint(mode CheckpointMode) error {
	t.checkpointCs.Lock()
	defer t.checkpointCs.Unlock()

	t.repo.metrics.checkpoints.WithLabelValues(mode.String()).Inc()

	reconstructPages := mode.Kind == CheckpointForced

	flushed := false
	for {
		if t.repo.shutdown.ShuttingDown() {
			break
		}
		if frozen := t.layers.Frozen(); frozen != nil {
			if err := t.flushFrozen(frozen, reconstructPages); err != nil {
				return err
			}
			flushed = true
			continue
		}

		open := t.layers.Open()
		if open == nil {
			break
		}
		if !t.shouldFreezeOpen(mode, open) {
			break
		}

		// Freeze under the write lock so no writer is mid-append when the
		// layer seals.
		t.writeLock.Lock()
		endLsn := t.GetLastRecordLsn() + 1
		t.layers.FreezeOpen(endLsn)
		t.writeLock.Unlock()
	}

	if flushed {
		for _, l := range t.layers.AllHistoric() {
			if err := l.Unload(); err != nil {
				level.Warn(t.log).Log("msg", "failed to unload historic layer after checkpoint", "layer", l.Filename(), "err", err)
			}
		}
	}
	return nil
}

// flushFrozen implements spec.md §4.6 steps 3-7 for one frozen layer.
func (t *Timeline) flushFrozen(frozen *layer.InMemoryLayer, reconstructPages bool) error {
	start := time.Now()

	var reconstruct func(seg layer.SegmentTag, blk uint32, lsn uint64) ([]byte, error)
	if reconstructPages {
		reconstruct = func(seg layer.SegmentTag, blk uint32, lsn uint64) ([]byte, error) {
			return t.GetPageAtLsn(context.Background(), seg.Relish, uint32(layer.BlockOf(seg.Segno, blk)), lsn)
		}
	}

	deltas, images, err := frozen.WriteToDisk(t.dir, reconstruct)
	if err != nil {
		return fmt.Errorf("flush frozen layer: %w", err)
	}

	t.writeLock.Lock()
	t.layers.ReplaceFrozen(deltas, images)
	t.writeLock.Unlock()

	var newPaths []string
	var flushedBytes int64
	for _, l := range deltas {
		newPaths = append(newPaths, filepath.Join(t.dir, l.Filename()))
	}
	for _, l := range images {
		newPaths = append(newPaths, filepath.Join(t.dir, l.Filename()))
	}
	t.repo.metrics.layersFlushed.Add(float64(len(newPaths)))
	for _, p := range newPaths {
		if fi, err := os.Stat(p); err == nil {
			flushedBytes += fi.Size()
		}
	}

	// Durability barrier: fsync every new layer file plus the timeline
	// directory, in parallel, per spec.md §4.6 step 4.
	g, _ := errgroup.WithContext(context.Background())
	for _, p := range newPaths {
		p := p
		g.Go(func() error {
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("open %s for fsync: %w", p, err)
			}
			defer f.Close()
			return f.Sync()
		})
	}
	g.Go(func() error {
		d, err := os.Open(t.dir)
		if err != nil {
			return fmt.Errorf("open timeline dir for fsync: %w", err)
		}
		defer d.Close()
		return d.Sync()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("durability barrier: %w", err)
	}
	t.repo.metrics.flushedBytes.Add(float64(flushedBytes))

	newDiskConsistentLsn := frozen.GetEndLsn() - 1

	t.lsnMu.Lock()
	advanced := newDiskConsistentLsn > t.diskConsistentLsn
	lastRecordLsn := t.lastRecordLsn
	t.lsnMu.Unlock()

	if advanced {
		m := TimelineMetadata{
			DiskConsistentLsn: newDiskConsistentLsn,
			AncestorTimeline:  t.ancestorID,
			AncestorLsn:       t.ancestorLsn,
			LatestGcCutoffLsn: t.GetLatestGcCutoffLsn(),
			InitdbLsn:         t.initdbLsn,
		}
		// prev_record_lsn is only meaningful at the exact head: persist it
		// iff disk_consistent_lsn == last_record_lsn, per spec.md §4.6 step 5.
		if newDiskConsistentLsn == lastRecordLsn {
			if prev, ok := t.GetPrevRecordLsn(); ok {
				m.PrevRecordLsn = &prev
			}
		}
		if err := SaveMetadata(filepath.Join(t.dir, "metadata"), m, false); err != nil {
			return fmt.Errorf("save metadata after flush: %w", err)
		}
		t.repo.putMetaCache(t.id, m)

		if t.repo.cfg.UploadRelishes {
			if t.repo.uploadLimiter != nil {
				_ = t.repo.uploadLimiter.Wait(context.Background())
			}
			if err := t.repo.uploader.Enqueue(t.tenant, t.id, newPaths, m); err != nil {
				level.Warn(t.log).Log("msg", "failed to enqueue layer upload", "err", err)
			}
		}

		// Publish only after the metadata file is durable.
		t.lsnMu.Lock()
		t.diskConsistentLsn = newDiskConsistentLsn
		t.lsnMu.Unlock()
	}

	t.repo.metrics.lastFlushLagSeconds.Set(time.Since(start).Seconds())
	return nil
}

// CheckpointIteration runs Checkpoint(mode) against every locally resident
// timeline, per spec.md §6's Repository.checkpoint_iteration.
func (r *Repository) CheckpointIteration(mode CheckpointMode) error {
	r.mu.Lock()
	var timelines []*Timeline
	for _, e := range r.timelines {
		e.mu.Lock()
		if e.state == StateReady && e.local != nil {
			timelines = append(timelines, e.local)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	for _, t := range timelines {
		if r.shutdown.ShuttingDown() {
			break
		}
		if err := t.Checkpoint(mode); err != nil {
			return fmt.Errorf("checkpoint timeline %s: %w", t.id, err)
		}
	}
	return nil
}

// RunCheckpointLoop ticks every interval, running a Distance checkpoint
// against every local timeline until ctx is done or the shutdown flag
// fires. It is the autonomous background counterpart to CheckpointIteration,
// adapted from the original pageserver's periodic checkpoint thread. A
// non-positive interval falls back to Config.CheckpointEvery; if that is
// zero as well, the loop returns at once.
func (r *Repository) RunCheckpointLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.CheckpointEvery
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.shutdown.ShuttingDown() {
				return
			}
			if err := r.CheckpointIteration(ModeDistance(0)); err != nil {
				level.Error(r.log).Log("msg", "background checkpoint iteration failed", "err", err)
			}
		}
	}
}
