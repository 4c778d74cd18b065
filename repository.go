// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/dreamsxin/pageserver/layer"
	"github.com/dreamsxin/pageserver/metadb"
)

// TenantID identifies the tenant a Repository serves.
type TenantID uuid.UUID

func (t TenantID) String() string { return uuid.UUID(t).String() }

// timelineEntry is the Repository's bookkeeping for one timeline: either a
// resident Timeline (state == StateReady) or a remote stub recording only
// its disk_consistent_lsn, per spec.md §4.8's Local/Remote variant.
type timelineEntry struct {
	mu    sync.Mutex
	state TimelineState
	local *Timeline

	// remoteDiskConsistentLsn is the only state retained for an entry that
	// has been evicted or detached to remote storage.
	remoteDiskConsistentLsn uint64
}

// Repository owns every timeline for one tenant: directory layout,
// metadata persistence, and the gc_cs lock that excludes timeline creation
// from garbage collection, per spec.md §3 and §5.
type Repository struct {
	tenant TenantID
	dir    string // <data_dir>/tenants/<tenant_id>
	cfg    Config

	log     log.Logger
	metrics *repoMetrics

	redo      WalRedoExecutor
	uploader  Uploader
	pageCache PageCache
	shutdown  ShutdownFlag

	// gcMu is the repository-wide gc_cs: held for the duration of a GC pass
	// and by timeline creation/branching to exclude it.
	gcMu sync.Mutex

	// mu guards timelines; critical sections under it are kept short, with
	// long I/O done after release, per spec.md §5's lock ordering.
	mu        sync.Mutex
	timelines map[TimelineID]*timelineEntry

	// uploadLimiter throttles Uploader.Enqueue calls so a checkpoint storm
	// can't flood the out-of-scope uploader's queue. Nil when
	// Config.UploadRateLimit is unset.
	uploadLimiter *rate.Limiter

	// metaCache is a bolt-backed side index of every timeline's metadata
	// blob, accelerating GC's branchpoint enumeration and repeated timeline
	// lookups. Nil (degrading to flat-file reads) if it failed to open.
	metaCache *metadb.Registry

	flock *os.File
}

// OpenOptions supplies the external collaborators and registry a
// Repository is built with.
type OpenOptions struct {
	Tenant     TenantID
	DataDir    string
	Config     Config
	Logger     log.Logger
	Registerer prometheus.Registerer
	Redo       WalRedoExecutor
	Uploader   Uploader
	PageCache  PageCache
	Shutdown   ShutdownFlag
}

// Open loads (or initializes) the tenant directory at opts.DataDir,
// registering an entry for every timeline directory found there; each
// timeline's layer files and metadata are loaded on its first access.
func Open(opts OpenOptions) (*Repository, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Uploader == nil {
		opts.Uploader = noopUploader{}
	}
	if opts.PageCache == nil {
		opts.PageCache = noopPageCache{}
	}
	if opts.Shutdown == nil {
		opts.Shutdown = neverShuttingDown{}
	}
	if opts.Redo == nil {
		opts.Redo = noRedo{}
	}
	opts.Config.applyDefaults()

	dir := filepath.Join(opts.DataDir, "tenants", opts.Tenant.String())
	if err := os.MkdirAll(filepath.Join(dir, "timelines"), 0o755); err != nil {
		return nil, fmt.Errorf("create tenant directory: %w", err)
	}

	fl, err := lockDataDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lock tenant directory: %w", err)
	}

	repo := &Repository{
		tenant:    opts.Tenant,
		dir:       dir,
		cfg:       opts.Config,
		log:       log.With(opts.Logger, "tenant", opts.Tenant.String()),
		metrics:   newRepoMetrics(opts.Registerer),
		redo:      opts.Redo,
		uploader:  opts.Uploader,
		pageCache: opts.PageCache,
		shutdown:  opts.Shutdown,
		timelines: make(map[TimelineID]*timelineEntry),
		flock:     fl,
	}
	if opts.Config.UploadRateLimit > 0 {
		repo.uploadLimiter = rate.NewLimiter(rate.Limit(opts.Config.UploadRateLimit), opts.Config.UploadRateBurst)
	}

	if reg, err := metadb.Open(filepath.Join(dir, "registry.bbolt")); err != nil {
		level.Warn(repo.log).Log("msg", "failed to open metadata registry cache, falling back to flat-file reads", "err", err)
	} else {
		repo.metaCache = reg
	}

	entries, err := os.ReadDir(filepath.Join(dir, "timelines"))
	if err != nil {
		return nil, fmt.Errorf("list timelines: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			level.Warn(repo.log).Log("msg", "skipping unrecognized timeline directory", "name", e.Name())
			continue
		}
		repo.timelines[TimelineID(id)] = &timelineEntry{state: StateReady}
	}

	return repo, nil
}

func (r *Repository) timelineDir(id TimelineID) string {
	return filepath.Join(r.dir, "timelines", id.String())
}

// putMetaCache writes m's encoded form into the metadata registry cache,
// if one is open. Best-effort: a cache write failure only costs a future
// flat-file re-read, never correctness.
func (r *Repository) putMetaCache(id TimelineID, m TimelineMetadata) {
	if r.metaCache == nil {
		return
	}
	if err := r.metaCache.Put(id.String(), EncodeMetadataFile(m)); err != nil {
		level.Warn(r.log).Log("msg", "failed to update metadata registry cache", "timeline", id.String(), "err", err)
	}
}

// cachedMetadata returns id's metadata from the registry cache if present,
// otherwise loads and decodes the flat file and backfills the cache.
func (r *Repository) cachedMetadata(id TimelineID) (TimelineMetadata, error) {
	if r.metaCache != nil {
		if raw, ok, err := r.metaCache.Get(id.String()); err == nil && ok {
			if m, err := DecodeMetadataFile(raw); err == nil {
				return m, nil
			}
		}
	}
	m, err := LoadMetadata(metadataPath(r.timelineDir(id)))
	if err != nil {
		return TimelineMetadata{}, err
	}
	r.putMetaCache(id, m)
	return m, nil
}

// Close releases the tenant directory lock and the metadata registry
// cache. It does not touch any on-disk timeline state.
func (r *Repository) Close() error {
	var firstErr error
	if r.metaCache != nil {
		if err := r.metaCache.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.flock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadTimelineLocked loads (or lazily initializes in memory) the timeline
// id from disk. Callers must hold the entry's mu.
func (r *Repository) loadTimelineLocked(id TimelineID) (*Timeline, error) {
	dir := r.timelineDir(id)
	metaPath := filepath.Join(dir, "metadata")
	m, err := LoadMetadata(metaPath)
	if err != nil {
		return nil, err
	}

	if err := quarantineFutureLayerFiles(dir, m.DiskConsistentLsn); err != nil {
		level.Error(r.log).Log("msg", "failed renaming future layer files aside", "timeline", id.String(), "err", err)
	}

	t := newTimeline(r, id, dir, m)
	if err := scanLayerFiles(t, dir); err != nil {
		return nil, fmt.Errorf("scan layer files for timeline %s: %w", id, err)
	}
	return t, nil
}

// getLocalTimeline returns a resident Timeline for id, loading it from
// disk if this is the first access, or ErrRemoteOnly if the entry is
// marked remote.
func (r *Repository) getLocalTimeline(id TimelineID) (*Timeline, error) {
	r.mu.Lock()
	e, ok := r.timelines[id]
	if !ok {
		e = &timelineEntry{state: StateReady}
		r.timelines[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReady {
		return nil, fmt.Errorf("%w: timeline %s", ErrRemoteOnly, id)
	}
	if e.local != nil {
		return e.local, nil
	}
	t, err := r.loadTimelineLocked(id)
	if err != nil {
		return nil, err
	}
	e.local = t
	return t, nil
}

// GetTimeline returns the timeline for id, or ErrRemoteOnly if it is not
// locally resident (scheduling a download is left to the caller's
// collaborator, since the core has no downloader of its own).
func (r *Repository) GetTimeline(id TimelineID) (*Timeline, error) {
	return r.getLocalTimeline(id)
}

// GetTimelineState reports the lifecycle state last recorded for id.
func (r *Repository) GetTimelineState(id TimelineID) (TimelineState, error) {
	r.mu.Lock()
	e, ok := r.timelines[id]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: timeline %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// SetTimelineState transitions id's entry, per spec.md §4.8.
func (r *Repository) SetTimelineState(id TimelineID, state TimelineState) error {
	r.mu.Lock()
	e, ok := r.timelines[id]
	if !ok {
		e = &timelineEntry{state: StateReady}
		r.timelines[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch state {
	case StateReady:
		if e.local == nil {
			t, err := r.loadTimelineLocked(id)
			if err != nil {
				return err
			}
			e.local = t
		}
		e.state = StateReady
	case StateEvicted:
		if e.local != nil {
			e.remoteDiskConsistentLsn = e.local.GetDiskConsistentLsn()
			e.local = nil
		}
		e.state = StateEvicted
	case StateAwaitsDownload, StateCloudOnly:
		if e.local != nil {
			e.remoteDiskConsistentLsn = e.local.GetDiskConsistentLsn()
			e.local = nil
		}
		e.state = state
	default:
		return fmt.Errorf("%w: unknown timeline state %d", ErrInvariant, state)
	}
	return nil
}

// quarantineFutureLayerFiles renames aside any delta/image layer file in
// dir whose coverage extends past diskConsistentLsn, per spec.md §3's
// crash-recovery invariant: such files are presumed partial writes from a
// crash before the metadata commit that would have referenced them.
func quarantineFutureLayerFiles(dir string, diskConsistentLsn uint64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "metadata" || layer.IsEphemeralFilename(e.Name()) {
			continue
		}
		if strings.Contains(e.Name(), ".old") {
			continue
		}
		isFuture, err := isFutureLayerFile(e.Name(), diskConsistentLsn)
		if err != nil {
			// Unrecognized filename: quarantine it too, per spec.md §3/§6.
			if renameErr := renameAside(dir, e.Name()); renameErr != nil {
				return renameErr
			}
			continue
		}
		if isFuture {
			if err := renameAside(dir, e.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

func isFutureLayerFile(name string, diskConsistentLsn uint64) (bool, error) {
	parts := strings.Split(name, "_")
	n := len(parts)
	// Delta names carry two fixed-width LSN fields, image names one; the
	// width requirement keeps a segment tag's own trailing numbers (e.g.
	// the segno) from being mistaken for an LSN.
	if n >= 3 {
		if start, ok1 := parseLsnHex(parts[n-2]); ok1 {
			if end, ok2 := parseLsnHex(parts[n-1]); ok2 && start < end {
				return end > diskConsistentLsn+1, nil
			}
		}
	}
	if n >= 2 {
		if lsn, ok := parseLsnHex(parts[n-1]); ok {
			return lsn > diskConsistentLsn, nil
		}
	}
	return false, fmt.Errorf("unrecognized layer filename %q", name)
}

// parseLsnHex parses one fixed-width (16 hex digit) LSN field of a layer
// filename, as produced by DeltaFilename/ImageFilename.
func parseLsnHex(s string) (uint64, bool) {
	if len(s) != 16 {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// renameAside moves name to name.N.old, N being the smallest unused
// non-negative integer, per spec.md §6.
func renameAside(dir, name string) error {
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s.%d.old", name, n)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return os.Rename(filepath.Join(dir, name), filepath.Join(dir, candidate))
		}
	}
}

// scanLayerFiles populates t's layer map from every recognized on-disk
// layer file remaining in dir after quarantine, and deletes stranded
// ephemeral scratch files.
func scanLayerFiles(t *Timeline, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "metadata" || strings.Contains(name, ".old") {
			continue
		}
		if layer.IsEphemeralFilename(name) {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		seg, lsns, isDelta, err := parseLayerFilename(name)
		if err != nil {
			continue
		}
		path := filepath.Join(dir, name)
		if isDelta {
			t.layers.InsertHistoric(layer.OpenDeltaLayer(path, seg, lsns[0], lsns[1]))
		} else {
			t.layers.InsertHistoric(layer.OpenImageLayer(path, seg, lsns[0]))
		}
	}
	return nil
}

// parseLayerFilename recovers a layer file's (segment, LSNs, is-delta)
// from its name: <tag>_<lsn> for images, <tag>_<start>_<end> for deltas,
// where <tag> itself may contain underscores and the LSN fields are fixed
// 16-hex-digit strings.
func parseLayerFilename(name string) (layer.SegmentTag, [2]uint64, bool, error) {
	parts := strings.Split(name, "_")
	n := len(parts)
	if n >= 3 {
		start, ok1 := parseLsnHex(parts[n-2])
		end, ok2 := parseLsnHex(parts[n-1])
		if ok1 && ok2 && start < end {
			seg, err := layer.ParseSegmentTag(strings.Join(parts[:n-2], "_"))
			if err == nil {
				return seg, [2]uint64{start, end}, true, nil
			}
		}
	}
	if n >= 2 {
		if lsn, ok := parseLsnHex(parts[n-1]); ok {
			seg, err := layer.ParseSegmentTag(strings.Join(parts[:n-1], "_"))
			if err != nil {
				return layer.SegmentTag{}, [2]uint64{}, false, err
			}
			return seg, [2]uint64{lsn, 0}, false, nil
		}
	}
	return layer.SegmentTag{}, [2]uint64{}, false, fmt.Errorf("unrecognized layer filename %q", name)
}
