// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"context"
	"errors"

	"github.com/dreamsxin/pageserver/layer"
)

// WalRedoExecutor materializes a page from a base image (possibly absent)
// plus an ordered list of WAL records. It is an external collaborator: the
// core only calls it, never implements it.
type WalRedoExecutor interface {
	Redo(ctx context.Context, relish layer.Relish, blk uint32, requestLsn uint64, base []byte, records []layer.PageVersion) ([]byte, error)
}

// Uploader accepts sealed layer files plus the metadata that just started
// referencing them, for asynchronous offload to remote storage. Enqueue
// must not block the caller past the configured rate limit.
type Uploader interface {
	Enqueue(tenant TenantID, timeline TimelineID, layerPaths []string, meta TimelineMetadata) error
}

// PageCache memoizes materialized pages keyed by (tenant, timeline, relish,
// block, lsn). Get returns the newest cached image at or below lsn. It is
// consulted on read and populated after redo; eviction policy is entirely
// cache-internal.
type PageCache interface {
	Get(tenant TenantID, timeline TimelineID, relish layer.Relish, blk uint32, lsn uint64) ([]byte, uint64, bool)
	Put(tenant TenantID, timeline TimelineID, relish layer.Relish, blk uint32, lsn uint64, image []byte)
}

// ShutdownFlag is checked cooperatively at loop heads (GC between
// timelines, checkpoint between freeze attempts) so a process-wide
// shutdown request can interrupt a long-running pass without cancelling
// in-flight I/O.
type ShutdownFlag interface {
	ShuttingDown() bool
}

type noopPageCache struct{}

func (noopPageCache) Get(TenantID, TimelineID, layer.Relish, uint32, uint64) ([]byte, uint64, bool) {
	return nil, 0, false
}
func (noopPageCache) Put(TenantID, TimelineID, layer.Relish, uint32, uint64, []byte) {}

type noopUploader struct{}

func (noopUploader) Enqueue(TenantID, TimelineID, []string, TimelineMetadata) error { return nil }

// noRedo is the default executor when none is injected. Image-only reads
// never reach it; anything needing record replay fails loudly instead of
// fabricating page contents.
type noRedo struct{}

func (noRedo) Redo(context.Context, layer.Relish, uint32, uint64, []byte, []layer.PageVersion) ([]byte, error) {
	return nil, errors.New("no wal redo executor configured")
}

type neverShuttingDown struct{}

func (neverShuttingDown) ShuttingDown() bool { return false }
