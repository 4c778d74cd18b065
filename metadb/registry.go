// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metadb caches a tenant's per-timeline metadata blobs in a local
// bolt database, so the garbage collector's branchpoint enumeration and the
// repository's timeline lookups don't re-stat and re-parse every timeline's
// flat metadata file on every pass. The flat file under each timeline
// directory (see the pageserver package's TimelineMetadata) remains the
// durable source of truth and crash-recovery format; this registry is a
// write-through, invalidate-on-write side index that is safe to delete and
// rebuild from a directory scan at any time.
package metadb

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var metadataBucket = []byte("metadata")

// Registry is a bolt-backed cache of raw, fixed-layout metadata file
// contents keyed by timeline id string.
type Registry struct {
	db *bolt.DB
}

// Open creates or opens the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata registry bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Put caches raw (the fixed-size on-disk metadata encoding) for id,
// overwriting any previous entry. Callers write through to the flat file
// first; Put is best-effort acceleration, never the commit point.
func (r *Registry) Put(id string, raw []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(id), raw)
	})
}

// Get returns the cached raw metadata for id, if present.
func (r *Registry) Get(id string) ([]byte, bool, error) {
	var out []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metadataBucket).Get([]byte(id))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Delete evicts id's cached entry, e.g. after DetachTimeline removes the
// timeline's local directory.
func (r *Registry) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Delete([]byte(id))
	})
}

// Close releases the underlying bolt database.
func (r *Registry) Close() error {
	return r.db.Close()
}
