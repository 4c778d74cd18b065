// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// EphemeralFilePrefix names scratch files so a directory scan can recognize
// and delete any left stranded by a crash.
const EphemeralFilePrefix = "ephemeral-"

// EphemeralFile is an anonymous scratch file exclusively owned by one
// in-memory layer, used to spill buffered page versions once the layer's
// in-process memory budget is exceeded. It is deleted by its owning layer
// on Delete. A stranded scratch file is deleted at startup only if it lies
// in a timeline directory; InMemoryLayer creates its spill files in the
// default temp directory, which the startup scan does not visit.
type EphemeralFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
	off  int64
}

// NewEphemeralFile creates a new scratch file under dir (or the default
// temp directory if dir is empty).
func NewEphemeralFile(dir string) (*EphemeralFile, error) {
	pattern := EphemeralFilePrefix + "*.tmp"
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &EphemeralFile{f: f, path: f.Name()}, nil
}

// Append writes one page version record to the end of the scratch file.
func (e *EphemeralFile) Append(seg SegmentTag, blk uint32, lsn uint64, pv PageVersion) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := pv.Image
	kind := byte(0)
	if payload == nil {
		payload = pv.Record
		kind = 1
	}
	willInit := byte(0)
	if pv.WillInit {
		willInit = 1
	}

	var hdr [4 + 8 + 1 + 1 + 4]byte
	binary.LittleEndian.PutUint32(hdr[0:4], blk)
	binary.LittleEndian.PutUint64(hdr[4:12], lsn)
	hdr[12] = kind
	hdr[13] = willInit
	binary.LittleEndian.PutUint32(hdr[14:18], uint32(len(payload)))

	if _, err := e.f.WriteAt(hdr[:], e.off); err != nil {
		return fmt.Errorf("ephemeral file header write: %w", err)
	}
	if _, err := e.f.WriteAt(payload, e.off+int64(len(hdr))); err != nil {
		return fmt.Errorf("ephemeral file payload write: %w", err)
	}
	e.off += int64(len(hdr)) + int64(len(payload))
	return nil
}

// Remove closes and deletes the scratch file.
func (e *EphemeralFile) Remove() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f == nil {
		return nil
	}
	path := e.path
	if err := e.f.Close(); err != nil {
		return err
	}
	e.f = nil
	return os.Remove(path)
}

// IsEphemeralFilename reports whether name looks like a stranded scratch
// file left over from a crash, recognized by the directory scan at load
// time and deleted unconditionally.
func IsEphemeralFilename(name string) bool {
	return len(name) >= len(EphemeralFilePrefix) && name[:len(EphemeralFilePrefix)] == EphemeralFilePrefix
}
