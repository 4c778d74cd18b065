// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TimelineID identifies a timeline within a tenant.
type TimelineID uuid.UUID

func (t TimelineID) String() string { return uuid.UUID(t).String() }

// metadataFileSize is the on-disk size of a timeline's metadata file: a
// fixed binary encoding padded with zeroes, followed by a trailing CRC32.
// The size and layout are a file-format stability requirement; any change
// breaks crash recovery for existing data directories.
const metadataFileSize = 512

const metadataBodySize = 1 + 8 + 1 + 16 + 8 + 8 + 8 + 8 // see encodeMetadata

// TimelineMetadata is the durable record of a timeline's storage state,
// rewritten atomically on every checkpoint.
type TimelineMetadata struct {
	DiskConsistentLsn uint64
	PrevRecordLsn     *uint64
	AncestorTimeline  *TimelineID
	AncestorLsn       uint64
	LatestGcCutoffLsn uint64
	InitdbLsn         uint64
}

func encodeMetadata(m TimelineMetadata) []byte {
	buf := make([]byte, metadataBodySize)
	pos := 0

	buf[pos] = 0
	if m.PrevRecordLsn != nil {
		buf[pos] = 1
	}
	pos++
	var prev uint64
	if m.PrevRecordLsn != nil {
		prev = *m.PrevRecordLsn
	}
	binary.LittleEndian.PutUint64(buf[pos:], prev)
	pos += 8

	buf[pos] = 0
	if m.AncestorTimeline != nil {
		buf[pos] = 1
	}
	pos++
	var anc [16]byte
	if m.AncestorTimeline != nil {
		anc = [16]byte(*m.AncestorTimeline)
	}
	copy(buf[pos:pos+16], anc[:])
	pos += 16

	binary.LittleEndian.PutUint64(buf[pos:], m.AncestorLsn)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], m.DiskConsistentLsn)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], m.LatestGcCutoffLsn)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], m.InitdbLsn)
	pos += 8

	return buf
}

func decodeMetadata(buf []byte) (TimelineMetadata, error) {
	if len(buf) < metadataBodySize {
		return TimelineMetadata{}, fmt.Errorf("%w: truncated metadata body", ErrCorrupt)
	}
	var m TimelineMetadata
	pos := 0

	hasPrev := buf[pos] == 1
	pos++
	prev := binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	if hasPrev {
		m.PrevRecordLsn = &prev
	}

	hasAncestor := buf[pos] == 1
	pos++
	var anc TimelineID
	copy(anc[:], buf[pos:pos+16])
	pos += 16
	if hasAncestor {
		m.AncestorTimeline = &anc
	}

	m.AncestorLsn = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	m.DiskConsistentLsn = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	m.LatestGcCutoffLsn = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	m.InitdbLsn = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8

	return m, nil
}

// marshalMetadataFile renders m into the fixed 512-byte on-disk form: the
// encoded body, zero-padded, with a CRC32 of the entire padded prefix (body
// plus padding, everything but the trailing 4-byte checksum itself) written
// to the final 4 bytes. Covering the padding, not just the packed struct
// fields, is what makes a bit flip anywhere in the file detectable.
func marshalMetadataFile(m TimelineMetadata) []byte {
	out := make([]byte, metadataFileSize)
	body := encodeMetadata(m)
	copy(out, body)
	crc := crc32.ChecksumIEEE(out[:metadataFileSize-4])
	binary.LittleEndian.PutUint32(out[metadataFileSize-4:], crc)
	return out
}

// unmarshalMetadataFile validates the checksum and decodes buf, which must
// be exactly metadataFileSize bytes.
func unmarshalMetadataFile(buf []byte) (TimelineMetadata, error) {
	if len(buf) != metadataFileSize {
		return TimelineMetadata{}, fmt.Errorf("%w: metadata file is %d bytes, want %d", ErrCorrupt, len(buf), metadataFileSize)
	}
	wantCrc := binary.LittleEndian.Uint32(buf[metadataFileSize-4:])
	gotCrc := crc32.ChecksumIEEE(buf[:metadataFileSize-4])
	if wantCrc != gotCrc {
		return TimelineMetadata{}, fmt.Errorf("metadata checksum mismatch")
	}
	return decodeMetadata(buf[:metadataBodySize])
}

// EncodeMetadataFile renders m into the fixed-size on-disk form used both
// by the flat per-timeline metadata file and by metadb's cache entries.
func EncodeMetadataFile(m TimelineMetadata) []byte { return marshalMetadataFile(m) }

// DecodeMetadataFile is the inverse of EncodeMetadataFile, validating the
// trailing CRC32 exactly as LoadMetadata does for the flat file.
func DecodeMetadataFile(buf []byte) (TimelineMetadata, error) { return unmarshalMetadataFile(buf) }

// LoadMetadata reads and validates the metadata file at path. A checksum
// failure is reported as "metadata checksum mismatch", which LoadMetadata
// itself wraps with "failed to load metadata", as it does read errors.
func LoadMetadata(path string) (TimelineMetadata, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return TimelineMetadata{}, fmt.Errorf("failed to load metadata: %w", err)
	}
	m, err := unmarshalMetadataFile(buf)
	if err != nil {
		return TimelineMetadata{}, fmt.Errorf("failed to load metadata: %w", err)
	}
	return m, nil
}

// SaveMetadata writes m to path. firstSave fsyncs the parent directory in
// addition to the file, establishing durability for the directory entry
// itself; subsequent saves only need the file fsync since the directory
// entry already exists.
func SaveMetadata(path string, m TimelineMetadata, firstSave bool) error {
	buf := marshalMetadataFile(m)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write metadata file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync metadata file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metadata file: %w", err)
	}

	if firstSave {
		dir, err := os.Open(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("open timeline directory for fsync: %w", err)
		}
		defer dir.Close()
		if err := dir.Sync(); err != nil {
			return fmt.Errorf("fsync timeline directory: %w", err)
		}
	}
	return nil
}
