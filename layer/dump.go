// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// DumpFile identifies path's magic and writes a human-readable dump of its
// chapter catalog and the first 32 bytes of each chapter to w, per spec.md §6's
// dump-file exit contract. An unrecognized magic is reported as an error.
func DumpFile(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var magicBuf [4]byte
	if _, err := f.ReadAt(magicBuf[:], 0); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	magic := binary.LittleEndian.Uint32(magicBuf[:])

	switch magic {
	case DeltaFileMagic:
		return dumpBook(f, path, "delta", DeltaFileMagic, w)
	case ImageFileMagic:
		return dumpBook(f, path, "image", ImageFileMagic, w)
	default:
		return fmt.Errorf("%w: %s: unrecognized magic %#x", ErrCorrupt, path, magic)
	}
}

func dumpBook(f *os.File, path, kind string, magic uint32, w io.Writer) error {
	cat, read, err := readBook(f, magic)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s layer, %d chapters\n", path, kind, len(cat.chapters))
	for _, c := range cat.chapters {
		fmt.Fprintf(w, "  chapter %-10s offset=%-10d length=%d\n", c.name, c.offset, c.length)
		body, err := read(c.name)
		if err != nil {
			continue
		}
		sample := body
		if len(sample) > 32 {
			sample = sample[:32]
		}
		fmt.Fprintf(w, "    sample: % x%s\n", sample, ellipsisIf(len(body) > 32))
	}
	return nil
}

func ellipsisIf(b bool) string {
	if b {
		return " ..."
	}
	return ""
}
