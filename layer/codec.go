// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encodeSegmentTag writes a fixed-plus-variable binary encoding of seg,
// used by the summary chapter of both delta and image layer files.
func encodeSegmentTag(buf *bytes.Buffer, seg SegmentTag) {
	if seg.Relish.IsRelation {
		buf.WriteByte(1)
		var b [13]byte
		binary.LittleEndian.PutUint32(b[0:4], seg.Relish.Rel.SpcNode)
		binary.LittleEndian.PutUint32(b[4:8], seg.Relish.Rel.DbNode)
		binary.LittleEndian.PutUint32(b[8:12], seg.Relish.Rel.RelNode)
		b[12] = seg.Relish.Rel.Fork
		buf.Write(b[:])
	} else {
		buf.WriteByte(0)
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(seg.Relish.NonRelName)))
		buf.Write(lenBuf[:])
		buf.WriteString(seg.Relish.NonRelName)
	}
	blocky := byte(0)
	if seg.Relish.Blocky {
		blocky = 1
	}
	buf.WriteByte(blocky)
	var segnoBuf [4]byte
	binary.LittleEndian.PutUint32(segnoBuf[:], seg.Segno)
	buf.Write(segnoBuf[:])
}

// decodeSegmentTag reads the encoding written by encodeSegmentTag, returning
// the number of bytes consumed.
func decodeSegmentTag(b []byte) (SegmentTag, int, error) {
	if len(b) < 1 {
		return SegmentTag{}, 0, fmt.Errorf("%w: truncated segment tag", ErrCorrupt)
	}
	var seg SegmentTag
	pos := 1
	if b[0] == 1 {
		if len(b) < pos+13 {
			return SegmentTag{}, 0, fmt.Errorf("%w: truncated relation tag", ErrCorrupt)
		}
		seg.Relish.IsRelation = true
		seg.Relish.Rel.SpcNode = binary.LittleEndian.Uint32(b[pos : pos+4])
		seg.Relish.Rel.DbNode = binary.LittleEndian.Uint32(b[pos+4 : pos+8])
		seg.Relish.Rel.RelNode = binary.LittleEndian.Uint32(b[pos+8 : pos+12])
		seg.Relish.Rel.Fork = b[pos+12]
		pos += 13
	} else {
		if len(b) < pos+2 {
			return SegmentTag{}, 0, fmt.Errorf("%w: truncated non-rel tag", ErrCorrupt)
		}
		nameLen := int(binary.LittleEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if len(b) < pos+nameLen {
			return SegmentTag{}, 0, fmt.Errorf("%w: truncated non-rel name", ErrCorrupt)
		}
		seg.Relish.NonRelName = string(b[pos : pos+nameLen])
		pos += nameLen
	}
	if len(b) < pos+5 {
		return SegmentTag{}, 0, fmt.Errorf("%w: truncated segment footer", ErrCorrupt)
	}
	seg.Relish.Blocky = b[pos] == 1
	pos++
	seg.Segno = binary.LittleEndian.Uint32(b[pos : pos+4])
	pos += 4
	return seg, pos, nil
}
