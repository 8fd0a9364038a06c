/*
Copyright (C) 2023  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package stripeheader implements the StripeHeaderFooter record (spec.md
// 3.4, 6.1): the dual A/B copies bracketing each stripe's on-disk
// directory, and the rule for picking the valid copy on recovery.
package stripeheader

import (
	"encoding/binary"
	"fmt"
)

const (
	Magic = 0xF1D0F00D

	// StoreBlockSize is the rounding quantum for header/footer regions.
	StoreBlockSize = 8192

	// fixedSize is every field up to (not including) the variable-length
	// freelist array.
	fixedSize = 4 /*magic*/ + 4 /*version*/ + 8 /*create_time*/ + 8 /*write_pos*/ +
		8 /*last_write_pos*/ + 8 /*agg_pos*/ + 4 /*generation*/ + 1 /*phase*/ +
		4 /*cycle*/ + 4 /*sync_serial*/ + 4 /*write_serial*/ + 1 /*dirty*/ + 4 /*sector_size*/
)

// HeaderFooter is the synchronous pair written at the start (header) and
// end (footer) of each directory copy. A copy is valid only when its
// header and footer carry the same SyncSerial; only the header carries
// the freelist snapshot (spec.md 3.4).
type HeaderFooter struct {
	Version        uint32
	CreateTime     uint64
	WritePos       uint64
	LastWritePos   uint64
	AggPos         uint64
	Generation     uint32
	Phase          bool
	Cycle          uint32
	SyncSerial     uint32
	WriteSerial    uint32
	Dirty          bool
	SectorSize     uint32
	Freelist       []uint16 // one free-slot head per segment; header copy only
}

// Encode serializes h. withFreelist controls whether the variable-length
// freelist trailer is appended (true for the header slot, false for the
// footer slot, matching the on-disk layout in spec.md 6.1).
func (h *HeaderFooter) Encode(withFreelist bool) []byte {
	size := fixedSize
	if withFreelist {
		size += 2 * len(h.Freelist)
	}
	buf := make([]byte, size)
	o := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[o:], v); o += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[o:], v); o += 8 }
	putBool := func(v bool) {
		if v {
			buf[o] = 1
		}
		o++
	}

	putU32(Magic)
	putU32(h.Version)
	putU64(h.CreateTime)
	putU64(h.WritePos)
	putU64(h.LastWritePos)
	putU64(h.AggPos)
	putU32(h.Generation)
	putBool(h.Phase)
	putU32(h.Cycle)
	putU32(h.SyncSerial)
	putU32(h.WriteSerial)
	putBool(h.Dirty)
	putU32(h.SectorSize)
	if withFreelist {
		for _, f := range h.Freelist {
			binary.LittleEndian.PutUint16(buf[o:], f)
			o += 2
		}
	}
	return buf
}

// Decode parses a HeaderFooter out of buf. numSegments tells it how many
// freelist entries to expect when withFreelist is true.
func Decode(buf []byte, withFreelist bool, numSegments int) (*HeaderFooter, error) {
	need := fixedSize
	if withFreelist {
		need += 2 * numSegments
	}
	if len(buf) < need {
		return nil, fmt.Errorf("stripeheader: short buffer (%d < %d)", len(buf), need)
	}
	o := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[o:]); o += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[o:]); o += 8; return v }
	getBool := func() bool { v := buf[o] != 0; o++; return v }

	magic := getU32()
	if magic != Magic {
		return nil, fmt.Errorf("stripeheader: bad magic %#x", magic)
	}
	h := &HeaderFooter{}
	h.Version = getU32()
	h.CreateTime = getU64()
	h.WritePos = getU64()
	h.LastWritePos = getU64()
	h.AggPos = getU64()
	h.Generation = getU32()
	h.Phase = getBool()
	h.Cycle = getU32()
	h.SyncSerial = getU32()
	h.WriteSerial = getU32()
	h.Dirty = getBool()
	h.SectorSize = getU32()
	if withFreelist {
		h.Freelist = make([]uint16, numSegments)
		for i := range h.Freelist {
			h.Freelist[i] = binary.LittleEndian.Uint16(buf[o:])
			o += 2
		}
	}
	return h, nil
}

// agrees reports whether a header and its paired footer describe the same
// committed directory sync (spec.md 3.4: "header.sync_serial ==
// footer.sync_serial for a valid copy").
func agrees(header, footer *HeaderFooter) bool {
	return header != nil && footer != nil && header.SyncSerial == footer.SyncSerial
}

// PickValid selects the valid copy between A and B on recovery: the one
// whose header and footer agree, and if both agree, the one with the
// greater sync_serial (spec.md 3.4, 4.5).
func PickValid(headerA, footerA, headerB, footerB *HeaderFooter) (*HeaderFooter, bool, error) {
	aOK := agrees(headerA, footerA)
	bOK := agrees(headerB, footerB)
	switch {
	case aOK && bOK:
		if headerA.SyncSerial >= headerB.SyncSerial {
			return headerA, false, nil
		}
		return headerB, true, nil
	case aOK:
		return headerA, false, nil
	case bOK:
		return headerB, true, nil
	default:
		return nil, false, fmt.Errorf("stripeheader: neither copy is valid")
	}
}

// HeaderLen rounds up the header region (fixed fields + one freelist
// uint16 per segment) to StoreBlockSize (spec.md 6.1).
func HeaderLen(numSegments int) int64 {
	return roundUp(int64(fixedSize+2*numSegments), StoreBlockSize)
}

// FooterLen rounds up the footer region (fixed fields only) to
// StoreBlockSize.
func FooterLen() int64 {
	return roundUp(int64(fixedSize), StoreBlockSize)
}

func roundUp(n, quantum int64) int64 {
	return ((n + quantum - 1) / quantum) * quantum
}

// entrySize is dirent.Entry's on-disk width (spec.md 6.1: "10 bytes"); not
// imported directly from dirent to avoid a dependency cycle (dirent is a
// leaf package, stripeheader stays one too).
const entrySize = 10

// DirectorySize is one copy's raw directory region size: segments times
// buckets times Depth(4) entries of entrySize bytes each (spec.md 6.1
// "buckets·4·10·segs").
func DirectorySize(segments, buckets int) int64 {
	const depth = 4
	return int64(segments) * int64(buckets) * depth * entrySize
}

// CopyLen is one header+directory+footer copy's total length ("dirlen" in
// spec.md 6.1), the stride between copy A and copy B and between copy B
// and the start of the data area.
func CopyLen(segments, buckets int) int64 {
	return HeaderLen(segments) + DirectorySize(segments, buckets) + FooterLen()
}
