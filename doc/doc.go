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

// Package doc implements the on-disk fragment record (spec.md 3.5, 6.1):
// a fixed header describing the fragment followed by variable-length
// header bytes (for HTTP, the marshalled alternate vector / response
// header) and data bytes.
package doc

import (
	"encoding/binary"
	"fmt"

	"github.com/launix-de/objcache/cachekey"
)

const (
	Magic        = 0x5F129B13
	MagicCorrupt = 0xDEADBABE
	NoChecksum   = 0xA0B0C0D0

	// HeaderSize is the fixed prefix before the variable hdr/data bytes:
	// magic(4) + len(4) + total_len(8) + first_key(16) + key(16) +
	// hlen(4) + flags(4) + sync_serial(4) + write_serial(4) + pinned(4) +
	// checksum(4).
	HeaderSize = 4 + 4 + 8 + 16 + 16 + 4 + 4 + 4 + 4 + 4 + 4
)

// Doc mirrors the fixed portion of a document record; Hdr and Data are the
// variable-length trailers.
type Doc struct {
	Magic       uint32
	Len         uint32 // entire record including trailing data
	TotalLen    uint64 // length of the full object across all fragments
	FirstKey    cachekey.Key
	Key         cachekey.Key
	DocType     uint8
	VMajor      uint8
	VMinor      uint8
	SyncSerial  uint32
	WriteSerial uint32
	Pinned      uint32
	Checksum    uint32
	Hdr         []byte
	Data        []byte
}

// DataLen is the number of data bytes carried by this single fragment.
func (d *Doc) DataLen() int {
	return len(d.Data)
}

// SingleFragment reports whether this record carries the object's entire
// body in one fragment (spec.md 3.5).
func (d *Doc) SingleFragment() bool {
	return uint64(d.DataLen()) == d.TotalLen
}

// ComputeChecksum sums every byte from Hdr through the end of Data, the
// same simple additive checksum the format allows disabling for speed
// (spec.md 3.5, 7 "Corrupt/future-version document").
func (d *Doc) ComputeChecksum() uint32 {
	var sum uint32
	for _, b := range d.Hdr {
		sum += uint32(b)
	}
	for _, b := range d.Data {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes the record, little-endian, per spec.md 6.1's byte
// layout. enableChecksum selects whether Checksum is computed or set to
// NoChecksum.
func (d *Doc) Encode(enableChecksum bool) []byte {
	d.Len = uint32(HeaderSize + len(d.Hdr) + len(d.Data))
	if enableChecksum {
		d.Checksum = d.ComputeChecksum()
	} else {
		d.Checksum = NoChecksum
	}
	buf := make([]byte, d.Len)
	o := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[o:], v); o += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[o:], v); o += 8 }
	putKey := func(k cachekey.Key) { b := k.Bytes(); copy(buf[o:], b[:]); o += 16 }

	putU32(d.Magic)
	putU32(d.Len)
	putU64(d.TotalLen)
	putKey(d.FirstKey)
	putKey(d.Key)
	putU32(uint32(len(d.Hdr)))
	flags := uint32(d.DocType) | uint32(d.VMajor)<<8 | uint32(d.VMinor)<<16
	putU32(flags)
	putU32(d.SyncSerial)
	putU32(d.WriteSerial)
	putU32(d.Pinned)
	putU32(d.Checksum)
	copy(buf[o:], d.Hdr)
	o += len(d.Hdr)
	copy(buf[o:], d.Data)
	return buf
}

// Decode parses a record out of buf, which must hold at least the fixed
// header. It does not validate the checksum; callers decide when to
// (spec.md 7: corrupt documents are marked rather than discarded blindly).
func Decode(buf []byte) (*Doc, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("doc: short buffer (%d bytes)", len(buf))
	}
	o := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[o:]); o += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[o:]); o += 8; return v }
	getKey := func() cachekey.Key {
		var b [16]byte
		copy(b[:], buf[o:o+16])
		o += 16
		return cachekey.FromBytes(b)
	}

	d := &Doc{}
	d.Magic = getU32()
	d.Len = getU32()
	d.TotalLen = getU64()
	d.FirstKey = getKey()
	d.Key = getKey()
	hlen := getU32()
	flags := getU32()
	d.DocType = uint8(flags)
	d.VMajor = uint8(flags >> 8)
	d.VMinor = uint8(flags >> 16)
	d.SyncSerial = getU32()
	d.WriteSerial = getU32()
	d.Pinned = getU32()
	d.Checksum = getU32()

	if d.Magic != Magic {
		return d, fmt.Errorf("doc: bad magic %#x", d.Magic)
	}
	if uint64(o)+uint64(hlen) > uint64(len(buf)) {
		return d, fmt.Errorf("doc: hlen %d exceeds buffer", hlen)
	}
	d.Hdr = append([]byte(nil), buf[o:o+int(hlen)]...)
	o += int(hlen)
	dataEnd := int(d.Len)
	if dataEnd > len(buf) {
		dataEnd = len(buf)
	}
	if o > dataEnd {
		return d, fmt.Errorf("doc: corrupt length fields")
	}
	d.Data = append([]byte(nil), buf[o:dataEnd]...)
	return d, nil
}

// VerifyChecksum reports whether Checksum matches the recomputed value,
// or is NoChecksum (checksums disabled for this record).
func (d *Doc) VerifyChecksum() bool {
	return d.Checksum == NoChecksum || d.Checksum == d.ComputeChecksum()
}
