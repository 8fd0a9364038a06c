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

// Package cachekey implements the 128-bit content key used to address
// cached objects: derivation from a request URL, the first_key/earliest_key
// split, and the deterministic fragment chain (next/prev) used to walk a
// multi-fragment object without storing explicit successor pointers.
package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
)

// Key is a 128-bit content key, stored as two 64-bit halves the same way
// CacheKey packs b[0]/b[1] in the original cache. Word() slices it into
// 32-bit lanes for bucket/segment/tag derivation (spec.md 3.1, 3.2).
type Key struct {
	B0, B1 uint64
}

// Word returns the i'th 32-bit lane of the key, i in [0,4).
func (k Key) Word(i int) uint32 {
	switch i {
	case 0:
		return uint32(k.B0)
	case 1:
		return uint32(k.B0 >> 32)
	case 2:
		return uint32(k.B1)
	case 3:
		return uint32(k.B1 >> 32)
	default:
		panic("cachekey: word index out of range")
	}
}

// Bytes returns the key's 16 bytes, little-endian, matching the on-disk
// layout in spec.md 6.1 (u128 key).
func (k Key) Bytes() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], k.B0)
	binary.LittleEndian.PutUint64(b[8:16], k.B1)
	return b
}

func FromBytes(b [16]byte) Key {
	return Key{
		B0: binary.LittleEndian.Uint64(b[0:8]),
		B1: binary.LittleEndian.Uint64(b[8:16]),
	}
}

func (k Key) Equal(o Key) bool {
	return k.B0 == o.B0 && k.B1 == o.B1
}

func (k Key) IsZero() bool {
	return k.B0 == 0 && k.B1 == 0
}

// Tag is the low 12 bits of word 2, used to disambiguate chain collisions
// within a directory bucket (spec.md 3.2).
func (k Key) Tag() uint16 {
	return uint16(k.Word(2) & 0xFFF)
}

// HashURL derives the 128-bit content key of an HTTP object from its
// identifying components. generation selects among alternates produced by
// cache-generation bumps (e.g. config reload); pass 0 when not applicable.
func HashURL(host, path, query string, generation uint64) Key {
	h := sha256.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(query))
	var gen [8]byte
	binary.LittleEndian.PutUint64(gen[:], generation)
	h.Write(gen[:])
	sum := h.Sum(nil)
	return Key{
		B0: binary.LittleEndian.Uint64(sum[0:8]),
		B1: binary.LittleEndian.Uint64(sum[8:16]),
	}
}

// FirstAndEarliest derives the two keys used per object: first_key
// addresses the header/alternate-vector fragment, earliest_key addresses
// the first data fragment. Their 12-bit tags are forced never to collide
// (spec.md 3.1) by perturbing earliest_key's word 2 until the tags differ;
// this keeps head vs. body distinguishable by tag alone during probing.
func FirstAndEarliest(base Key) (first, earliest Key) {
	first = base
	earliest = Key{B0: base.B0 ^ 0x9E3779B97F4A7C15, B1: base.B1*1099511628211 + 1}
	for earliest.Tag() == first.Tag() {
		earliest.B1++ // Tag is word 2's low 12 bits, so this always perturbs it
	}
	return
}
