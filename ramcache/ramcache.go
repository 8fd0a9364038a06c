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

// Package ramcache implements the opaque key->buffer RAM cache boundary
// (spec.md 6.3): get/put/fixup/init. aux is the fragment's on-disk offset,
// used as a secondary key so a stale hit is rejected once the fragment
// moves (e.g. after evacuation).
package ramcache

import (
	"container/list"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/objcache/cachekey"
)

type HitKind int

const (
	Miss HitKind = iota
	HitUncompressed
	HitCompressed
)

// Cache is the RAM cache contract the stripe holds an instance of.
// Implementations must be internally synchronized (spec.md 5).
type Cache interface {
	// Get returns the stored bytes, the original (uncompressed) length
	// (needed to size the Decompress buffer when kind is HitCompressed),
	// and the hit kind.
	Get(key cachekey.Key, aux uint64) (data []byte, rawLen int, kind HitKind)
	Put(key cachekey.Key, data []byte, wantCompress bool, aux uint64)
	// Fixup relabels an entry when its disk offset changes (post-
	// evacuation), rejecting future lookups keyed by the old aux.
	Fixup(key cachekey.Key, oldAux, newAux uint64)
	Init(bytesBudget int64)
}

type entry struct {
	key        cachekey.Key
	aux        uint64
	data       []byte
	compressed bool
	rawLen     int
	size       int64
	elem       *list.Element
}

// LRUCache is an in-process RAM cache bounded by a byte budget, evicting
// least-recently-used entries. Entries are optionally lz4-compressed on
// Put, mirroring the original boundary's hit_compressed/hit_uncompressed
// distinction so a caller can decide whether to decompress before using
// the bytes.
type LRUCache struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	entries map[cachekey.Key]*entry
	order   *list.List // front = most recently used
}

func New(bytesBudget int64) *LRUCache {
	c := &LRUCache{}
	c.Init(bytesBudget)
	return c
}

func (c *LRUCache) Init(bytesBudget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = bytesBudget
	c.used = 0
	c.entries = make(map[cachekey.Key]*entry)
	c.order = list.New()
}

func (c *LRUCache) Get(key cachekey.Key, aux uint64) ([]byte, int, HitKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.aux != aux {
		return nil, 0, Miss
	}
	c.order.MoveToFront(e.elem)
	if e.compressed {
		return e.data, e.rawLen, HitCompressed
	}
	return e.data, e.rawLen, HitUncompressed
}

func (c *LRUCache) Put(key cachekey.Key, data []byte, wantCompress bool, aux uint64) {
	if c.budget <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.used -= old.size
		c.order.Remove(old.elem)
		delete(c.entries, key)
	}

	stored := data
	compressed := false
	if wantCompress {
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, buf)
		if err == nil && n > 0 && n < len(data) {
			stored = append([]byte(nil), buf[:n]...)
			compressed = true
		} else {
			stored = append([]byte(nil), data...)
		}
	} else {
		stored = append([]byte(nil), data...)
	}

	e := &entry{key: key, aux: aux, data: stored, compressed: compressed, rawLen: len(data), size: int64(len(stored))}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	c.used += e.size

	for c.used > c.budget && c.order.Len() > 0 {
		back := c.order.Back()
		victim := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.entries, victim.key)
		c.used -= victim.size
	}
}

func (c *LRUCache) Fixup(key cachekey.Key, oldAux, newAux uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.aux != oldAux {
		return
	}
	e.aux = newAux
}

// Decompress expands a HitCompressed payload given its original length.
func Decompress(compressed []byte, rawLen int) ([]byte, error) {
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(compressed, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
