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

package ramcache

import (
	"bytes"
	"testing"

	"github.com/launix-de/objcache/cachekey"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(1 << 20)
	key := cachekey.Key{B0: 1}
	if _, _, kind := c.Get(key, 0); kind != Miss {
		t.Fatalf("Get on an empty cache = %v, want Miss", kind)
	}
}

func TestPutThenGetUncompressed(t *testing.T) {
	c := New(1 << 20)
	key := cachekey.Key{B0: 1}
	data := []byte("hello world")
	c.Put(key, data, false, 42)

	got, rawLen, kind := c.Get(key, 42)
	if kind != HitUncompressed {
		t.Fatalf("Get kind = %v, want HitUncompressed", kind)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get data = %q, want %q", got, data)
	}
	if rawLen != len(data) {
		t.Fatalf("rawLen = %d, want %d", rawLen, len(data))
	}
}

func TestGetRejectsStaleAux(t *testing.T) {
	c := New(1 << 20)
	key := cachekey.Key{B0: 1}
	c.Put(key, []byte("data"), false, 1)
	if _, _, kind := c.Get(key, 2); kind != Miss {
		t.Fatal("Get with a mismatched aux should miss, the entry moved on disk")
	}
}

func TestFixupUpdatesAux(t *testing.T) {
	c := New(1 << 20)
	key := cachekey.Key{B0: 1}
	c.Put(key, []byte("data"), false, 1)
	c.Fixup(key, 1, 2)
	if _, _, kind := c.Get(key, 1); kind != Miss {
		t.Fatal("Get with the old aux should miss after Fixup")
	}
	if _, _, kind := c.Get(key, 2); kind == Miss {
		t.Fatal("Get with the new aux should hit after Fixup")
	}
}

func TestFixupIgnoresWrongOldAux(t *testing.T) {
	c := New(1 << 20)
	key := cachekey.Key{B0: 1}
	c.Put(key, []byte("data"), false, 1)
	c.Fixup(key, 999, 2)
	if _, _, kind := c.Get(key, 1); kind == Miss {
		t.Fatal("Fixup with the wrong oldAux must not disturb the existing entry")
	}
}

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(10) // tiny budget: only a handful of bytes fit
	c.Put(cachekey.Key{B0: 1}, []byte("aaaaa"), false, 0) // 5 bytes
	c.Put(cachekey.Key{B0: 2}, []byte("bbbbb"), false, 0) // 5 bytes, used=10
	c.Put(cachekey.Key{B0: 3}, []byte("ccccc"), false, 0) // pushes used over budget

	if _, _, kind := c.Get(cachekey.Key{B0: 1}, 0); kind != Miss {
		t.Fatal("oldest entry should have been evicted to stay within budget")
	}
	if _, _, kind := c.Get(cachekey.Key{B0: 3}, 0); kind == Miss {
		t.Fatal("most recently inserted entry should still be present")
	}
}

func TestGetPromotesToMostRecentlyUsed(t *testing.T) {
	c := New(10)
	c.Put(cachekey.Key{B0: 1}, []byte("aaaaa"), false, 0)
	c.Put(cachekey.Key{B0: 2}, []byte("bbbbb"), false, 0)

	// touch key 1 so it becomes most-recently-used
	c.Get(cachekey.Key{B0: 1}, 0)
	c.Put(cachekey.Key{B0: 3}, []byte("ccccc"), false, 0)

	if _, _, kind := c.Get(cachekey.Key{B0: 2}, 0); kind != Miss {
		t.Fatal("key 2 should have been evicted, it was least recently used")
	}
	if _, _, kind := c.Get(cachekey.Key{B0: 1}, 0); kind == Miss {
		t.Fatal("key 1 should survive, it was touched before the eviction-triggering Put")
	}
}

func TestZeroBudgetDisablesPut(t *testing.T) {
	c := New(0)
	c.Put(cachekey.Key{B0: 1}, []byte("data"), false, 0)
	if _, _, kind := c.Get(cachekey.Key{B0: 1}, 0); kind != Miss {
		t.Fatal("Put with a zero byte budget must be a no-op")
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := New(1 << 20)
	key := cachekey.Key{B0: 1}
	data := bytes.Repeat([]byte("abcabcabcabc"), 200) // compressible
	c.Put(key, data, true, 0)

	got, rawLen, kind := c.Get(key, 0)
	if kind != HitCompressed {
		t.Skip("lz4 did not find this payload compressible in this environment; skipping round trip")
	}
	if rawLen != len(data) {
		t.Fatalf("rawLen = %d, want %d", rawLen, len(data))
	}
	decoded, err := Decompress(got, rawLen)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("decompressed data does not match the original payload")
	}
}

func TestInitResetsCache(t *testing.T) {
	c := New(1 << 20)
	c.Put(cachekey.Key{B0: 1}, []byte("data"), false, 0)
	c.Init(1 << 20)
	if _, _, kind := c.Get(cachekey.Key{B0: 1}, 0); kind != Miss {
		t.Fatal("Init should clear all existing entries")
	}
}
