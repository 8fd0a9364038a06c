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

package dir

import (
	"testing"

	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/dirent"
)

func alwaysValid(dirent.Entry) bool { return true }

func entryAt(off int64) dirent.Entry {
	var e dirent.Entry
	e.SetOffset(off)
	return e
}

func TestInsertThenProbeFindsEntry(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 1, B1: 2}
	e := entryAt(100)

	loc, err := tb.Insert(key, e, alwaysValid)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !loc.Valid() {
		t.Fatal("Insert returned an invalid location")
	}

	got, gotLoc, ok := tb.Probe(key, alwaysValid, NoLocation)
	if !ok {
		t.Fatal("Probe did not find the inserted entry")
	}
	if got.Offset() != 100 {
		t.Fatalf("Probe found offset %d, want 100", got.Offset())
	}
	if gotLoc != loc {
		t.Fatalf("Probe location %+v != Insert location %+v", gotLoc, loc)
	}
}

func TestProbeMissOnEmptyTable(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 9, B1: 9}
	_, _, ok := tb.Probe(key, alwaysValid, NoLocation)
	if ok {
		t.Fatal("Probe on an empty table reported a hit")
	}
}

func TestInsertChainsOnBucketCollision(t *testing.T) {
	tb := New(64, true)
	// Force a bucket collision: same segment/bucket words, different tags.
	base := cachekey.Key{B0: 5, B1: 5}
	other := base
	other.B1 ^= 1 // flip a bit inside word 2's tag range without touching B0 (segment/bucket)
	if base.Word(1) != other.Word(1) || base.Word(0) != other.Word(0) {
		t.Fatal("test setup: keys don't share a bucket")
	}
	if base.Tag() == other.Tag() {
		t.Fatal("test setup: keys collide on tag too, nothing to distinguish")
	}

	if _, err := tb.Insert(base, entryAt(10), alwaysValid); err != nil {
		t.Fatalf("Insert base: %v", err)
	}
	if _, err := tb.Insert(other, entryAt(20), alwaysValid); err != nil {
		t.Fatalf("Insert other: %v", err)
	}

	got1, _, ok1 := tb.Probe(base, alwaysValid, NoLocation)
	got2, _, ok2 := tb.Probe(other, alwaysValid, NoLocation)
	if !ok1 || got1.Offset() != 10 {
		t.Fatalf("Probe(base) = %+v, ok=%v", got1, ok1)
	}
	if !ok2 || got2.Offset() != 20 {
		t.Fatalf("Probe(other) = %+v, ok=%v", got2, ok2)
	}
}

func TestOverwriteInPlace(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 3, B1: 4}
	old := entryAt(50)
	if _, err := tb.Insert(key, old, alwaysValid); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	newE := entryAt(60)
	if _, err := tb.Overwrite(key, newE, old, true, alwaysValid); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	got, _, ok := tb.Probe(key, alwaysValid, NoLocation)
	if !ok || got.Offset() != 60 {
		t.Fatalf("after Overwrite, Probe = %+v, ok=%v, want offset 60", got, ok)
	}
	if tb.UsedEntries() != 1 {
		t.Fatalf("UsedEntries() = %d, want 1 (overwrite must not grow the table)", tb.UsedEntries())
	}
}

func TestOverwriteMustOverwriteFailsWhenMissing(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 1, B1: 1}
	if _, err := tb.Overwrite(key, entryAt(1), entryAt(999), true, alwaysValid); err == nil {
		t.Fatal("Overwrite with mustOverwrite=true and no match should fail")
	}
}

func TestOverwriteFallsThroughToInsert(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 1, B1: 1}
	loc, err := tb.Overwrite(key, entryAt(5), entryAt(999), false, alwaysValid)
	if err != nil {
		t.Fatalf("Overwrite (insert fallback): %v", err)
	}
	if !loc.Valid() {
		t.Fatal("Overwrite fallback did not insert")
	}
	if tb.UsedEntries() != 1 {
		t.Fatalf("UsedEntries() = %d, want 1", tb.UsedEntries())
	}
}

func TestDeleteRemovesHeadAndChain(t *testing.T) {
	tb := New(64, true)
	base := cachekey.Key{B0: 5, B1: 5}
	other := base
	other.B1 ^= 1

	e1 := entryAt(11)
	e2 := entryAt(22)
	tb.Insert(base, e1, alwaysValid)
	tb.Insert(other, e2, alwaysValid)

	if !tb.Delete(base, e1) {
		t.Fatal("Delete(base) returned false")
	}
	if _, _, ok := tb.Probe(base, alwaysValid, NoLocation); ok {
		t.Fatal("deleted entry still probes as present")
	}
	// The chained survivor must still be reachable after head-promotion.
	got, _, ok := tb.Probe(other, alwaysValid, NoLocation)
	if !ok || got.Offset() != 22 {
		t.Fatalf("surviving chained entry lost after delete: %+v ok=%v", got, ok)
	}
}

func TestDeleteMissingReturnsFalse(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 1, B1: 1}
	if tb.Delete(key, entryAt(1)) {
		t.Fatal("Delete on empty table returned true")
	}
}

func TestClearRangeRemovesOnlyOverlapping(t *testing.T) {
	tb := New(64, true)
	k1 := cachekey.Key{B0: 1, B1: 1}
	k2 := cachekey.Key{B0: 2, B1: 2}
	tb.Insert(k1, entryAt(1000), alwaysValid)
	tb.Insert(k2, entryAt(5000), alwaysValid)

	tb.ClearRange(0, 2000)

	if _, _, ok := tb.Probe(k1, alwaysValid, NoLocation); ok {
		t.Fatal("entry inside cleared range still present")
	}
	got, _, ok := tb.Probe(k2, alwaysValid, NoLocation)
	if !ok || got.Offset() != 5000 {
		t.Fatal("entry outside cleared range was removed")
	}
}

func TestProbeDeletesStaleEntryInPlace(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 7, B1: 7}
	tb.Insert(key, entryAt(42), alwaysValid)

	neverValid := func(dirent.Entry) bool { return false }
	if _, _, ok := tb.Probe(key, neverValid, NoLocation); ok {
		t.Fatal("Probe with isValid always false should report a miss")
	}
	if tb.UsedEntries() != 0 {
		t.Fatalf("stale entry was not reclaimed, UsedEntries() = %d", tb.UsedEntries())
	}
}

func TestLoopCheckRepairsCyclicChain(t *testing.T) {
	tb := New(64, true)
	key := cachekey.Key{B0: 1, B1: 1}
	seg := tb.Segments[tb.segmentIndex(key)]
	bucket := tb.bucketIndex(key)
	head := seg.headIndex(bucket)

	// Hand-craft a 2-node cycle: head -> head+1 -> head (never terminates
	// via a zero Next()), the corruption LoopCheck exists to survive.
	seg.entries[head].SetOffset(1)
	seg.entries[head].SetTag(key.Tag())
	seg.entries[head].SetNext(uint16(head + 1 + 1))
	seg.entries[head+1].SetOffset(2)
	seg.entries[head+1].SetTag(key.Tag())
	seg.entries[head+1].SetNext(uint16(head + 1))

	// Probe must return (not hang) on a cyclic chain; maxChainWalk alone
	// would already bound it, but LoopCheck should notice first and reset
	// the segment rather than silently falling through after 100 steps.
	tb.Probe(key, alwaysValid, NoLocation)
	if tb.Segments[tb.segmentIndex(key)] == seg {
		t.Fatal("LoopCheck did not repair (replace) the cyclic segment")
	}
}

func TestWalkVisitsEveryOccupiedEntry(t *testing.T) {
	tb := New(256, true)
	offsets := []int64{10, 20, 30, 40}
	for i, off := range offsets {
		k := cachekey.Key{B0: uint64(i), B1: uint64(i) * 7}
		if _, err := tb.Insert(k, entryAt(off), alwaysValid); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	seen := make(map[int64]bool)
	tb.Walk(func(_ cachekey.Key, e dirent.Entry) bool {
		seen[e.Offset()] = true
		return true
	})
	for _, off := range offsets {
		if !seen[off] {
			t.Errorf("Walk did not visit offset %d", off)
		}
	}
}

func TestNewSizesSegmentsWithinBounds(t *testing.T) {
	tb := New(1<<20, true)
	if tb.Buckets < 1 || tb.Buckets > MaxBucketsPerSegment {
		t.Fatalf("Buckets = %d, out of bounds", tb.Buckets)
	}
	if len(tb.Segments) < 1 {
		t.Fatal("New produced zero segments")
	}
}

func TestSegmentEntriesLengthMatchesLayout(t *testing.T) {
	tb := New(64, true)
	for seg := 0; seg < tb.NumSegments(); seg++ {
		entries := tb.SegmentEntries(seg)
		if len(entries) != tb.Buckets*Depth {
			t.Fatalf("segment %d: len(entries) = %d, want %d", seg, len(entries), tb.Buckets*Depth)
		}
	}
}
