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

// Package dir implements the segmented, open-addressed directory index
// (spec.md 3.3, 4.1): probe/insert/overwrite/delete/clear_range over
// fixed-depth buckets with a per-segment freelist. None of this package is
// internally synchronized — every call must happen while the caller holds
// the owning stripe's lock (spec.md 5).
package dir

import (
	"fmt"

	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/dirent"
)

const (
	// DIR_DEPTH: one chain head plus three chain/free slots per bucket.
	Depth = 4
	// MAX_ENTRIES_PER_SEGMENT
	MaxEntriesPerSegment = 1 << 16
	// MAX_BUCKETS_PER_SEGMENT = MAX_ENTRIES_PER_SEGMENT / DIR_DEPTH
	MaxBucketsPerSegment = MaxEntriesPerSegment / Depth
	// maxChainWalk bounds worst-case probe cost; loop-free chains are
	// always far shorter than this in practice (spec.md 4.1).
	maxChainWalk = 100
)

// Location addresses one directory slot: a segment index and an index into
// that segment's entry array. NoLocation (Seg and Idx -1) means "no
// location" / "start from the bucket head"; the zero value {0, 0} is a
// valid location.
type Location struct {
	Seg int
	Idx int
}

func (l Location) Valid() bool { return l.Idx >= 0 }

var NoLocation = Location{Seg: -1, Idx: -1}

// segment owns buckets*Depth contiguous entries and a freelist threading
// every slot at a non-zero offset within its bucket (slot 0 is always a
// chain head and is never freelisted, per spec.md 3.3).
type segment struct {
	entries  []dirent.Entry
	buckets  int
	freelist uint16 // 1+index of first free slot; 0 = empty
	used     int
}

func newSegment(buckets int) *segment {
	s := &segment{entries: make([]dirent.Entry, buckets*Depth), buckets: buckets}
	s.rebuildFreelist()
	return s
}

func (s *segment) rebuildFreelist() {
	s.freelist = 0
	s.used = 0
	for idx := len(s.entries) - 1; idx >= 0; idx-- {
		if idx%Depth == 0 {
			if !s.entries[idx].IsEmpty() {
				s.used++
			}
			continue // head slots are never freelisted directly
		}
		if s.entries[idx].IsEmpty() {
			s.pushFree(idx)
		} else {
			s.used++
		}
	}
}

func (s *segment) pushFree(idx int) {
	s.entries[idx].Clear()
	s.entries[idx].SetNext(s.freelist)
	s.freelist = uint16(idx + 1)
}

func (s *segment) popFree() (int, bool) {
	if s.freelist == 0 {
		return 0, false
	}
	idx := int(s.freelist - 1)
	s.freelist = s.entries[idx].Next()
	return idx, true
}

func (s *segment) headIndex(bucket int) int {
	return bucket * Depth
}

// Table is one stripe's directory: a set of segments, each independently
// hashed and freelisted.
type Table struct {
	Segments  []*segment
	Buckets   int // buckets per segment
	LoopCheck bool
}

// New sizes a directory for approximately totalEntries fragments, picking
// the smallest segment count such that each segment's bucket count stays
// within MaxBucketsPerSegment (spec.md 3.3).
func New(totalEntries int, loopCheck bool) *Table {
	if totalEntries < Depth {
		totalEntries = Depth
	}
	segs := 1
	for totalEntries/segs > MaxEntriesPerSegment {
		segs++
	}
	buckets := (totalEntries/segs + Depth - 1) / Depth
	if buckets < 1 {
		buckets = 1
	}
	if buckets > MaxBucketsPerSegment {
		buckets = MaxBucketsPerSegment
	}
	t := &Table{Buckets: buckets, LoopCheck: loopCheck}
	t.Segments = make([]*segment, segs)
	for i := range t.Segments {
		t.Segments[i] = newSegment(buckets)
	}
	return t
}

func (t *Table) segmentIndex(key cachekey.Key) int {
	return int(key.Word(0)) % len(t.Segments)
}

func (t *Table) bucketIndex(key cachekey.Key) int {
	return int(key.Word(1)) % t.Buckets
}

// UsedEntries is the used-entries gauge, summed across segments.
func (t *Table) UsedEntries() int {
	n := 0
	for _, s := range t.Segments {
		n += s.used
	}
	return n
}

// SegmentEntries exposes one segment's raw entries for directory sync /
// recovery (objcache's recovery path loads the on-disk directory image
// into it).
func (t *Table) SegmentEntries(seg int) []dirent.Entry {
	return t.Segments[seg].entries
}

func (t *Table) NumSegments() int { return len(t.Segments) }

// Get fetches the entry stored at loc.
func (t *Table) Get(loc Location) dirent.Entry {
	return t.Segments[loc.Seg].entries[loc.Idx]
}

// IsValidFunc reports whether an already tag-matched entry is current
// (i.e. outside the open aggregation window for its phase). Supplied by
// the owning stripe/aggregation-writer, which alone knows write_pos/
// agg_pos/phase (spec.md 4.2).
type IsValidFunc func(dirent.Entry) bool

// Probe walks the bucket chain for key, matching entries by tag. If
// resume is a valid Location (from a previous Probe's returned Location,
// for alternate/collision retry) the walk continues past it rather than
// restarting at the bucket head. A tag match that isValid reports as
// stale is deleted in place and the walk continues (spec.md 4.1).
func (t *Table) Probe(key cachekey.Key, isValid IsValidFunc, resume Location) (dirent.Entry, Location, bool) {
	segIdx := t.segmentIndex(key)
	seg := t.Segments[segIdx]
	bucket := t.bucketIndex(key)
	tag := key.Tag()

	if t.LoopCheck {
		slow, fast := seg.headIndex(bucket), seg.headIndex(bucket)
		for {
			n1 := seg.entries[fast].Next()
			if n1 == 0 {
				break
			}
			n2 := seg.entries[n1-1].Next()
			if n2 == 0 {
				break
			}
			fast = int(n2 - 1)
			slow = int(seg.entries[slow].Next() - 1)
			if slow == fast {
				t.repairLoop(segIdx)
				return dirent.Entry{}, NoLocation, false
			}
		}
	}

	var cur, prev int
	prev = -1
	if resume.Valid() && resume.Seg == segIdx {
		nxt := seg.entries[resume.Idx].Next()
		if nxt == 0 {
			return dirent.Entry{}, NoLocation, false
		}
		cur = int(nxt - 1)
		prev = resume.Idx
	} else {
		cur = seg.headIndex(bucket)
	}

	var slow, slowSteps int
	slow = cur
	for steps := 0; steps < maxChainWalk; steps++ {
		e := seg.entries[cur]
		if e.IsEmpty() {
			return dirent.Entry{}, NoLocation, false
		}
		if e.Tag() == tag {
			if isValid == nil || isValid(e) {
				return e, Location{Seg: segIdx, Idx: cur}, true
			}
			// stale tag match: delete in place, then re-examine this slot
			// (a head promotion leaves fresh data at cur; a non-head
			// splice moves the walk to whatever followed it).
			nextCur, ok := t.deleteNode(seg, bucket, prev, cur)
			if !ok {
				return dirent.Entry{}, NoLocation, false
			}
			cur = nextCur
			continue
		}
		nxt := e.Next()
		if nxt == 0 {
			return dirent.Entry{}, NoLocation, false
		}
		prev = cur
		cur = int(nxt - 1)

		if t.LoopCheck {
			if steps%2 == 1 {
				se := seg.entries[slow]
				sn := se.Next()
				if sn == 0 {
					break
				}
				slow = int(sn - 1)
				slowSteps++
			}
			if slow == cur && steps > 1 {
				t.repairLoop(segIdx)
				return dirent.Entry{}, NoLocation, false
			}
		}
	}
	return dirent.Entry{}, NoLocation, false
}

// repairLoop zeroes and reinitializes a segment whose chain walk detected
// a cycle (spec.md 4.1 "Loop detection"); this only runs when LoopCheck is
// enabled, a debug aid rather than a production code path.
func (t *Table) repairLoop(segIdx int) {
	t.Segments[segIdx] = newSegment(t.Buckets)
}

// deleteNode removes the entry at (bucket, idx) from its chain (prev==-1
// means idx is the bucket head) and returns the index the probe/scan walk
// should resume at, and whether the chain has any further content to
// examine at that index.
func (t *Table) deleteNode(seg *segment, bucket, prev, idx int) (int, bool) {
	nxt := seg.entries[idx].Next()
	if prev < 0 {
		// idx is the bucket head.
		if nxt == 0 {
			seg.entries[idx].Clear()
			seg.used--
			return idx, false
		}
		succIdx := int(nxt - 1)
		succNext := seg.entries[succIdx].Next()
		seg.entries[idx].Assign(seg.entries[succIdx])
		seg.entries[idx].SetNext(succNext)
		seg.pushFree(succIdx)
		seg.used--
		return idx, true
	}
	seg.entries[prev].SetNext(nxt)
	seg.pushFree(idx)
	seg.used--
	if nxt == 0 {
		return idx, false
	}
	return int(nxt - 1), true
}

// Insert allocates a fresh slot for key and writes entry into it, per
// spec.md 4.1: new entries are appended at the *tail* of the chain so any
// in-flight Probe resuming past an older Location remains correct (probe
// walks head-to-tail; inserting before the resume point would hide the
// new entry from a second Probe call but inserting before an
// already-visited node would make probe skip over it on resumption).
// isValid is used to decide which stale entries may be reclaimed if the
// segment's freelist is empty.
func (t *Table) Insert(key cachekey.Key, entry dirent.Entry, isValid IsValidFunc) (Location, error) {
	segIdx := t.segmentIndex(key)
	seg := t.Segments[segIdx]
	bucket := t.bucketIndex(key)
	entry.SetTag(key.Tag())

	headIdx := seg.headIndex(bucket)
	if seg.entries[headIdx].IsEmpty() {
		seg.entries[headIdx] = entry
		seg.entries[headIdx].SetNext(0)
		seg.used++
		return Location{Seg: segIdx, Idx: headIdx}, nil
	}

	tailIdx, ok := t.walkToTail(seg, headIdx)
	if !ok {
		return NoLocation, fmt.Errorf("dir: chain too long in bucket %d", bucket)
	}

	idx, ok := t.allocSlot(seg, isValid)
	if !ok {
		return NoLocation, fmt.Errorf("dir: segment %d exhausted", segIdx)
	}
	entry.SetNext(0)
	seg.entries[idx] = entry
	seg.entries[tailIdx].SetNext(uint16(idx + 1))
	seg.used++
	return Location{Seg: segIdx, Idx: idx}, nil
}

func (t *Table) walkToTail(seg *segment, headIdx int) (int, bool) {
	cur := headIdx
	for steps := 0; steps < maxChainWalk; steps++ {
		nxt := seg.entries[cur].Next()
		if nxt == 0 {
			return cur, true
		}
		cur = int(nxt - 1)
	}
	return 0, false
}

// allocSlot pops a free slot, first attempting to clean stale entries out
// of the segment if the freelist is empty, and failing that purging one
// in ten head-bit entries as a coarse LRU (spec.md 4.1 "Freelist
// accounting").
func (t *Table) allocSlot(seg *segment, isValid IsValidFunc) (int, bool) {
	if idx, ok := seg.popFree(); ok {
		return idx, true
	}
	if isValid != nil {
		t.cleanSegmentEntries(seg, isValid)
		if idx, ok := seg.popFree(); ok {
			return idx, true
		}
		t.purgeOneInTen(seg)
		if idx, ok := seg.popFree(); ok {
			return idx, true
		}
	}
	return 0, false
}

// cleanSegmentEntries walks every bucket chain in seg and removes entries
// isValid reports stale, returning them to the freelist.
func (t *Table) cleanSegmentEntries(seg *segment, isValid IsValidFunc) {
	for b := 0; b < seg.buckets; b++ {
		prev := -1
		cur := seg.headIndex(b)
		for steps := 0; steps < maxChainWalk; steps++ {
			e := seg.entries[cur]
			if e.IsEmpty() {
				break
			}
			if !isValid(e) {
				next, more := t.deleteNode(seg, b, prev, cur)
				cur = next
				if !more {
					break
				}
				continue
			}
			nxt := e.Next()
			if nxt == 0 {
				break
			}
			prev = cur
			cur = int(nxt - 1)
		}
	}
}

// purgeOneInTen clears one in ten head-bit-set entries across the segment
// as a coarse LRU-like purge of last resort, guaranteeing Insert always
// eventually succeeds as long as the segment has any stale-looking head
// entries (spec.md 4.1).
func (t *Table) purgeOneInTen(seg *segment) {
	n := 0
	for b := 0; b < seg.buckets; b++ {
		idx := seg.headIndex(b)
		e := seg.entries[idx]
		if !e.IsEmpty() && e.Head() {
			n++
			if n%10 == 0 {
				next, _ := t.deleteNode(seg, b, -1, idx)
				_ = next
			}
		}
	}
}

// Overwrite rewrites the entry matching oldDir's tag and offset in place,
// preserving its chain pointer, or falls through to Insert if no such
// entry is found and mustOverwrite is false (spec.md 4.1).
func (t *Table) Overwrite(key cachekey.Key, newEntry, oldEntry dirent.Entry, mustOverwrite bool, isValid IsValidFunc) (Location, error) {
	segIdx := t.segmentIndex(key)
	seg := t.Segments[segIdx]
	bucket := t.bucketIndex(key)
	tag := key.Tag()
	oldOffset := oldEntry.Offset()

	cur := seg.headIndex(bucket)
	for steps := 0; steps < maxChainWalk; steps++ {
		e := seg.entries[cur]
		if e.IsEmpty() {
			break
		}
		if e.Tag() == tag && e.Offset() == oldOffset {
			newEntry.SetTag(tag)
			seg.entries[cur].AssignData(newEntry)
			return Location{Seg: segIdx, Idx: cur}, nil
		}
		nxt := e.Next()
		if nxt == 0 {
			break
		}
		cur = int(nxt - 1)
	}
	if mustOverwrite {
		return NoLocation, fmt.Errorf("dir: overwrite target not found")
	}
	return t.Insert(key, newEntry, isValid)
}

// Delete locates the entry matching dir's tag and offset and removes it
// from the chain, per spec.md 4.1: splice out if a chain slot, promote
// the successor (or clear) if the head.
func (t *Table) Delete(key cachekey.Key, target dirent.Entry) bool {
	segIdx := t.segmentIndex(key)
	seg := t.Segments[segIdx]
	bucket := t.bucketIndex(key)
	tag := key.Tag()
	offset := target.Offset()

	prev := -1
	cur := seg.headIndex(bucket)
	for steps := 0; steps < maxChainWalk; steps++ {
		e := seg.entries[cur]
		if e.IsEmpty() {
			return false
		}
		if e.Tag() == tag && e.Offset() == offset {
			t.deleteNode(seg, bucket, prev, cur)
			return true
		}
		nxt := e.Next()
		if nxt == 0 {
			return false
		}
		prev = cur
		cur = int(nxt - 1)
	}
	return false
}

// ClearRange zeroes every entry whose offset falls in [start, end), then
// compacts affected buckets by rebuilding their chains, used on wrap-
// around and during recovery (spec.md 4.1, 4.5).
func (t *Table) ClearRange(start, end int64) {
	for _, seg := range t.Segments {
		for b := 0; b < seg.buckets; b++ {
			prev := -1
			cur := seg.headIndex(b)
			for steps := 0; steps < maxChainWalk; steps++ {
				e := seg.entries[cur]
				if e.IsEmpty() {
					break
				}
				off := e.Offset()
				if off >= start && off < end {
					next, more := t.deleteNode(seg, b, prev, cur)
					cur = next
					if !more {
						break
					}
					continue
				}
				nxt := e.Next()
				if nxt == 0 {
					break
				}
				prev = cur
				cur = int(nxt - 1)
			}
		}
	}
}

// Walk invokes fn for every occupied entry in the directory, in
// segment/bucket/chain order. Used by stripe.EvacRange and vc.Scan.
func (t *Table) Walk(fn func(cachekey.Key, dirent.Entry) bool) {
	for _, seg := range t.Segments {
		for b := 0; b < seg.buckets; b++ {
			cur := seg.headIndex(b)
			for steps := 0; steps < maxChainWalk; steps++ {
				e := seg.entries[cur]
				if e.IsEmpty() {
					break
				}
				// Key is not recoverable from the entry alone (only its
				// tag is stored); callers needing the full key track it
				// out of band. fn always receives the zero Key.
				if !fn(cachekey.Key{}, e) {
					return
				}
				nxt := e.Next()
				if nxt == 0 {
					break
				}
				cur = int(nxt - 1)
			}
		}
	}
}
