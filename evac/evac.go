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

// Package evac implements the preservation table and evacuation protocol
// (spec.md 4.3): fragments about to be overwritten by the aggregation
// writer's advancing cursor are read and rewritten ahead of the cursor
// instead of being silently lost, and a lookaside table lets concurrent
// readers find a fragment that has moved but whose directory entry has
// not been rewritten yet.
package evac

import (
	"sync"

	"github.com/google/btree"

	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/dirent"
)

// Reason records why a fragment was scheduled for evacuation.
type Reason uint8

const (
	// ReasonOverwrite: the aggregation cursor is about to pass this
	// fragment's offset.
	ReasonOverwrite Reason = iota
	// ReasonPinned: the fragment is within hit_evacuate_percent of the
	// write cursor and was just read, so it is moved ahead preemptively
	// rather than waiting for ReasonOverwrite (spec.md 4.3, 7 "popular
	// near-cursor document").
	ReasonPinned
)

// Item is one scheduled evacuation: the fragment at Offset, keyed by Key
// (and its object's FirstKey, needed to rewrite an alternate's directory
// entry), with its current on-disk directory entry so the evacuator can
// re-read it without a directory probe.
type Item struct {
	Offset   int64
	Key      cachekey.Key
	FirstKey cachekey.Key
	Dir      dirent.Entry
	Reason   Reason
}

func less(a, b *Item) bool { return a.Offset < b.Offset }

// lookasideEntry records a fragment that has already been copied to
// NewOffset but whose directory entry at OldOffset has not yet been
// rewritten to match; FinishMove removes the entry once the directory has
// been fixed up.
type lookasideEntry struct {
	oldOffset int64
	newOffset int64
	newDir    dirent.Entry
	done      bool
}

// Table is one stripe's preservation table plus lookaside table. Like
// dir.Table, it is not internally synchronized against the stripe lock;
// its own mutex only protects concurrent Schedule/Due/Lookaside calls
// from racing each other (e.g. a reader's lookaside check against the
// evacuator's fixup).
type Table struct {
	mu        sync.Mutex
	preserve  *btree.BTreeG[*Item]
	lookaside map[cachekey.Key]*lookasideEntry
}

func New() *Table {
	return &Table{
		preserve:  btree.NewG(32, less),
		lookaside: make(map[cachekey.Key]*lookasideEntry),
	}
}

// Schedule registers item for evacuation. Scheduling the same offset
// twice replaces the earlier entry (a ReasonPinned hit followed later by
// ReasonOverwrite should evacuate once, not twice).
func (t *Table) Schedule(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := item
	t.preserve.ReplaceOrInsert(&cp)
}

// Due returns every scheduled item whose offset is strictly less than
// beforeOffset (i.e. the aggregation cursor is about to reach or has
// passed it) and removes them from the table. The caller is responsible
// for actually evacuating each one before the space is reused.
func (t *Table) Due(beforeOffset int64) []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*Item
	t.preserve.AscendLessThan(&Item{Offset: beforeOffset}, func(it *Item) bool {
		due = append(due, it)
		return true
	})
	out := make([]Item, len(due))
	for i, it := range due {
		t.preserve.Delete(it)
		out[i] = *it
	}
	return out
}

// Pending reports how many fragments are currently scheduled, used by the
// stripe to size its evacuation backlog metric.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preserve.Len()
}

// BeginMove records that key's fragment is being copied from oldOffset to
// newOffset, before the copy (and the directory rewrite that follows it)
// has completed. Concurrent readers that probe the directory and find the
// stale oldOffset-based entry should consult Lookaside instead of
// treating it as a miss (spec.md 4.3).
func (t *Table) BeginMove(key cachekey.Key, oldOffset, newOffset int64, newDir dirent.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookaside[key] = &lookasideEntry{oldOffset: oldOffset, newOffset: newOffset, newDir: newDir}
}

// Lookaside reports the in-flight (or just-finished) move for key, if
// any. ok is false once the move has been cleared.
func (t *Table) Lookaside(key cachekey.Key) (newOffset int64, newDir dirent.Entry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.lookaside[key]
	if !found {
		return 0, dirent.Entry{}, false
	}
	return e.newOffset, e.newDir, true
}

// FinishMove marks key's move as durable (its directory entry now points
// at newOffset) and clears the lookaside record. Called once the
// directory rewrite that follows the data copy has itself been flushed.
func (t *Table) FinishMove(key cachekey.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lookaside, key)
}

// ShouldEvacuateOnHit reports whether a just-read fragment at entryOffset
// falls within hitEvacuatePercent of the stripe's content length behind
// writePos, and so should be scheduled with ReasonPinned rather than
// waiting to be caught by the ordinary ReasonOverwrite sweep (spec.md
// supplemented feature "hit_evacuate_percent": popular documents near the
// write cursor are moved ahead of it proactively, since they are likely
// to be requested again before the cursor naturally wraps around to
// them).
func ShouldEvacuateOnHit(entryOffset, writePos, contentStart, contentEnd int64, hitEvacuatePercent int) bool {
	if hitEvacuatePercent <= 0 {
		return false
	}
	contentLen := contentEnd - contentStart
	if contentLen <= 0 {
		return false
	}
	// Distance ahead of the write cursor, wrapping through the content
	// region once if the entry is "behind" writePos in cursor order.
	dist := entryOffset - writePos
	if dist < 0 {
		dist += contentLen
	}
	window := contentLen * int64(hitEvacuatePercent) / 100
	return dist >= 0 && dist <= window
}
