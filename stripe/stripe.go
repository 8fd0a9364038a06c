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

// Package stripe implements the single unit of serialization (spec.md
// 3.9): one backing span plus the directory, header/footer pair,
// aggregation writer, preservation table, RAM cache, open-directory
// table and the write cursor that together make up one stripe.
package stripe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/launix-de/objcache/agg"
	"github.com/launix-de/objcache/aio"
	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/dir"
	"github.com/launix-de/objcache/dirent"
	"github.com/launix-de/objcache/doc"
	"github.com/launix-de/objcache/evac"
	"github.com/launix-de/objcache/ramcache"
	"github.com/launix-de/objcache/span"
	"github.com/launix-de/objcache/stripeheader"
)

// residentState tracks the move_resident_alt/rewrite_resident_alt
// interaction (spec.md 9 open question, SPEC_FULL.md E.4) as a small
// enum rather than independent booleans.
type residentState uint8

const (
	residentNone residentState = iota
	residentPending
	residentRewriting
)

// OpenDirEntry is the per-object in-memory structure created on first
// open-write and destroyed when the last writer leaves (spec.md 3.6).
type OpenDirEntry struct {
	FirstKey      cachekey.Key
	Writers       []uint64 // VC ids, insertion-ordered
	DelayedReaders []uint64
	EarliestDir   dirent.Entry
	DontUpdateDir bool
	ReadingVec    bool
	WritingVec    bool
	Resident      residentState
	Readers       int
}

// Config bundles the tunables a stripe needs at Open time; it is filled
// in from config.SpanConfig/config.VolumeConfig by the caller.
type Config struct {
	ContentStart       int64
	ContentEnd         int64
	NumDirEntries      int
	LoopCheck          bool
	AggBufferSize       int
	RAMCacheBytes       int64
	HitEvacuatePercent  int
	MaxDiskErrors       int

	// OnBad fires exactly once, the moment RecordDiskError trips this
	// stripe's error budget (spec.md 6.6 "persist_bad_disks"). Called
	// without s.mu held, so it may itself touch the stripe.
	OnBad func()
}

// Stripe is the single unit of serialization (spec.md 3.9, 5: "every
// stripe carries its own mutex"). Every directory/aggregation/open-dir
// mutation happens while holding mu; client callbacks must never be
// invoked while mu is held (spec.md 5).
type Stripe struct {
	mu sync.Mutex

	Span span.Span
	Disp aio.Dispatcher

	Dir   *dir.Table
	Agg   *agg.Writer
	Evac  *evac.Table
	RAM   ramcache.Cache

	cfg Config

	header stripeheader.HeaderFooter
	scanPos int64

	openDir map[cachekey.Key]*OpenDirEntry

	diskErrors int32
	bad        int32 // atomic bool
}

// Open constructs a Stripe over an already-opened span, sized per cfg.
// The caller must follow Open with either Clear (fresh span) or Recover
// (existing span) before accepting any VC.
func Open(sp span.Span, disp aio.Dispatcher, affinity uint64, cfg Config) *Stripe {
	s := &Stripe{
		Span:    sp,
		Disp:    disp,
		Dir:     dir.New(cfg.NumDirEntries, cfg.LoopCheck),
		Evac:    evac.New(),
		RAM:     ramcache.New(cfg.RAMCacheBytes),
		cfg:     cfg,
		openDir: make(map[cachekey.Key]*OpenDirEntry),
	}
	s.Agg = agg.New(sp, disp, affinity, cfg.ContentStart, cfg.ContentEnd, cfg.AggBufferSize)
	return s
}

// Clear resets a stripe to an empty state, as if freshly formatted: a
// new directory, write_pos at the start of the content region, phase
// false, cycle/sync_serial/write_serial all zero (spec.md 4.5 "clear_dir_aio").
func (s *Stripe) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dir = dir.New(s.cfg.NumDirEntries, s.cfg.LoopCheck)
	s.Agg.Restore(s.cfg.ContentStart, false, 0, 0, 0)
	s.header = stripeheader.HeaderFooter{
		Version:    1,
		WritePos:   s.cfg.ContentStart,
		SectorSize: dirent.BlockSize,
	}
	s.scanPos = s.cfg.ContentStart
}

// Recover rebuilds stripe state from the on-disk header/footer copies and
// directory image already read by the caller (which owns the AIO reads
// against the header/footer/directory regions — this package only
// implements the selection and data-scan logic, not the I/O scheduling,
// per spec.md 4.5).
//
// headerA/footerA/headerB/footerB are the four decoded header/footer
// blocks (spec.md 4.5 step 1-2); dirImage is the chosen copy's raw
// segment bytes, already copied into s.Dir by the caller via
// dir.Table.SegmentEntries; scanDocs is a callback the caller drives
// across 8 MiB chunks starting at header.LastWritePos, returning the
// highest write_serial seen and the offset the scan stopped at (spec.md
// 4.5 step 4, "handle_recover_from_data").
func (s *Stripe) Recover(headerA, footerA, headerB, footerB *stripeheader.HeaderFooter,
	scanDocs func(from int64) (highestWriteSerial uint32, recoverPos int64, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chosen, isB, err := stripeheader.PickValid(headerA, footerA, headerB, footerB)
	if err != nil {
		return fmt.Errorf("stripe: recover: %w", err)
	}
	_ = isB
	s.header = *chosen

	highestSerial, recoverPos, err := scanDocs(chosen.LastWritePos)
	if err != nil {
		return fmt.Errorf("stripe: recover: data scan: %w", err)
	}
	if highestSerial > s.header.WriteSerial {
		s.header.WriteSerial = highestSerial
	}

	// Erase any directory entries in the uncertain window between the
	// committed write_pos and where the data scan actually stopped.
	s.Dir.ClearRange(s.blockOffset(s.header.WritePos), s.blockOffset(recoverPos))

	s.Agg.Restore(s.header.WritePos, s.header.Phase, s.header.Cycle, s.header.SyncSerial, s.header.WriteSerial)
	s.scanPos = s.header.WritePos
	return nil
}

// blockOffset converts an absolute byte offset within the stripe's
// content region into the block-unit representation dirent.Entry.Offset
// stores (spec.md 6.1, dirent.BlockSize granularity).
func (s *Stripe) blockOffset(byteOffset int64) int64 {
	return byteOffset / dirent.BlockSize
}

func (s *Stripe) byteOffset(blockOffset int64) int64 {
	return blockOffset * dirent.BlockSize
}

// TryLock attempts to acquire the stripe lock without blocking, per
// spec.md 5's "a VC never acquires the stripe lock blockingly" rule.
func (s *Stripe) TryLock() bool {
	return s.mu.TryLock()
}

func (s *Stripe) Unlock() { s.mu.Unlock() }

// IsValid implements the directory entry phase-validity predicates
// (spec.md 4.2): an entry is valid (safe for a reader to treat as
// durable-or-in-buffer) unless it is in-phase and its offset has already
// been passed by the durable write cursor from a *later* lap, which can
// only happen for a stale entry left behind by clear_range not yet having
// run.
func (s *Stripe) IsValid(e dirent.Entry) bool {
	writePos := s.blockOffset(s.Agg.WritePos())
	aggPos := s.blockOffset(s.Agg.AggPos())
	off := e.Offset()
	if e.Phase() == s.Agg.Phase() {
		// in phase: valid as long as it's not past the current
		// aggregation window (that data hasn't been assigned yet).
		return off <= aggPos
	}
	// out of phase: valid only if it's still ahead of where the new
	// phase's write cursor has reached (i.e. not yet overwritten).
	return off >= writePos
}

// InAggregationWindow reports whether e's data currently lives only in
// the in-memory aggregation buffer rather than on disk yet, meaning a
// disk read at its offset would not return its bytes (spec.md 4.2).
func (s *Stripe) InAggregationWindow(e dirent.Entry) bool {
	if e.Phase() != s.Agg.Phase() {
		return false
	}
	off := s.byteOffset(e.Offset())
	return off >= s.Agg.WritePos() && off < s.Agg.AggPos()
}

// Phase, WritePos and AggPos expose the aggregation writer's cursor
// state; the not-yet-flushed bytes themselves stay private to agg.Writer,
// and no reader in this module serves data out of that buffer.
func (s *Stripe) Phase() bool         { return s.Agg.Phase() }
func (s *Stripe) WritePos() int64     { return s.Agg.WritePos() }
func (s *Stripe) AggPos() int64       { return s.Agg.AggPos() }
func (s *Stripe) Cycle() uint32       { return s.Agg.Cycle() }
func (s *Stripe) SyncSerial() uint32  { return s.Agg.SyncSerial() }
func (s *Stripe) ScanPos() int64      { return s.scanPos }
func (s *Stripe) SetScanPos(p int64)  { s.scanPos = p }

// Probe wraps dir.Table.Probe, first consulting the evacuation lookaside
// table: an in-flight multi-fragment evacuation's rewritten location
// takes precedence over whatever the main directory currently holds
// (spec.md 4.3 "lookaside table").
func (s *Stripe) Probe(key cachekey.Key, resume dir.Location) (dirent.Entry, dir.Location, bool) {
	if newOffset, newDir, ok := s.Evac.Lookaside(key); ok {
		_ = newOffset
		return newDir, dir.NoLocation, true
	}
	return s.Dir.Probe(key, s.IsValid, resume)
}

// InsertDir wraps dir.Table.Insert and marks the header dirty.
func (s *Stripe) InsertDir(key cachekey.Key, e dirent.Entry) (dir.Location, error) {
	loc, err := s.Dir.Insert(key, e, s.IsValid)
	if err == nil {
		s.header.Dirty = true
	}
	return loc, err
}

// OverwriteDir wraps dir.Table.Overwrite and marks the header dirty.
func (s *Stripe) OverwriteDir(key cachekey.Key, newEntry, oldEntry dirent.Entry, mustOverwrite bool) (dir.Location, error) {
	loc, err := s.Dir.Overwrite(key, newEntry, oldEntry, mustOverwrite, s.IsValid)
	if err == nil {
		s.header.Dirty = true
	}
	return loc, err
}

// DeleteDir wraps dir.Table.Delete.
func (s *Stripe) DeleteDir(key cachekey.Key, e dirent.Entry) bool {
	ok := s.Dir.Delete(key, e)
	if ok {
		s.header.Dirty = true
	}
	return ok
}

// OpenDir returns (creating if needed) the open-directory entry for
// firstKey (spec.md 3.6).
func (s *Stripe) OpenDir(firstKey cachekey.Key) *OpenDirEntry {
	e, ok := s.openDir[firstKey]
	if !ok {
		e = &OpenDirEntry{FirstKey: firstKey}
		s.openDir[firstKey] = e
	}
	return e
}

// LookupOpenDir returns the open-directory entry for firstKey without
// creating one.
func (s *Stripe) LookupOpenDir(firstKey cachekey.Key) (*OpenDirEntry, bool) {
	e, ok := s.openDir[firstKey]
	return e, ok
}

// CloseOpenDir removes firstKey's open-directory entry once its writer
// count has returned to zero (spec.md 3.9 "Open-directory entry"
// lifecycle).
func (s *Stripe) CloseOpenDir(firstKey cachekey.Key) {
	if e, ok := s.openDir[firstKey]; ok && len(e.Writers) == 0 {
		delete(s.openDir, firstKey)
	}
}

// EvacRange schedules for evacuation every directory entry whose data
// falls in [from, to) and is not already scheduled, mirroring aggWrite
// step 4's evac_range call (spec.md 4.2, 4.3 "automatic preservation").
// wantPhase selects entries from the *other* phase, i.e. the ones about
// to be overwritten by this phase's advancing cursor.
func (s *Stripe) EvacRange(from, to int64, wantPhase bool) {
	fromBlk, toBlk := s.blockOffset(from), s.blockOffset(to)
	s.Dir.Walk(func(key cachekey.Key, e dirent.Entry) bool {
		if e.Phase() != wantPhase {
			return true
		}
		off := e.Offset()
		if off < fromBlk || off >= toBlk {
			return true
		}
		s.Evac.Schedule(evac.Item{
			Offset: s.byteOffset(off),
			Key:    key,
			Dir:    e,
			Reason: evac.ReasonOverwrite,
		})
		return true
	})
}

// HitEvacuate flags entry for opportunistic evacuation if a just-served
// read hit it inside the configured hit-evacuate window (spec.md 4.3
// "Hit-evacuate").
func (s *Stripe) HitEvacuate(key cachekey.Key, e dirent.Entry) {
	off := s.byteOffset(e.Offset())
	if evac.ShouldEvacuateOnHit(off, s.Agg.WritePos(), s.cfg.ContentStart, s.cfg.ContentEnd, s.cfg.HitEvacuatePercent) {
		s.Evac.Schedule(evac.Item{Offset: off, Dir: e, Key: key, Reason: evac.ReasonPinned})
	}
}

// RecordDiskError increments the disk error budget, marking the stripe
// bad (spec.md 5 "Disk error budget per stripe") once MaxDiskErrors is
// exceeded. Once bad, the volume layer is expected to stop routing new
// objects here and to drain in-flight VCs to failure.
func (s *Stripe) RecordDiskError() {
	n := atomic.AddInt32(&s.diskErrors, 1)
	if s.cfg.MaxDiskErrors > 0 && int(n) > s.cfg.MaxDiskErrors {
		if atomic.CompareAndSwapInt32(&s.bad, 0, 1) && s.cfg.OnBad != nil {
			s.cfg.OnBad()
		}
	}
}

func (s *Stripe) Bad() bool { return atomic.LoadInt32(&s.bad) != 0 }

// SyncHeader bumps the aggregation writer's sync serial and returns a
// HeaderFooter snapshot ready to be persisted by the caller (the actual
// AIO write against the two header/footer copies is owned by the
// object that drives the stripe, since it alone knows which physical
// copy is due for the next sync).
func (s *Stripe) SyncHeader() stripeheader.HeaderFooter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.SyncSerial = s.Agg.Sync()
	s.header.WritePos = s.Agg.WritePos()
	s.header.Phase = s.Agg.Phase()
	s.header.Cycle = s.Agg.Cycle()
	s.header.WriteSerial = s.Agg.WriteSerial()
	h := s.header
	h.Freelist = nil // snapshot excludes the variable trailer; caller fills it from s.Dir if needed
	s.header.Dirty = false
	return h
}

// Shutdown flushes any buffered aggregation data so the stripe's on-disk
// state reflects everything accepted before the call returns.
func (s *Stripe) Shutdown() error {
	done := make(chan error, 1)
	s.Agg.Flush(func(err error) { done <- err })
	return <-done
}
