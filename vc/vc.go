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

// Package vc implements the virtual-connection operations against one
// stripe (spec.md 4.4): open-read, open-write, remove and scan. Each
// operation here is the collapsed, Go-native form of the original's
// state-machine continuations (spec.md 9 open question: this module
// picked the method form over a literal state-handler split, since Go
// has no header/source split forcing the issue, and a goroutine can just
// block on its own disk read instead of re-entering a handler).
//
// A VC never holds the stripe lock while blocked on I/O or while
// invoking caller-supplied callbacks (spec.md 5); every stripe-lock
// critical section here is a short, bounded directory/open-dir mutation,
// taken via vcsched.WithStripeLock so a contended lock reschedules the
// attempt instead of blocking.
package vc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/launix-de/objcache/agg"
	"github.com/launix-de/objcache/aio"
	"github.com/launix-de/objcache/cacheerr"
	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/dir"
	"github.com/launix-de/objcache/dirent"
	"github.com/launix-de/objcache/doc"
	"github.com/launix-de/objcache/evac"
	"github.com/launix-de/objcache/ramcache"
	"github.com/launix-de/objcache/stripe"
	"github.com/launix-de/objcache/vcsched"
)

// DefaultFragmentSize matches the original cache's target_fragment_size
// default of ~1 MiB; writes are cut into fragments no larger than this
// (spec.md 4.4.2).
const DefaultFragmentSize = 1 << 20

// DefaultRetryDelay/DefaultMaxRetries are spec.md 6.6's mutex_retry_delay
// and this module's bound on lock-contention retries before a VC gives up
// rather than spinning forever against a pathologically hot stripe.
const (
	DefaultRetryDelay = vcsched.DefaultRetryDelay
	DefaultMaxRetries = 500
)

// Scheduler is the package-wide vcsched.Scheduler every VC's lock-retry
// and close-path scheduling runs on. Callers embedding this package in a
// larger process may replace it (e.g. to share one scheduler across many
// stripes) before issuing any operation.
var Scheduler = vcsched.NewScheduler()

// VC identifies one client operation against a stripe, carrying a random
// uuid as its correlation id.
type VC struct {
	ID     uuid.UUID
	Stripe *stripe.Stripe

	mu        sync.Mutex
	cancelled bool
}

func newVC(s *stripe.Stripe) *VC {
	return &VC{ID: uuid.New(), Stripe: s}
}

// Cancel marks the VC cancelled; in-flight completions must check
// Cancelled before touching client state (spec.md 5).
func (v *VC) Cancel() {
	v.mu.Lock()
	v.cancelled = true
	v.mu.Unlock()
}

func (v *VC) Cancelled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelled
}

// withLock is the per-VC shorthand for vcsched.WithStripeLock: it retries
// a contended stripe lock on the package Scheduler instead of blocking,
// and gives up early once the VC is cancelled (spec.md 5).
func (v *VC) withLock(fn func()) bool {
	return vcsched.WithStripeLock(Scheduler, v.Stripe, DefaultRetryDelay, DefaultMaxRetries, v.Cancelled, fn)
}

// readAt issues a blocking (from the VC's own goroutine's point of view)
// AIO read and waits for its completion; it never holds the stripe lock
// while waiting.
func readAt(s *stripe.Stripe, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	done := make(chan aio.Result, 1)
	s.Disp.Submit(aio.Request{
		Op:     aio.OpRead,
		Span:   s.Span,
		Offset: off,
		Buf:    buf,
		Callback: func(r aio.Result) {
			done <- r
		},
	})
	r := <-done
	if r.Err != nil {
		return nil, r.Err
	}
	return buf[:r.N], nil
}

// Lookup probes for firstKey without opening a read cursor, the cheap path
// behind the public cache API's lookup() call (spec.md 6.4): it reports a
// hit/miss and nothing else, so a caller that only wants to know whether
// an object is cached never pays for a doc load.
func Lookup(s *stripe.Stripe, firstKey cachekey.Key) (bool, error) {
	v := newVC(s)
	var hit bool
	if !v.withLock(func() { _, _, hit = s.Probe(firstKey, dir.NoLocation) }) {
		return false, cacheerr.New(cacheerr.NotReady)
	}
	return hit, nil
}

// ReadResult is what OpenRead hands back: the object's assembled header
// bytes and a function to pull successive data fragments.
type ReadResult struct {
	Hdr      []byte
	TotalLen uint64

	vc        *VC
	s         *stripe.Stripe
	key       cachekey.Key // next fragment's key
	remaining uint64
	firstData []byte
}

// OpenRead implements openReadStartHead/openReadMain (spec.md 4.4.1):
// probe the directory for firstKey, serve the head fragment from RAM
// cache when possible, otherwise issue a disk read, then verify magic/version/checksum before handing back a cursor
// the caller uses to pull the rest of the object's data fragments.
func OpenRead(s *stripe.Stripe, firstKey cachekey.Key) (*ReadResult, error) {
	v := newVC(s)

	var e dirent.Entry
	var hit bool
	if !v.withLock(func() {
		e, _, hit = s.Probe(firstKey, dir.NoLocation)
	}) {
		return nil, cacheerr.New(cacheerr.NotReady)
	}
	if !hit {
		return nil, cacheerr.New(cacheerr.NoDoc)
	}

	d, err := loadDoc(s, e, firstKey)
	if err != nil {
		return nil, err
	}
	if d.Magic != doc.Magic {
		return nil, cacheerr.Wrap(cacheerr.BadMetaData, fmt.Errorf("bad magic %#x", d.Magic))
	}
	if !d.VerifyChecksum() {
		return nil, cacheerr.Wrap(cacheerr.BadMetaData, fmt.Errorf("checksum mismatch"))
	}
	if !d.Key.Equal(firstKey) {
		return nil, cacheerr.Wrap(cacheerr.BadMetaData, fmt.Errorf("key mismatch: collision not retried"))
	}

	v.withLock(func() { s.HitEvacuate(firstKey, e) })

	rr := &ReadResult{
		Hdr:       d.Hdr,
		TotalLen:  d.TotalLen,
		vc:        v,
		s:         s,
		remaining: d.TotalLen - uint64(d.DataLen()),
		firstData: d.Data,
	}
	if rr.remaining > 0 {
		_, rr.key = cachekey.FirstAndEarliest(firstKey)
	}
	return rr, nil
}

// loadDoc fetches the document at e's offset, preferring the RAM cache,
// then falling back to a disk read (spec.md 4.4.1). An entry still inside
// the aggregation writer's volatile window is an internal inconsistency
// here (stripe.Probe never hands back an entry a reader can't safely
// serve), so the only two sources a VC actually consults are the RAM
// cache and the span itself.
func loadDoc(s *stripe.Stripe, e dirent.Entry, key cachekey.Key) (*doc.Doc, error) {
	off := int64(e.Offset()) * dirent.BlockSize
	if raw, rawLen, kind := s.RAM.Get(key, uint64(off)); kind != ramcache.Miss {
		if kind == ramcache.HitCompressed {
			var err error
			raw, err = ramcache.Decompress(raw, rawLen)
			if err != nil {
				return nil, cacheerr.Wrap(cacheerr.BadMetaData, err)
			}
		}
		return doc.Decode(raw)
	}

	size := e.ApproxSize()
	raw, err := readAt(s, off, int(size))
	if err != nil {
		s.RecordDiskError()
		return nil, cacheerr.Wrap(cacheerr.ReadFail, err)
	}
	d, err := doc.Decode(raw)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.BadMetaData, err)
	}
	s.RAM.Put(key, raw[:d.Len], d.Len < 1<<20, uint64(off))
	return d, nil
}

// Next pulls the next data fragment following the object's key chain,
// returning (nil, nil) once the whole object has been delivered (spec.md
// 4.4.1 "follow key -> next_key").
func (r *ReadResult) Next() ([]byte, error) {
	if r.firstData != nil {
		d := r.firstData
		r.firstData = nil
		return d, nil
	}
	if r.remaining == 0 {
		return nil, nil
	}
	var e dirent.Entry
	var hit bool
	if !r.vc.withLock(func() { e, _, hit = r.s.Probe(r.key, dir.NoLocation) }) {
		return nil, cacheerr.New(cacheerr.NotReady)
	}
	if !hit {
		return nil, cacheerr.Wrap(cacheerr.NoDoc, fmt.Errorf("fragment chain broken"))
	}
	d, err := loadDoc(r.s, e, r.key)
	if err != nil {
		return nil, err
	}
	r.remaining -= uint64(d.DataLen())
	r.key = cachekey.Next(r.key)
	return d.Data, nil
}

// WriteResult is the handle OpenWrite returns; callers call Write
// repeatedly then Close.
type WriteResult struct {
	vc           *VC
	s            *stripe.Stripe
	firstKey     cachekey.Key
	fragKey      cachekey.Key
	fragmentSize int
	hdr          []byte
	buf          []byte
	totalLen     uint64
	earliestDir  *dirent.Entry
}

// OpenWrite implements openWriteStartBegin..openWriteMain (spec.md
// 4.4.2): acquires (or joins) the open-directory entry for firstKey,
// rejecting a fresh write if the aggregation backlog is over threshold,
// and returns a handle that cuts the caller's byte stream into fragments
// as it is written to.
func OpenWrite(s *stripe.Stripe, firstKey cachekey.Key, hdr []byte, allowIfWriters bool, fragmentSize int) (*WriteResult, error) {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	v := newVC(s)

	var refused error
	locked := v.withLock(func() {
		od := s.OpenDir(firstKey)
		if len(od.Writers) > 0 && !allowIfWriters {
			refused = cacheerr.New(cacheerr.DocBusy)
			return
		}
		if s.Agg.PendingBytes() > int64(fragmentSize)*8 && len(od.Writers) == 0 {
			refused = cacheerr.Wrap(cacheerr.WriteFail, fmt.Errorf("aggregation backlog exceeded"))
			return
		}
		od.Writers = append(od.Writers, 0)
	})
	if !locked {
		return nil, cacheerr.New(cacheerr.NotReady)
	}
	if refused != nil {
		return nil, refused
	}

	_, earliestKey := cachekey.FirstAndEarliest(firstKey)
	return &WriteResult{
		vc:           v,
		s:            s,
		firstKey:     firstKey,
		fragKey:      earliestKey,
		fragmentSize: fragmentSize,
		hdr:          hdr,
	}, nil
}

// Write appends data to the object body, cutting and flushing a fragment
// to the stripe every time the accumulated length reaches fragmentSize
// (spec.md 4.4.2 "openWriteMain").
func (w *WriteResult) Write(data []byte) error {
	w.buf = append(w.buf, data...)
	w.totalLen += uint64(len(data))
	for len(w.buf) >= w.fragmentSize {
		if err := w.flushFragment(w.buf[:w.fragmentSize]); err != nil {
			return err
		}
		w.buf = w.buf[w.fragmentSize:]
	}
	return nil
}

// flushFragment writes one body fragment (never the head/vector record,
// which Close assembles itself since it alone knows total_len and
// whether the object qualifies for the single-fragment optimization).
func (w *WriteResult) flushFragment(data []byte) error {
	key := w.fragKey
	firstKey := w.firstKey
	d := &doc.Doc{
		Magic:    doc.Magic,
		FirstKey: firstKey,
		Key:      key,
		Data:     append([]byte(nil), data...),
	}
	encoded := d.Encode(true)

	if err := w.prepareWrite(len(encoded)); err != nil {
		return err
	}

	done := make(chan agg.Completion, 1)
	if err := w.s.Agg.Write(encoded, func(c agg.Completion) { done <- c }); err != nil {
		return cacheerr.Wrap(cacheerr.WriteFail, err)
	}
	w.s.Agg.Flush(nil)
	c := <-done
	if c.Err != nil {
		w.s.RecordDiskError()
		return cacheerr.Wrap(cacheerr.WriteFail, c.Err)
	}

	var e dirent.Entry
	e.SetOffset(c.Offset / dirent.BlockSize)
	e.SetApproxSize(int64(len(encoded)))
	e.SetPhase(c.Phase)

	var insertErr error
	if !w.vc.withLock(func() {
		if _, err := w.s.InsertDir(d.Key, e); err != nil {
			insertErr = err
		}
	}) {
		return cacheerr.New(cacheerr.NotReady)
	}
	if insertErr != nil {
		return cacheerr.Wrap(cacheerr.WriteFail, insertErr)
	}
	if w.earliestDir == nil {
		got := e
		w.earliestDir = &got
	}
	w.fragKey = cachekey.Next(key)
	return nil
}

// prepareWrite makes room for a record of recordLen bytes ahead of every
// fragment/vector write: if the record would run past ContentEnd, the
// buffered data is flushed and the cursor wrapped back to ContentStart
// with phase flipped and cycle bumped (spec.md 4.2 "wrap-around"), then
// the range the cursor is about to advance into is scheduled for
// evacuation and any now-due fragments are moved ahead of it before the
// new record lands (spec.md 4.3 "evacuate").
func (w *WriteResult) prepareWrite(recordLen int) error {
	s := w.s
	if s.Agg.WillWrap(recordLen) {
		flushDone := make(chan error, 1)
		s.Agg.Flush(func(err error) { flushDone <- err })
		if err := <-flushDone; err != nil {
			s.RecordDiskError()
			return cacheerr.Wrap(cacheerr.WriteFail, err)
		}
		s.Agg.Wrap()
	}
	from := s.Agg.AggPos()
	to := from + int64(recordLen)
	w.vc.withLock(func() { s.EvacRange(from, to, !s.Agg.Phase()) })
	return evacuateDue(w.vc, s, to)
}

// evacuateDue drains every preservation-table entry the aggregation
// cursor is about to reach or pass, rewriting each one ahead of the
// cursor and relinking the directory to its new location (spec.md 4.3).
func evacuateDue(v *VC, s *stripe.Stripe, upcomingEnd int64) error {
	for _, item := range s.Evac.Due(upcomingEnd) {
		if err := evacuateOne(v, s, item); err != nil {
			return err
		}
	}
	return nil
}

// evacuateOne reads item's fragment, rewrites it through the aggregation
// writer at the current cursor, and relinks the directory entry to the
// new location. While the copy is in flight, BeginMove publishes the
// pending new location to the lookaside table so a concurrent Probe
// finds the fragment even before the directory rewrite below lands
// (spec.md 4.3 "lookaside table").
func evacuateOne(v *VC, s *stripe.Stripe, item evac.Item) error {
	off := int64(item.Dir.Offset()) * dirent.BlockSize
	raw, err := readAt(s, off, int(item.Dir.ApproxSize()))
	if err != nil {
		s.RecordDiskError()
		return cacheerr.Wrap(cacheerr.ReadFail, err)
	}
	d, err := doc.Decode(raw)
	if err != nil || d.Magic != doc.Magic {
		// slot already reclaimed or never held a valid document;
		// nothing left to preserve.
		return nil
	}

	s.Evac.BeginMove(item.Key, item.Offset, 0, dirent.Entry{})

	done := make(chan agg.Completion, 1)
	if err := s.Agg.Write(raw, func(c agg.Completion) { done <- c }); err != nil {
		s.Evac.FinishMove(item.Key)
		return cacheerr.Wrap(cacheerr.WriteFail, err)
	}
	s.Agg.Flush(nil)
	c := <-done
	if c.Err != nil {
		s.Evac.FinishMove(item.Key)
		s.RecordDiskError()
		return cacheerr.Wrap(cacheerr.WriteFail, c.Err)
	}

	newEntry := item.Dir
	newEntry.SetOffset(c.Offset / dirent.BlockSize)
	newEntry.SetPhase(c.Phase)

	var overwriteErr error
	locked := v.withLock(func() {
		s.Evac.BeginMove(item.Key, item.Offset, c.Offset, newEntry)
		if _, err := s.OverwriteDir(item.Key, newEntry, item.Dir, false); err != nil {
			overwriteErr = err
		}
		s.Evac.FinishMove(item.Key)
	})
	if !locked {
		s.Evac.FinishMove(item.Key)
		return cacheerr.New(cacheerr.NotReady)
	}
	return overwriteErr
}

// Close implements the close path (spec.md 4.4.2): flushes any partial
// trailing fragment, writes the vector record at firstKey (folding the
// body in for single_fragment() objects), releases the open-directory
// entry, and either commits or (on abort) deletes the earliest directory
// entry.
func (w *WriteResult) Close(abort bool) error {
	defer func() {
		w.vc.withLock(func() {
			if od, ok := w.s.LookupOpenDir(w.firstKey); ok {
				for i, id := range od.Writers {
					if id == 0 {
						od.Writers = append(od.Writers[:i], od.Writers[i+1:]...)
						break
					}
				}
				w.s.CloseOpenDir(w.firstKey)
			}
		})
	}()

	if abort || (w.totalLen == 0 && len(w.buf) == 0) {
		if w.earliestDir != nil {
			w.vc.withLock(func() { w.s.DeleteDir(w.firstKey, *w.earliestDir) })
		}
		return nil
	}

	// single_fragment(): the whole body fit before any fragment was cut,
	// so it folds into the vector record itself instead of a separate
	// data fragment (spec.md 3.5, SPEC_FULL.md C "move_resident_alt").
	singleFragment := w.earliestDir == nil && uint64(len(w.buf)) == w.totalLen
	if len(w.buf) > 0 && !singleFragment {
		if err := w.flushFragment(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}

	vectorData := w.buf
	if !singleFragment {
		vectorData = nil
	}
	d := &doc.Doc{
		Magic:    doc.Magic,
		FirstKey: w.firstKey,
		Key:      w.firstKey,
		TotalLen: w.totalLen,
		Hdr:      w.hdr,
		Data:     vectorData,
	}
	encoded := d.Encode(true)
	if err := w.prepareWrite(len(encoded)); err != nil {
		return err
	}
	done := make(chan agg.Completion, 1)
	if err := w.s.Agg.Write(encoded, func(c agg.Completion) { done <- c }); err != nil {
		return cacheerr.Wrap(cacheerr.WriteFail, err)
	}
	w.s.Agg.Flush(nil)
	c := <-done
	if c.Err != nil {
		w.s.RecordDiskError()
		return cacheerr.Wrap(cacheerr.WriteFail, c.Err)
	}
	var e dirent.Entry
	e.SetOffset(c.Offset / dirent.BlockSize)
	e.SetApproxSize(int64(len(encoded)))
	e.SetPhase(c.Phase)
	e.SetHead(true)

	old := dirent.Entry{}
	if w.earliestDir != nil {
		old = *w.earliestDir
	}
	var overwriteErr error
	if !w.vc.withLock(func() {
		if _, err := w.s.OverwriteDir(w.firstKey, e, old, false); err != nil {
			overwriteErr = err
		}
	}) {
		return cacheerr.New(cacheerr.NotReady)
	}
	return overwriteErr
}

// Remove implements removeEvent (spec.md 4.4.3): probe for firstKey,
// confirm the on-disk document's key matches, then delete it. A live
// writer is pinned via dont_update_directory so it will not re-insert a
// stale entry after this delete.
func Remove(s *stripe.Stripe, firstKey cachekey.Key) error {
	v := newVC(s)
	var notFound, deleted bool
	locked := v.withLock(func() {
		e, _, hit := s.Probe(firstKey, dir.NoLocation)
		if !hit {
			notFound = true
			return
		}
		if od, ok := s.LookupOpenDir(firstKey); ok {
			od.DontUpdateDir = true
		}
		deleted = s.DeleteDir(firstKey, e)
	})
	if !locked {
		return cacheerr.New(cacheerr.NotReady)
	}
	if notFound || !deleted {
		return cacheerr.New(cacheerr.NoDoc)
	}
	return nil
}

// ScanResult is what a scan callback returns to drive the scan onward
// (spec.md 4.4.4).
type ScanResult int

const (
	ScanContinue ScanResult = iota
	ScanDelete
	ScanDeleteAllAlternates
)

// Scan implements scanStripe/scanObject (spec.md 4.4.4), simplified to a
// single-pass walk of every head directory entry (the original's
// "volume map" block-granularity prefilter is an optimization over
// disk-order locality this in-memory walk does not need, since
// dir.Table.Walk already only visits occupied slots). For each head
// document found, cb is invoked with its key and header bytes; a
// ScanDelete(...) result removes the object.
func Scan(s *stripe.Stripe, cb func(key cachekey.Key, hdr []byte) ScanResult) error {
	v := newVC(s)

	type candidate struct {
		off  int64
		size int64
	}
	var candidates []candidate
	v.withLock(func() {
		s.Dir.Walk(func(_ cachekey.Key, e dirent.Entry) bool {
			if !e.Head() {
				return true
			}
			candidates = append(candidates, candidate{
				off:  int64(e.Offset()) * dirent.BlockSize,
				size: e.ApproxSize(),
			})
			return true
		})
	})

	var toDelete []cachekey.Key
	for _, c := range candidates {
		raw, err := readAt(s, c.off, int(c.size))
		if err != nil {
			return cacheerr.Wrap(cacheerr.ReadFail, err)
		}
		d, err := doc.Decode(raw)
		if err != nil || d.Magic != doc.Magic {
			continue
		}
		switch cb(d.Key, d.Hdr) {
		case ScanDelete, ScanDeleteAllAlternates:
			toDelete = append(toDelete, d.Key)
		}
	}
	for _, k := range toDelete {
		_ = Remove(s, k)
	}
	return nil
}
