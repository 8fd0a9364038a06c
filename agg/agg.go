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

// Package agg implements the aggregation writer (spec.md 4.2): pending
// fragment records are copied into a fixed-size buffer and written to the
// backing span as one sequential I/O, rather than one I/O per fragment.
// None of this package is internally synchronized beyond its own mutex;
// the owning stripe still serializes calls into it under the stripe lock
// (spec.md 5), the mutex here only protects the buffer from the
// AIO completion callback racing a concurrent Write.
package agg

import (
	"fmt"
	"sync"

	"github.com/launix-de/objcache/aio"
	"github.com/launix-de/objcache/span"
)

// DefaultBufferSize matches the original cache's AGG_SIZE: fragments are
// batched up to 4 MiB before being flushed as a single write.
const DefaultBufferSize = 4 << 20

// Completion is delivered once a record's containing buffer has been
// flushed to the span. Offset is the record's absolute position in the
// span; Phase is the stripe phase bit in effect when it was written
// (spec.md 3.2's dir_phase, needed to populate the directory entry).
type Completion struct {
	Offset int64
	Phase  bool
	Err    error
}

type pendingEntry struct {
	offset int64
	phase  bool
	cb     func(Completion)
}

// Writer owns one stripe's write-side sequential cursor: the content
// region [ContentStart, ContentEnd) it cycles through, the current
// position and phase, and the in-memory buffer accumulating records that
// have not yet been flushed to the span.
type Writer struct {
	mu sync.Mutex

	Span     span.Span
	Disp     aio.Dispatcher
	Affinity uint64

	ContentStart int64
	ContentEnd   int64
	Capacity     int64 // buffer size; defaults to DefaultBufferSize

	writePos    int64 // durable: next byte not yet flushed to the span
	phase       bool
	cycle       uint32
	syncSerial  uint32
	writeSerial uint32

	buf     []byte
	pending []pendingEntry
}

// New constructs a Writer starting at contentStart with phase false. The
// caller (the owning stripe) is expected to restore writePos/phase/cycle/
// syncSerial from a recovered stripeheader.HeaderFooter before accepting
// writes.
func New(sp span.Span, disp aio.Dispatcher, affinity uint64, contentStart, contentEnd int64, capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Writer{
		Span:         sp,
		Disp:         disp,
		Affinity:     affinity,
		ContentStart: contentStart,
		ContentEnd:   contentEnd,
		Capacity:     int64(capacity),
		writePos:     contentStart,
	}
}

// Restore seeds the writer's cursor from a recovered header, used after a
// clean open or crash-recovery pass (spec.md 4.5).
func (w *Writer) Restore(writePos int64, phase bool, cycle, syncSerial, writeSerial uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writePos = writePos
	w.phase = phase
	w.cycle = cycle
	w.syncSerial = syncSerial
	w.writeSerial = writeSerial
}

func (w *Writer) WritePos() int64    { return w.writePos }
func (w *Writer) Phase() bool        { return w.phase }
func (w *Writer) Cycle() uint32      { return w.cycle }
func (w *Writer) SyncSerial() uint32 { return w.syncSerial }

// WriteSerial reports how many buffer flushes have completed so far,
// bumped once per successful Flush (spec.md 4.5's write_serial, used to
// pick the newest valid header/footer copy on recovery).
func (w *Writer) WriteSerial() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSerial
}

// AggPos is the position the next unbuffered byte would land at: the
// durable write position plus whatever is already sitting in the buffer
// (spec.md 4.2's agg_pos, used by dir.IsValidFunc implementations to
// decide whether an entry falls inside the still-volatile window).
func (w *Writer) AggPos() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writePos + int64(len(w.buf))
}

// Fits reports whether a record of recordLen bytes can be appended to the
// current buffer without exceeding Capacity. Callers must Flush first (or
// wrap) when it returns false.
func (w *Writer) Fits(recordLen int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.buf))+int64(recordLen) <= w.Capacity
}

// WillWrap reports whether appending recordLen bytes at the current
// cursor would run past ContentEnd, meaning the writer must wrap back to
// ContentStart and flip phase before this record can be written
// (spec.md 4.2 "wrap-around").
func (w *Writer) WillWrap(recordLen int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writePos+int64(len(w.buf))+int64(recordLen) > w.ContentEnd
}

// Write appends record to the pending buffer and registers cb to be
// called with the record's final offset/phase once the buffer it ends up
// in is flushed. It returns an error if record does not fit in an empty
// buffer at all (the caller sized Capacity too small for its own record).
func (w *Writer) Write(record []byte, cb func(Completion)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int64(len(record)) > w.Capacity {
		return fmt.Errorf("agg: record of %d bytes exceeds buffer capacity %d", len(record), w.Capacity)
	}
	off := w.writePos + int64(len(w.buf))
	w.buf = append(w.buf, record...)
	w.pending = append(w.pending, pendingEntry{offset: off, phase: w.phase, cb: cb})
	return nil
}

// Wrap resets the cursor to ContentStart and flips phase, bumping cycle.
// Callers must Flush any buffered data and ensure no pending records
// reference the old tail before calling Wrap (spec.md 4.2: a wrap only
// happens between aggregation buffers, never mid-buffer).
func (w *Writer) Wrap() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writePos = w.ContentStart
	w.phase = !w.phase
	w.cycle++
}

// Flush submits the current buffer as one write and, on completion,
// advances writePos, bumps writeSerial, and invokes every pending
// record's callback with its now-durable offset. done is called once the
// whole flush (including all callbacks) has run, whether or not the
// underlying write succeeded.
func (w *Writer) Flush(done func(error)) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		if done != nil {
			done(nil)
		}
		return
	}
	buf := w.buf
	pending := w.pending
	offset := w.writePos
	w.buf = nil
	w.pending = nil
	w.mu.Unlock()

	w.Disp.Submit(aio.Request{
		Op:       aio.OpWrite,
		Span:     w.Span,
		Offset:   offset,
		Buf:      buf,
		Affinity: w.Affinity,
		Callback: func(res aio.Result) {
			w.mu.Lock()
			if res.Err == nil {
				w.writePos = offset + int64(len(buf))
				w.writeSerial++
			}
			w.mu.Unlock()
			for _, p := range pending {
				if p.cb == nil {
					continue
				}
				if res.Err != nil {
					p.cb(Completion{Err: res.Err})
				} else {
					p.cb(Completion{Offset: p.offset, Phase: p.phase})
				}
			}
			if done != nil {
				done(res.Err)
			}
		},
	})
}

// Sync bumps the sync serial, marking every record flushed so far as
// covered by the next header/footer write (spec.md 3.4, 4.2). The caller
// (the owning stripe) is responsible for actually persisting the
// stripeheader.HeaderFooter with this serial afterward.
func (w *Writer) Sync() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncSerial++
	return w.syncSerial
}

// PendingBytes reports how much unflushed data currently sits in the
// buffer, used by the owning stripe to decide when to force an early
// Flush instead of waiting for the buffer to fill (spec.md 4.2's
// idle/time-based flush trigger).
func (w *Writer) PendingBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.buf))
}
