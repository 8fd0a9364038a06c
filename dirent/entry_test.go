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

package dirent

import "testing"

func TestOffsetRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 512, OffsetMax, OffsetMax - 1, 1 << 23, 1<<24 - 1}
	for _, off := range cases {
		var e Entry
		e.SetOffset(off)
		if got := e.Offset(); got != off {
			t.Errorf("SetOffset(%d): Offset() = %d", off, got)
		}
	}
}

func TestOffsetPreservesSizeBits(t *testing.T) {
	var e Entry
	e.SetApproxSize(1 << 20)
	before := e.Size()
	beforeBig := e.Big()
	e.SetOffset(12345)
	if e.Size() != before || e.Big() != beforeBig {
		t.Fatal("SetOffset clobbered size/big fields packed into the same word")
	}
}

func TestIsEmpty(t *testing.T) {
	var e Entry
	if !e.IsEmpty() {
		t.Fatal("zero-value Entry should be empty")
	}
	e.SetOffset(1)
	if e.IsEmpty() {
		t.Fatal("entry with non-zero offset reported empty")
	}
}

func TestApproxSizeRounding(t *testing.T) {
	cases := []int64{1, 511, 512, 4095, 4096, 4097, 1 << 20, 16 << 20}
	for _, sz := range cases {
		var e Entry
		e.SetApproxSize(sz)
		got := e.ApproxSize()
		if got < sz {
			t.Errorf("ApproxSize(%d) = %d, want >= requested size", sz, got)
		}
		if rounded := RoundToApproxSize(sz); rounded != got {
			t.Errorf("RoundToApproxSize(%d) = %d, want %d (ApproxSize after SetApproxSize)", sz, rounded, got)
		}
	}
}

func TestTagRoundTrip(t *testing.T) {
	var e Entry
	for _, tag := range []uint16{0, 1, 0xFFF, 0x7AB} {
		e.SetTag(tag)
		if got := e.Tag(); got != tag {
			t.Errorf("SetTag(%#x): Tag() = %#x", tag, got)
		}
	}
}

func TestFlagBits(t *testing.T) {
	var e Entry
	e.SetPhase(true)
	e.SetHead(false)
	e.SetPinned(true)
	e.SetToken(false)
	if !e.Phase() || e.Head() || !e.Pinned() || e.Token() {
		t.Fatalf("flag bits mismatch: phase=%v head=%v pinned=%v token=%v", e.Phase(), e.Head(), e.Pinned(), e.Token())
	}
	e.SetTag(0xABC)
	if !e.Phase() || e.Token() {
		t.Fatal("SetTag disturbed the flag bits sharing word 2")
	}
}

func TestNextRoundTrip(t *testing.T) {
	var e Entry
	e.SetNext(42)
	if e.Next() != 42 {
		t.Fatalf("Next() = %d, want 42", e.Next())
	}
}

func TestAssignDataPreservesChain(t *testing.T) {
	var e Entry
	e.SetNext(7)
	e.SetOffset(100)

	var src Entry
	src.SetOffset(200)
	src.SetNext(99) // should be ignored

	e.AssignData(src)
	if e.Next() != 7 {
		t.Fatalf("AssignData overwrote the chain pointer: Next() = %d, want 7", e.Next())
	}
	if e.Offset() != 200 {
		t.Fatalf("AssignData did not copy data fields: Offset() = %d, want 200", e.Offset())
	}
}

func TestAssignCopiesEverything(t *testing.T) {
	var src Entry
	src.SetOffset(55)
	src.SetNext(3)
	src.SetTag(0x111)

	var e Entry
	e.SetNext(999)
	e.Assign(src)
	if e != src {
		t.Fatalf("Assign() = %+v, want %+v", e, src)
	}
}

func TestClear(t *testing.T) {
	var e Entry
	e.SetOffset(123)
	e.SetTag(5)
	e.Clear()
	if !e.IsEmpty() || e.Tag() != 0 {
		t.Fatal("Clear did not reset the entry")
	}
}
