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

package vcsched

import (
	"sync"
	"testing"
	"time"
)

type fakeLocker struct {
	mu    sync.Mutex
	state int32
}

func (l *fakeLocker) TryLock() bool {
	l.mu.Lock()
	if l.state != 0 {
		l.mu.Unlock()
		return false
	}
	l.state = 1
	l.mu.Unlock()
	return true
}
func (l *fakeLocker) Unlock() {
	l.mu.Lock()
	l.state = 0
	l.mu.Unlock()
}

func TestWithStripeLockUncontended(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	l := &fakeLocker{}

	ran := false
	ok := WithStripeLock(sched, l, time.Millisecond, 10, nil, func() { ran = true })
	if !ok || !ran {
		t.Fatalf("WithStripeLock on an uncontended lock: ok=%v ran=%v", ok, ran)
	}
}

func TestWithStripeLockRetriesOnContention(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	l := &fakeLocker{state: 1} // held

	done := make(chan bool, 1)
	go func() {
		done <- WithStripeLock(sched, l, time.Millisecond, 50, nil, func() {})
	}()

	time.Sleep(5 * time.Millisecond)
	l.Unlock() // release; the next retry should succeed

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WithStripeLock gave up even though the lock became available")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WithStripeLock did not retry and acquire the lock in time")
	}
}

func TestWithStripeLockGivesUpOnCancelled(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	l := &fakeLocker{state: 1} // permanently held in this test

	ok := WithStripeLock(sched, l, time.Millisecond, 0, func() bool { return true }, func() {
		t.Fatal("fn must not run when cancelled reports true immediately")
	})
	if ok {
		t.Fatal("WithStripeLock reported success despite an immediately-cancelled VC")
	}
}

func TestWithStripeLockGivesUpAfterMaxRetries(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()
	l := &fakeLocker{state: 1} // never released in this test

	ok := WithStripeLock(sched, l, time.Millisecond, 3, nil, func() {
		t.Fatal("fn must not run; the lock is never released in this test")
	})
	if ok {
		t.Fatal("WithStripeLock reported success despite the lock never becoming available")
	}
}

func TestScheduleAfterCancel(t *testing.T) {
	sched := NewScheduler()
	defer sched.Stop()

	ran := make(chan struct{}, 1)
	id := sched.ScheduleAfter(20*time.Millisecond, func() { ran <- struct{}{} })
	sched.Cancel(id)

	select {
	case <-ran:
		t.Fatal("cancelled task still ran")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPinAndCurrentVC(t *testing.T) {
	if _, ok := CurrentVC(); ok {
		t.Fatal("CurrentVC reported a value outside any Pin")
	}
	var gotID string
	var gotOK bool
	done := make(chan struct{})
	go Pin("vc-123", func() {
		gotID, gotOK = CurrentVC()
		close(done)
	})
	<-done
	if !gotOK || gotID != "vc-123" {
		t.Fatalf("CurrentVC inside Pin = (%q, %v), want (\"vc-123\", true)", gotID, gotOK)
	}
}

func TestStopPreventsFurtherTasks(t *testing.T) {
	sched := NewScheduler()
	sched.Stop()
	ran := make(chan struct{}, 1)
	sched.ScheduleAfter(0, func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Fatal("task ran after Stop")
	case <-time.After(30 * time.Millisecond):
	}
}
