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

// Package vcsched implements the cooperative virtual-connection scheduler
// (spec.md 5, 9): a time-ordered queue of delayed continuations, used to
// implement "try-lock, and on failure reschedule self after a small
// delay" without ever blocking a worker thread on a contended stripe
// mutex. The task heap is adapted from the teacher's own
// scm.Scheduler (scm/scheduler.go), which drives delayed/periodic SQL
// session work off the same min-heap-of-deadlines shape; this package
// renames it to the VC/stripe domain and adds the WithStripeLock
// combinator spec.md 9 calls for explicitly ("a generic
// with_stripe_lock<R>(stripe, vc, retry_delay, |guard| …) combinator").
package vcsched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jtolds/gls"
)

// Result is what a VC state handler reports back to the scheduler,
// mirroring spec.md 9's Continue|Return|Done tri-state for a state
// transition.
type Result int

const (
	// Continue: re-enter the scheduler immediately (e.g. more pending
	// work in the aggregation buffer).
	Continue Result = iota
	// Return: the handler issued an async operation; the runtime resumes
	// it from the completion callback.
	Return
	// Done: the VC has finished; no further scheduling needed.
	Done
)

type entry struct {
	runAt time.Time
	fn    func()
	id    uint64
}

type taskHeap []entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].id < h[j].id
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(entry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler runs delayed continuations on a single background goroutine,
// the Go-native stand-in for "a pool of worker threads" a VC is pinned to
// (spec.md 5): since goroutines are cheap, one VC per goroutine already
// gives the thread-affinity property for free, and this scheduler only
// needs to own the *delay* part of "reschedule self after mutex_retry_delay".
type Scheduler struct {
	mu      sync.Mutex
	tasks   taskHeap
	wake    chan struct{}
	stop    chan struct{}
	cancel  map[uint64]struct{}
	nextID  uint64
	once    sync.Once
	stopped bool
}

// NewScheduler constructs and starts a Scheduler's background run loop.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		cancel: make(map[uint64]struct{}),
	}
	heap.Init(&s.tasks)
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		next := s.tasks[0]
		d := time.Until(next.runAt)
		if d > 0 {
			s.mu.Unlock()
			select {
			case <-time.After(d):
				continue
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		heap.Pop(&s.tasks)
		if _, dead := s.cancel[next.id]; dead {
			delete(s.cancel, next.id)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		next.fn()
	}
}

// ScheduleAfter runs fn on the scheduler's goroutine after delay and
// returns a cancellable id (spec.md 6.6 "mutex_retry_delay").
func (s *Scheduler) ScheduleAfter(delay time.Duration, fn func()) uint64 {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	heap.Push(&s.tasks, entry{runAt: time.Now().Add(delay), fn: fn, id: id})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel prevents a not-yet-fired task from running.
func (s *Scheduler) Cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel[id] = struct{}{}
}

// Stop shuts the scheduler's run loop down; already-fired tasks complete,
// pending ones never run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

// Locker is the subset of stripe.Stripe's locking surface WithStripeLock
// needs; kept as an interface so this package does not import stripe
// (which would create the cyclic dependency spec.md 9 calls out:
// "Stripe<->CacheVC<->Directory... break by introducing a capability
// object containing only the fields/methods the VC needs").
type Locker interface {
	TryLock() bool
	Unlock()
}

// DefaultRetryDelay matches spec.md 6.6's mutex_retry_delay default.
const DefaultRetryDelay = 2 * time.Millisecond

// WithStripeLock runs fn under l's lock, retrying via the scheduler after
// retryDelay on every try-lock failure instead of blocking the calling
// goroutine (spec.md 5 "a VC never acquires the stripe lock blockingly").
// It gives up once cancelled reports true or maxRetries attempts have
// been made (0 = unbounded), returning false in either case.
func WithStripeLock(sched *Scheduler, l Locker, retryDelay time.Duration, maxRetries int, cancelled func() bool, fn func()) bool {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	done := make(chan bool, 1)
	var attempt func(tries int)
	attempt = func(tries int) {
		if cancelled != nil && cancelled() {
			done <- false
			return
		}
		if l.TryLock() {
			fn()
			l.Unlock()
			done <- true
			return
		}
		if maxRetries > 0 && tries+1 >= maxRetries {
			done <- false
			return
		}
		sched.ScheduleAfter(retryDelay, func() { attempt(tries + 1) })
	}
	attempt(0)
	return <-done
}

// affinity tags the calling goroutine with a VC identifier via
// goroutine-local storage, so code running under Pin can be correlated
// back to its VC in logs (spec.md 5 "a VC is pinned to its
// creating worker thread"; SPEC_FULL.md's jtolds/gls wiring).
var affinityMgr = gls.NewContextManager()

const affinityKey = "objcache.vcsched.vc"

// Pin runs fn with the calling goroutine tree tagged as belonging to vcID,
// so CurrentVC() reports it from anywhere fn calls into on that goroutine.
// Continuations a Scheduler later runs on its own goroutine do not see the
// value.
func Pin(vcID string, fn func()) {
	affinityMgr.SetValues(gls.Values{affinityKey: vcID}, fn)
}

// CurrentVC returns the VC id the calling goroutine was Pin'd under, or
// ("", false) outside of one.
func CurrentVC() (string, bool) {
	v, ok := affinityMgr.GetValue(affinityKey)
	if !ok {
		return "", false
	}
	return v.(string), true
}
