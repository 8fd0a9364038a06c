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

// Package aio implements the asynchronous I/O dispatcher contract
// (spec.md 6.2): submit a {read,write,sync} operation against a span,
// get a completion callback on a dedicated worker thread chosen by an
// affinity token. The engine never issues overlapping writes against the
// same stripe; this package enforces nothing about that itself, it only
// guarantees completions for the same affinity token run strictly in
// submission order on the same goroutine.
package aio

import (
	"github.com/jtolds/gls"

	"github.com/launix-de/objcache/span"
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpSync
)

// Result is delivered to a Request's Callback on completion.
type Result struct {
	N   int
	Err error
}

// Request describes one I/O submission. Affinity is typically the owning
// stripe's id: routing every request for a stripe to the same worker
// goroutine gives the ordering the aggregation writer depends on without
// needing its own queue.
type Request struct {
	Op       Op
	Span     span.Span
	Offset   int64
	Buf      []byte
	Affinity uint64
	Callback func(Result)
}

// Dispatcher submits I/O requests to a pool of worker goroutines.
type Dispatcher interface {
	Submit(req Request)
	Shutdown()
}

var glsMgr = gls.NewContextManager()

const affinityKey = "objcache.aio.worker"

// CurrentWorker returns the worker index executing the calling goroutine
// and true, or (0, false) if called outside a worker goroutine. Used by
// tests to assert that completions for one affinity token always land on
// the same worker (spec.md 5 "thread-affinity").
func CurrentWorker() (int, bool) {
	v, ok := glsMgr.GetValue(affinityKey)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// WorkerPool is the default Dispatcher: a fixed set of worker goroutines,
// each draining its own channel, so requests sharing an affinity token
// always execute (and complete) on the same goroutine in submission
// order.
type WorkerPool struct {
	workers []chan Request
	done    chan struct{}
}

func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{
		workers: make([]chan Request, n),
		done:    make(chan struct{}),
	}
	for i := range p.workers {
		p.workers[i] = make(chan Request, 64)
		go p.run(i)
	}
	return p
}

func (p *WorkerPool) run(idx int) {
	glsMgr.SetValues(gls.Values{affinityKey: idx}, func() {
		for {
			select {
			case req := <-p.workers[idx]:
				p.exec(req)
			case <-p.done:
				return
			}
		}
	})
}

func (p *WorkerPool) exec(req Request) {
	var res Result
	switch req.Op {
	case OpRead:
		res.N, res.Err = req.Span.ReadAt(req.Buf, req.Offset)
	case OpWrite:
		res.N, res.Err = req.Span.WriteAt(req.Buf, req.Offset)
	case OpSync:
		res.Err = req.Span.Sync()
	}
	if req.Callback != nil {
		req.Callback(res)
	}
}

func (p *WorkerPool) Submit(req Request) {
	idx := int(req.Affinity % uint64(len(p.workers)))
	p.workers[idx] <- req
}

func (p *WorkerPool) Shutdown() {
	close(p.done)
}
