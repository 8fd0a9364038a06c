/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

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

// Package objcache is the public API a surrounding HTTP cache process
// embeds (spec.md 6.4): lookup/open_read/open_write/remove/scan, each
// routed by (key, hostname) to the volume and stripe that owns it. This is
// the one package that ties together config, volume and vc: everything
// below it only ever sees one stripe at a time.
package objcache

import (
	"time"

	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/cacheerr"
	"github.com/launix-de/objcache/stripe"
	"github.com/launix-de/objcache/vc"
	"github.com/launix-de/objcache/volume"
)

// Action mirrors spec.md 6.4's CACHE_EVENT_* result codes, collapsed to a
// small enum since this is a direct Go API rather than an event callback.
type Action int

const (
	ActionLookup Action = iota
	ActionLookupFailed
	ActionOpenRead
	ActionOpenReadFailed
	ActionOpenReadRWW
	ActionOpenWrite
	ActionOpenWriteFailed
	ActionRemove
	ActionRemoveFailed
	ActionScanObject
	ActionScanDone
)

// OpenWriteOptions mirrors spec.md 6.4's open_write options bitset.
type OpenWriteOptions struct {
	Overwrite     bool
	CloseComplete bool
	Sync          bool
	AllowMultiple bool // CACHE_ALLOW_MULTIPLE_WRITES: suppress the single-writer check
}

// Cache is the routed entry point: every operation resolves hostname to a
// volume via Router, then key to a stripe within that volume, before
// handing off to the vc package.
type Cache struct {
	Router *volume.Router
}

func New(router *volume.Router) *Cache {
	return &Cache{Router: router}
}

func (c *Cache) resolve(hostname string, key cachekey.Key) (*stripe.Stripe, error) {
	v := c.Router.Resolve(hostname)
	if v == nil {
		return nil, cacheerr.New(cacheerr.NotReady)
	}
	if v.Bad() {
		return nil, cacheerr.New(cacheerr.DirBad)
	}
	s := v.StripeFor(key)
	if s == nil {
		return nil, cacheerr.New(cacheerr.NotReady)
	}
	return s, nil
}

// Lookup implements spec.md 6.4's lookup(): a cheap hit/miss probe with no
// data movement.
func (c *Cache) Lookup(key cachekey.Key, fragType, hostname string) (Action, error) {
	_ = fragType // routing hint only; this engine keys purely off cachekey.Key
	s, err := c.resolve(hostname, key)
	if err != nil {
		return ActionLookupFailed, err
	}
	hit, err := vc.Lookup(s, key)
	if err != nil {
		return ActionLookupFailed, err
	}
	if !hit {
		return ActionLookupFailed, cacheerr.New(cacheerr.NoDoc)
	}
	return ActionLookup, nil
}

// OpenRead implements spec.md 6.4's open_read().
func (c *Cache) OpenRead(key cachekey.Key, fragType, hostname string) (*vc.ReadResult, Action, error) {
	_ = fragType
	s, err := c.resolve(hostname, key)
	if err != nil {
		return nil, ActionOpenReadFailed, err
	}
	rr, err := vc.OpenRead(s, key)
	if err != nil {
		return nil, ActionOpenReadFailed, err
	}
	return rr, ActionOpenRead, nil
}

// WriteHandle wraps a vc.WriteResult with the stripe it was opened
// against, so Close can honor OpenWriteOptions.Sync by forcing a header
// sync once the object's fragments are durable (spec.md 6.4 "SYNC").
type WriteHandle struct {
	*vc.WriteResult
	s    *stripe.Stripe
	sync bool
}

// Close flushes the write (see vc.WriteResult.Close) and, if this handle
// was opened with OpenWriteOptions.Sync, forces the owning stripe's header
// to reflect the new write position before returning.
func (w *WriteHandle) Close(abort bool) error {
	if err := w.WriteResult.Close(abort); err != nil {
		return err
	}
	if w.sync && !abort {
		w.s.SyncHeader()
	}
	return nil
}

// OpenWrite implements spec.md 6.4's open_write(). hdr is the response
// header block stored alongside the object's first fragment.
func (c *Cache) OpenWrite(key cachekey.Key, hdr []byte, opts OpenWriteOptions, fragType, hostname string) (*WriteHandle, Action, error) {
	_ = fragType
	s, err := c.resolve(hostname, key)
	if err != nil {
		return nil, ActionOpenWriteFailed, err
	}
	wr, err := vc.OpenWrite(s, key, hdr, opts.AllowMultiple, 0)
	if err != nil {
		return nil, ActionOpenWriteFailed, err
	}
	return &WriteHandle{WriteResult: wr, s: s, sync: opts.Sync}, ActionOpenWrite, nil
}

// Remove implements spec.md 6.4's remove().
func (c *Cache) Remove(key cachekey.Key, fragType, hostname string) (Action, error) {
	_ = fragType
	s, err := c.resolve(hostname, key)
	if err != nil {
		return ActionRemoveFailed, err
	}
	if err := vc.Remove(s, key); err != nil {
		return ActionRemoveFailed, err
	}
	return ActionRemove, nil
}

// Scan implements spec.md 6.4's scan(): every stripe in hostname's volume
// is walked, throttled to roughly kbPerSecond of header bytes delivered to
// cb. kbPerSecond <= 0 disables throttling.
func (c *Cache) Scan(hostname string, kbPerSecond int, cb func(key cachekey.Key, hdr []byte) vc.ScanResult) error {
	v := c.Router.Resolve(hostname)
	if v == nil {
		return cacheerr.New(cacheerr.NotReady)
	}
	for _, s := range v.Stripes {
		start := time.Now()
		var delivered int64
		err := vc.Scan(s, func(key cachekey.Key, hdr []byte) vc.ScanResult {
			delivered += int64(len(hdr))
			if kbPerSecond > 0 {
				budget := int64(kbPerSecond) * 1024 * int64(time.Since(start)/time.Second+1)
				if delivered > budget {
					time.Sleep(20 * time.Millisecond)
				}
			}
			return cb(key, hdr)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
