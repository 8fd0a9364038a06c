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

package volume

import (
	"sync/atomic"

	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/stripe"
)

// Volume is one cache volume (spec.md 6.5): a set of stripes spread across
// one or more spans, with its own cache scheme and RAM-cache policy. An
// object's key is hashed to one of the volume's stripes the same way the
// directory itself hashes a key to a segment (cachekey.Key.Word(0) gives a
// uniform 32-bit lane).
type Volume struct {
	ID       int
	Scheme   string // "http" or "none"
	RAMCache bool
	Stripes  []*stripe.Stripe

	bad int32 // atomic bool, set once every stripe on a bad disk is torn down
}

// StripeFor selects the stripe that owns key within this volume.
func (v *Volume) StripeFor(key cachekey.Key) *stripe.Stripe {
	if len(v.Stripes) == 0 {
		return nil
	}
	idx := int(key.Word(0) % uint32(len(v.Stripes)))
	return v.Stripes[idx]
}

// MarkBad flags the volume as unusable, done once every stripe backed by a
// disk that exceeded max_disk_errors has been identified (spec.md 7 "tear
// down all stripes on it, rebuild volume routing").
func (v *Volume) MarkBad() { atomic.StoreInt32(&v.bad, 1) }

func (v *Volume) Bad() bool { return atomic.LoadInt32(&v.bad) != 0 }

// HasBadStripe reports whether any of the volume's stripes has exceeded
// its disk error budget, used to decide whether this volume needs to be
// rebuilt out of the routing table.
func (v *Volume) HasBadStripe() bool {
	for _, s := range v.Stripes {
		if s.Bad() {
			return true
		}
	}
	return false
}
