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

	"github.com/launix-de/NonLockingReadMap"
)

// route is one hostname->volume binding stored in the router's read-
// optimized map (SPEC_FULL.md B: "readers resolve hostname -> volume
// without a lock while rebuild() installs a fresh map").
type route struct {
	hostname string
	vol      *Volume
}

func (r *route) GetKey() string    { return r.hostname }
func (r *route) ComputeSize() uint { return uint(len(r.hostname)) + 8 }

// Router maps a request's hostname to the Volume that should serve it
// (spec.md 6.4's `(frag_type, key, hostname)` routing, the hostname half).
// Resolve never blocks: it loads whatever table is currently installed,
// even while Rebuild is constructing the next one.
type Router struct {
	tbl  atomic.Pointer[NonLockingReadMap.NonLockingReadMap[route, string]]
	dflt atomic.Pointer[Volume]
}

// NewRouter constructs an empty router; Rebuild must be called at least
// once before Resolve returns anything but the default volume.
func NewRouter() *Router {
	r := &Router{}
	empty := NonLockingReadMap.New[route, string]()
	r.tbl.Store(&empty)
	return r
}

// Rebuild installs a fresh hostname->volume table, used on config reload
// and after a disk-bad event forces volume routing to be recomputed
// (spec.md 5, 7). dflt is served for any hostname with no explicit route
// (a volume with scheme "none", conventionally).
func (r *Router) Rebuild(routes map[string]*Volume, dflt *Volume) {
	fresh := NonLockingReadMap.New[route, string]()
	for host, vol := range routes {
		fresh.Set(&route{hostname: host, vol: vol})
	}
	r.tbl.Store(&fresh)
	r.dflt.Store(dflt)
}

// Resolve returns the volume hostname should route to, or the configured
// default if hostname has no explicit binding.
func (r *Router) Resolve(hostname string) *Volume {
	tbl := r.tbl.Load()
	if tbl != nil {
		if rt := tbl.Get(hostname); rt != nil {
			return rt.vol
		}
	}
	return r.dflt.Load()
}
