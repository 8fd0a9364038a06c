//go:build !ceph

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

package span

// CephConfig names a RADOS pool/object to back a span. This file declares
// it for builds without -tags=ceph and ceph.go declares the same type for
// builds with it, so callers can reference the type regardless of tags.
type CephConfig struct {
	ClusterName string
	UserName    string
	ConfFile    string
	Pool        string
	Object      string
}

// OpenCeph is a stub when Ceph support is not compiled in. Build with
// -tags=ceph to enable it.
func OpenCeph(cfg CephConfig, size int64) (Span, error) {
	panic("span: Ceph support not compiled in. Build with: go build -tags=ceph")
}
