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

// Package span abstracts the backing store for a stripe's byte range: a
// raw block device or file, an S3 object, or a Ceph RADOS object. This is
// the engine's one storage-backend seam, analogous to the teacher's
// PersistenceEngine (storage/persistence.go) but addressed by byte offset
// instead of by column/shard name, since a stripe is a flat span of
// bytes, not a set of named files.
package span

import "io"

// Span is a fixed-size, randomly addressable byte range. Every stripe
// owns exactly one Span for its data+directory region.
type Span interface {
	io.ReaderAt
	io.WriterAt
	// Sync flushes any buffered writes so a subsequent crash cannot lose
	// them (spec.md 1 Non-goals: only writes that have been Synced are
	// guaranteed durable).
	Sync() error
	// Size is the span's total addressable byte length.
	Size() int64
	Close() error
}

// Ordered lets a btree-backed table order its items by a plain integer key
// using google/btree (volume.SpanEntry orders spans by id).
type Ordered interface {
	Less(than Ordered) bool
}
