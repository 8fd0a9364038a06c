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
	"fmt"

	"github.com/google/btree"

	"github.com/launix-de/objcache/config"
	"github.com/launix-de/objcache/span"
)

// SpanEntry tracks one configured span's usable capacity and how much of
// it scoped volumes have claimed so far, ordered by span id (spec.md 6.5's
// "spans[]" keys are operator-assigned integers, not necessarily
// contiguous, so plan_sizing needs them in a stable ascending order rather
// than Go's randomized map iteration order).
type SpanEntry struct {
	ID    int
	Total int64
	Used  int64
}

// Less satisfies span.Ordered, letting SpanEntry sit in the same
// btree.BTreeG machinery evac.Table uses for its preservation buckets.
func (e *SpanEntry) Less(than span.Ordered) bool { return e.ID < than.(*SpanEntry).ID }

var _ span.Ordered = (*SpanEntry)(nil)

// SpanTable holds every configured span's capacity, ascending by id, so
// plan_sizing's unscoped-volume pass (test_ConfigVolumes.cc "mixed
// volumes") can walk remaining free bytes deterministically.
type SpanTable struct {
	t *btree.BTreeG[*SpanEntry]
}

func spanLess(a, b *SpanEntry) bool { return a.Less(b) }

// NewSpanTable builds a SpanTable from doc's declared spans, sized from
// spanSizes (already resolved from config via ParseSize or a raw device's
// real size).
func NewSpanTable(doc *config.Document, spanSizes map[int]int64) (*SpanTable, error) {
	st := &SpanTable{t: btree.NewG(32, spanLess)}
	for _, sc := range doc.Spans {
		total, ok := spanSizes[sc.ID]
		if !ok {
			return nil, fmt.Errorf("volume: span %d: no resolved size", sc.ID)
		}
		st.t.ReplaceOrInsert(&SpanEntry{ID: sc.ID, Total: total})
	}
	return st, nil
}

// Get returns the entry for id, or nil if id was never declared.
func (st *SpanTable) Get(id int) *SpanEntry {
	e, ok := st.t.Get(&SpanEntry{ID: id})
	if !ok {
		return nil
	}
	return e
}

// Ascend walks every span entry in ascending id order, stopping early if
// fn returns false.
func (st *SpanTable) Ascend(fn func(*SpanEntry) bool) {
	st.t.Ascend(func(e *SpanEntry) bool { return fn(e) })
}

// Len reports how many spans the table holds.
func (st *SpanTable) Len() int { return st.t.Len() }
