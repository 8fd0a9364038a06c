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

// Package volume turns a config.Document's spans/volumes into concrete
// stripe byte ranges and routes client hostnames to the volume that should
// serve them (spec.md 6.5). The percentage-complement algorithm in this
// file is grounded directly on the original cache's
// iocore/cache/unit_tests/test_ConfigVolumes.cc: a volume's spans[] entries
// and its own top-level size are two independent complement groups —
// span-scoped percentages complement to 100% among the volumes sharing
// that one span, and top-level (unscoped) percentages complement to 100%
// among the volumes that listed no spans[] at all, drawing from whatever
// capacity the scoped volumes left unclaimed.
package volume

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/launix-de/objcache/config"
)

const (
	// MinStripeSize and MaxStripeSize bound a single stripe (spec.md 6.5).
	MinStripeSize = 128 << 20 // 128 MiB
	MaxStripeSize = 512 << 40 // 512 TiB
)

// StripeAssignment is one stripe's planned byte range within a span,
// tagged with the volume it belongs to.
type StripeAssignment struct {
	VolumeID int
	SpanID   int
	Offset   int64
	Length   int64
}

// PlanSizing resolves doc's spans/volumes into concrete stripe byte ranges.
// spanSizes supplies each span's total usable byte count (already resolved
// from SpanConfig.Size or, for a raw device, from the device's real size —
// a concern PlanSizing itself knows nothing about). Spans are walked in
// ascending id order via SpanTable so the unscoped pass's proportional
// split is deterministic regardless of config file ordering.
func PlanSizing(doc *config.Document, spanSizes map[int]int64) ([]StripeAssignment, error) {
	spans, err := NewSpanTable(doc, spanSizes)
	if err != nil {
		return nil, err
	}

	var scoped, unscoped []config.VolumeConfig
	for _, v := range doc.Volumes {
		if len(v.Spans) > 0 {
			scoped = append(scoped, v)
		} else {
			unscoped = append(unscoped, v)
		}
	}

	var out []StripeAssignment

	// Pass 1: span-scoped volumes. Each span-use's percentage complements
	// to 100 among the volumes sharing that one span (test_ConfigVolumes.cc
	// "shared span"), resolved below via siblingSizes.
	for _, v := range scoped {
		for _, su := range v.Spans {
			sc := spans.Get(su.Use)
			if sc == nil {
				return nil, fmt.Errorf("volume %d: references undeclared span %d", v.ID, su.Use)
			}
			bytes, err := resolveShare(su.Size, sc.Total, siblingSizes(doc, su.Use, v.ID))
			if err != nil {
				return nil, fmt.Errorf("volume %d span %d: %w", v.ID, su.Use, err)
			}
			if bytes <= 0 {
				continue
			}
			assigns, err := splitStripes(v.ID, su.Use, sc.Used, bytes)
			if err != nil {
				return nil, fmt.Errorf("volume %d span %d: %w", v.ID, su.Use, err)
			}
			out = append(out, assigns...)
			sc.Used += bytes
		}
	}

	// Pass 2: unscoped volumes share whatever capacity scoped volumes left
	// behind, proportionally across spans in proportion to each span's
	// remaining bytes (test_ConfigVolumes.cc "mixed volumes").
	var remainingTotal int64
	spans.Ascend(func(sc *SpanEntry) bool {
		remainingTotal += sc.Total - sc.Used
		return true
	})
	shares, err := resolveGroup(unscopedSizes(unscoped), remainingTotal)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	for i, v := range unscoped {
		want := shares[i]
		if want <= 0 {
			continue
		}
		var splitErr error
		spans.Ascend(func(sc *SpanEntry) bool {
			free := sc.Total - sc.Used
			if free <= 0 || remainingTotal <= 0 {
				return true
			}
			portion := want * free / remainingTotal
			if portion <= 0 {
				return true
			}
			assigns, err := splitStripes(v.ID, sc.ID, sc.Used, portion)
			if err != nil {
				splitErr = fmt.Errorf("volume %d span %d: %w", v.ID, sc.ID, err)
				return false
			}
			out = append(out, assigns...)
			sc.Used += portion
			return true
		})
		if splitErr != nil {
			return nil, splitErr
		}
	}

	return out, nil
}

// siblingSizes collects the raw size strings of every other scoped volume
// sharing span spanID, needed to compute the percentage complement for su.
func siblingSizes(doc *config.Document, spanID, exceptVolumeID int) []string {
	var sizes []string
	for _, v := range doc.Volumes {
		if v.ID == exceptVolumeID {
			continue
		}
		for _, su := range v.Spans {
			if su.Use == spanID {
				sizes = append(sizes, su.Size)
			}
		}
	}
	return sizes
}

func unscopedSizes(vs []config.VolumeConfig) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Size
	}
	return out
}

// resolveShare resolves one size string against total, given the sibling
// group's sizes (for percentage complement); used for a single span-scoped
// volume's own share.
func resolveShare(size string, total int64, siblings []string) (int64, error) {
	all := append([]string{size}, siblings...)
	shares, err := resolveGroup(all, total)
	if err != nil {
		return 0, err
	}
	return shares[0], nil
}

// resolveGroup resolves a set of volume/span-use size strings that share
// one capacity pool (spec.md 6.5 "percentages are complemented so they sum
// to 100; unspecified volumes share remaining space equally"): explicit
// percentages are honored as-is, explicit absolute sizes are converted to
// an equivalent percentage of total, and every blank entry splits whatever
// percentage remains once the explicit ones are subtracted.
func resolveGroup(sizes []string, total int64) ([]int64, error) {
	percents := make([]float64, len(sizes))
	isBlank := make([]bool, len(sizes))
	var explicitPercent float64
	var blankCount int
	for i, s := range sizes {
		s = strings.TrimSpace(s)
		switch {
		case s == "":
			isBlank[i] = true
			blankCount++
		case strings.HasSuffix(s, "%"):
			p, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid percentage %q: %w", s, err)
			}
			percents[i] = p
			explicitPercent += p
		default:
			bytes, err := config.ParseSize(s)
			if err != nil {
				return nil, fmt.Errorf("invalid size %q: %w", s, err)
			}
			if total > 0 {
				percents[i] = 100 * float64(bytes) / float64(total)
			}
			explicitPercent += percents[i]
		}
	}
	if blankCount > 0 {
		remaining := 100 - explicitPercent
		if remaining < 0 {
			remaining = 0
		}
		share := remaining / float64(blankCount)
		for i := range sizes {
			if isBlank[i] {
				percents[i] = share
			}
		}
	}
	out := make([]int64, len(sizes))
	for i, p := range percents {
		out[i] = int64(p / 100 * float64(total))
	}
	return out, nil
}

// splitStripes cuts a span-volume byte allocation of length bytes,
// starting at the span's current high-water mark used, into one or more
// stripes respecting MinStripeSize/MaxStripeSize (spec.md 6.5).
func splitStripes(volumeID, spanID int, used, length int64) ([]StripeAssignment, error) {
	if length < MinStripeSize {
		return nil, fmt.Errorf("allocation %d bytes below minimum stripe size %d", length, int64(MinStripeSize))
	}
	n := (length + MaxStripeSize - 1) / MaxStripeSize
	per := length / n
	if per < MinStripeSize {
		n = length / MinStripeSize
		per = length / n
	}
	out := make([]StripeAssignment, 0, n)
	offset := used
	remaining := length
	for i := int64(0); i < n; i++ {
		sz := per
		if i == n-1 {
			sz = remaining
		}
		out = append(out, StripeAssignment{VolumeID: volumeID, SpanID: spanID, Offset: offset, Length: sz})
		offset += sz
		remaining -= sz
	}
	return out, nil
}
