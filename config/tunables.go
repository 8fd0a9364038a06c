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

package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// RawTunables is the YAML-facing shape of spec.md 6.6's tunables block:
// every field is a string so operators can write "500ms", "8MiB", "10%"
// the way they'd write a span/volume size, instead of forcing a particular
// numeric unit in the document.
type RawTunables struct {
	DirSyncFrequency   string `yaml:"dir_sync_frequency,omitempty"`
	DirSyncDelay       string `yaml:"dir_sync_delay,omitempty"`
	MaxDocSize         string `yaml:"max_doc_size,omitempty"`
	TargetFragmentSize string `yaml:"target_fragment_size,omitempty"`
	AggWriteBacklog    string `yaml:"agg_write_backlog,omitempty"`
	HitEvacuatePercent int    `yaml:"hit_evacuate_percent,omitempty"`
	MaxDiskErrors      int    `yaml:"max_disk_errors,omitempty"`
	MutexRetryDelay    string `yaml:"mutex_retry_delay,omitempty"`
	ReadWhileWriter    bool   `yaml:"read_while_writer,omitempty"`
	PersistBadDisks    string `yaml:"persist_bad_disks,omitempty"`
}

// Tunables is the resolved, typed form of RawTunables, with spec.md 6.6's
// defaults applied and human sizes/durations parsed.
type Tunables struct {
	DirSyncFrequency   time.Duration
	DirSyncDelay       time.Duration
	MaxDocSize         int64 // 0 = unlimited
	TargetFragmentSize int64
	AggWriteBacklog    int64
	HitEvacuatePercent int
	MaxDiskErrors      int
	MutexRetryDelay    time.Duration
	ReadWhileWriter    bool
	// PersistBadDisks is the state-file path bad spans are appended to
	// (spec.md 6.6); empty disables persistence.
	PersistBadDisks string
}

const (
	defaultDirSyncFrequency   = 60 * time.Second
	defaultDirSyncDelay       = 500 * time.Millisecond
	defaultTargetFragmentSize = (1 << 20) // 1 MiB, minus sizeof(Doc) at the caller
	maxTargetFragmentSize     = (4 << 20)
	defaultAggWriteBacklog    = 8 << 20
	defaultHitEvacuatePercent = 10
	defaultMaxDiskErrors      = 5
	defaultMutexRetryDelay    = 2 * time.Millisecond
)

// Resolve applies spec.md 6.6's defaults and parses every human-readable
// field, using units.RAMInBytes for byte sizes ("512MiB", "2GB") the same
// way the teacher's go.mod already depends on docker/go-units for bounding
// persistence segment sizes.
func (r RawTunables) Resolve() (Tunables, error) {
	t := Tunables{
		DirSyncFrequency:   defaultDirSyncFrequency,
		DirSyncDelay:       defaultDirSyncDelay,
		TargetFragmentSize: defaultTargetFragmentSize,
		AggWriteBacklog:    defaultAggWriteBacklog,
		HitEvacuatePercent: defaultHitEvacuatePercent,
		MaxDiskErrors:      defaultMaxDiskErrors,
		MutexRetryDelay:    defaultMutexRetryDelay,
		ReadWhileWriter:    r.ReadWhileWriter,
		PersistBadDisks:    r.PersistBadDisks,
	}

	var err error
	if r.DirSyncFrequency != "" {
		if t.DirSyncFrequency, err = time.ParseDuration(r.DirSyncFrequency); err != nil {
			return Tunables{}, fmt.Errorf("dir_sync_frequency: %w", err)
		}
	}
	if r.DirSyncDelay != "" {
		if t.DirSyncDelay, err = time.ParseDuration(r.DirSyncDelay); err != nil {
			return Tunables{}, fmt.Errorf("dir_sync_delay: %w", err)
		}
	}
	if r.MutexRetryDelay != "" {
		if t.MutexRetryDelay, err = time.ParseDuration(r.MutexRetryDelay); err != nil {
			return Tunables{}, fmt.Errorf("mutex_retry_delay: %w", err)
		}
	}
	if r.MaxDocSize != "" {
		if t.MaxDocSize, err = units.RAMInBytes(r.MaxDocSize); err != nil {
			return Tunables{}, fmt.Errorf("max_doc_size: %w", err)
		}
	}
	if r.TargetFragmentSize != "" {
		if t.TargetFragmentSize, err = units.RAMInBytes(r.TargetFragmentSize); err != nil {
			return Tunables{}, fmt.Errorf("target_fragment_size: %w", err)
		}
	}
	if t.TargetFragmentSize > maxTargetFragmentSize {
		t.TargetFragmentSize = maxTargetFragmentSize
	}
	if r.AggWriteBacklog != "" {
		if t.AggWriteBacklog, err = units.RAMInBytes(r.AggWriteBacklog); err != nil {
			return Tunables{}, fmt.Errorf("agg_write_backlog: %w", err)
		}
	}
	if r.HitEvacuatePercent != 0 {
		t.HitEvacuatePercent = r.HitEvacuatePercent
	}
	if r.MaxDiskErrors != 0 {
		t.MaxDiskErrors = r.MaxDiskErrors
	}

	// read_while_writer requires background_fill_completed_threshold == 0
	// and max_doc_size == 0 (spec.md 6.6); this module has no background
	// fill path, so the threshold side of that precondition is vacuously
	// satisfied and only max_doc_size needs checking.
	if t.ReadWhileWriter && t.MaxDocSize != 0 {
		return Tunables{}, fmt.Errorf("read_while_writer requires max_doc_size == 0, got %d", t.MaxDocSize)
	}
	return t, nil
}

// ParseSize resolves a span/volume human-size field ("512MiB", "2TB").
// Exported for volume.PlanSizing, which needs the same parsing for
// absolute (non-percentage) span.size/spans[].size entries.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}
