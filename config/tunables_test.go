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
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	tn, err := RawTunables{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tn.DirSyncFrequency != defaultDirSyncFrequency {
		t.Errorf("DirSyncFrequency = %v, want default %v", tn.DirSyncFrequency, defaultDirSyncFrequency)
	}
	if tn.TargetFragmentSize != defaultTargetFragmentSize {
		t.Errorf("TargetFragmentSize = %d, want default %d", tn.TargetFragmentSize, defaultTargetFragmentSize)
	}
	if tn.HitEvacuatePercent != defaultHitEvacuatePercent {
		t.Errorf("HitEvacuatePercent = %d, want default %d", tn.HitEvacuatePercent, defaultHitEvacuatePercent)
	}
	if tn.MaxDiskErrors != defaultMaxDiskErrors {
		t.Errorf("MaxDiskErrors = %d, want default %d", tn.MaxDiskErrors, defaultMaxDiskErrors)
	}
}

func TestResolveParsesHumanValues(t *testing.T) {
	r := RawTunables{
		DirSyncFrequency:   "30s",
		MaxDocSize:         "8MiB",
		TargetFragmentSize: "2MiB",
		HitEvacuatePercent: 25,
		MaxDiskErrors:      9,
	}
	tn, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tn.DirSyncFrequency != 30*time.Second {
		t.Errorf("DirSyncFrequency = %v, want 30s", tn.DirSyncFrequency)
	}
	if tn.MaxDocSize != 8<<20 {
		t.Errorf("MaxDocSize = %d, want %d", tn.MaxDocSize, 8<<20)
	}
	if tn.TargetFragmentSize != 2<<20 {
		t.Errorf("TargetFragmentSize = %d, want %d", tn.TargetFragmentSize, 2<<20)
	}
	if tn.HitEvacuatePercent != 25 || tn.MaxDiskErrors != 9 {
		t.Errorf("HitEvacuatePercent/MaxDiskErrors = %d/%d, want 25/9", tn.HitEvacuatePercent, tn.MaxDiskErrors)
	}
}

func TestResolveClampsTargetFragmentSize(t *testing.T) {
	r := RawTunables{TargetFragmentSize: "64MiB"}
	tn, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tn.TargetFragmentSize != maxTargetFragmentSize {
		t.Fatalf("TargetFragmentSize = %d, want clamped to %d", tn.TargetFragmentSize, maxTargetFragmentSize)
	}
}

func TestResolveBadDuration(t *testing.T) {
	r := RawTunables{DirSyncFrequency: "not-a-duration"}
	if _, err := r.Resolve(); err == nil {
		t.Fatal("Resolve accepted a malformed duration")
	}
}

func TestResolveBadSize(t *testing.T) {
	r := RawTunables{MaxDocSize: "not-a-size"}
	if _, err := r.Resolve(); err == nil {
		t.Fatal("Resolve accepted a malformed size")
	}
}

func TestResolveReadWhileWriterRequiresUnlimitedDocSize(t *testing.T) {
	r := RawTunables{ReadWhileWriter: true, MaxDocSize: "1MiB"}
	if _, err := r.Resolve(); err == nil {
		t.Fatal("Resolve accepted read_while_writer with a bounded max_doc_size")
	}

	r2 := RawTunables{ReadWhileWriter: true}
	tn, err := r2.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !tn.ReadWhileWriter {
		t.Fatal("ReadWhileWriter should be true when max_doc_size is unset")
	}
}

func TestParseSize(t *testing.T) {
	n, err := ParseSize("1GiB")
	if err != nil {
		t.Fatalf("ParseSize: %v", err)
	}
	if n != 1<<30 {
		t.Fatalf("ParseSize(1GiB) = %d, want %d", n, 1<<30)
	}
}
