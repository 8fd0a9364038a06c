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

// Package config parses the storage layout document (spec.md 6.5) and the
// operational tunables (spec.md 6.6). Loading follows the same shape as
// quadgatefoundation-fluxor's pkg/config: read the whole file, hand it to
// gopkg.in/yaml.v3, wrap errors with fmt.Errorf("%w"). Human-readable sizes
// ("512MiB", "2TB", or a bare percentage like "40%") are kept as strings in
// the raw document and only resolved once span capacities are known, since a
// percentage's meaning depends on the other volumes sharing its span
// (see volume.PlanSizing).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SpanConfig names one backing span (spec.md 6.5): a local file/block
// device path, an S3 object, or (future) a Ceph RADOS object, addressed by
// an operator-assigned integer id. Size is a human-readable byte count
// ("512MiB"); it is optional for raw block devices, whose real size is
// read from the device itself at open time.
type SpanConfig struct {
	ID       int    `yaml:"id"`
	Path     string `yaml:"path"`
	Size     string `yaml:"size,omitempty"`
	HashSeed uint64 `yaml:"hash_seed,omitempty"`

	// Backend selects how Path is interpreted: "file" (default), "s3", or
	// "ceph". Only "file" and "s3" are available without the ceph build tag.
	Backend string `yaml:"backend,omitempty"`

	S3 *S3Config `yaml:"s3,omitempty"`
}

// S3Config carries the extra fields an s3-backed span needs, mirroring
// span.S3Config's field set; objcache.Build copies these fields into a
// span.S3Config when it opens an s3 span.
type S3Config struct {
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Key             string `yaml:"key,omitempty"`
}

// SpanUse is one `use` entry inside a volume's `spans[]` list (spec.md
// 6.5): Size is a percentage ("20%") or absolute human size, or empty for
// "whatever is left of this span after its other users are satisfied".
type SpanUse struct {
	Use  int    `yaml:"use"`
	Size string `yaml:"size,omitempty"`
}

// VolumeConfig is one cache volume (spec.md 6.5): either scoped to an
// explicit list of spans, or left unscoped to draw its share from whatever
// span capacity the scoped volumes did not claim.
type VolumeConfig struct {
	ID       int       `yaml:"id"`
	Size     string    `yaml:"size,omitempty"`
	Scheme   string    `yaml:"scheme,omitempty"` // "http" (default) or "none"
	RAMCache bool      `yaml:"ram_cache,omitempty"`
	Spans    []SpanUse `yaml:"spans,omitempty"`

	// Hosts binds this volume to one or more request hostnames (the
	// volume.Router half of spec.md 6.4's `(frag_type, key, hostname)`
	// routing). A volume with no Hosts is never installed as an explicit
	// route; Default marks the volume served when no hostname matches.
	Hosts   []string `yaml:"hosts,omitempty"`
	Default bool     `yaml:"default,omitempty"`
}

// Document is the whole parsed storage.yaml: spans, volumes, and the
// tunables block (spec.md 6.5, 6.6).
type Document struct {
	Spans    []SpanConfig   `yaml:"spans"`
	Volumes  []VolumeConfig `yaml:"volumes"`
	Tunables RawTunables    `yaml:"tunables,omitempty"`
}

// Load reads and parses path, matching the teacher pack's
// config.LoadYAML(path, target) shape (quadgatefoundation-fluxor
// pkg/config/yaml.go): read the whole file, unmarshal, wrap errors.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &doc, nil
}

// Save writes doc back out as YAML, the inverse of Load (without
// validation).
func Save(path string, doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks the structural constraints spec.md 6.5 calls out that
// don't depend on resolved byte sizes: span ids unique, volume ids unique
// and in [1,255], every spans[].use referring to a declared span id.
func (d *Document) Validate() error {
	spanIDs := make(map[int]bool, len(d.Spans))
	for _, s := range d.Spans {
		if spanIDs[s.ID] {
			return fmt.Errorf("duplicate span id %d", s.ID)
		}
		spanIDs[s.ID] = true
	}
	volIDs := make(map[int]bool, len(d.Volumes))
	for _, v := range d.Volumes {
		if v.ID < 1 || v.ID > 255 {
			return fmt.Errorf("volume %d: id out of range [1,255]", v.ID)
		}
		if volIDs[v.ID] {
			return fmt.Errorf("duplicate volume id %d", v.ID)
		}
		volIDs[v.ID] = true
		for _, su := range v.Spans {
			if !spanIDs[su.Use] {
				return fmt.Errorf("volume %d: references undeclared span %d", v.ID, su.Use)
			}
		}
	}
	return nil
}
