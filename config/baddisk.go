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
	"bufio"
	"fmt"
	"os"
	"sync"
)

// BadDiskLog persists the set of span paths that have exceeded
// max_disk_errors (spec.md 7 "mark disk bad ... persist the path to the
// bad-disks file if configured"), one path per line, so a restart does not
// retry a device already known to be failing (spec.md 6.6
// "persist_bad_disks", grounded on the original's CacheProcessor.cc
// persist_bad_disks/ignore_bad_disks pair).
type BadDiskLog struct {
	mu   sync.Mutex
	path string
}

// OpenBadDiskLog returns a log bound to path. An empty path disables
// persistence: Append becomes a no-op and Load always returns an empty set.
func OpenBadDiskLog(path string) *BadDiskLog {
	return &BadDiskLog{path: path}
}

// Load reads the set of previously-persisted bad span paths. A missing
// file is not an error: it means no disk has ever been marked bad.
func (l *BadDiskLog) Load() (map[string]bool, error) {
	bad := make(map[string]bool)
	if l.path == "" {
		return bad, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return bad, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: bad-disk log: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			bad[line] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: bad-disk log: %w", err)
	}
	return bad, nil
}

// Append records path as bad, idempotently: calling it twice for the same
// path only ever appends one line: it reloads the file and appends only
// when path is not already listed.
func (l *BadDiskLog) Append(path string) error {
	if l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.loadLocked()
	if err != nil {
		return err
	}
	if existing[path] {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("config: bad-disk log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, path)
	return err
}

func (l *BadDiskLog) loadLocked() (map[string]bool, error) {
	bad := make(map[string]bool)
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return bad, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: bad-disk log: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			bad[line] = true
		}
	}
	return bad, sc.Err()
}
