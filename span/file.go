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

import "os"

// FileSpan backs a span with a plain file or raw block device, the
// default and only span type spec.md's on-disk layout (6.1) assumes
// ordered, fully-synchronous writes against.
type FileSpan struct {
	f    *os.File
	size int64
}

// OpenFile opens (creating if necessary) a file-backed span of exactly
// size bytes, matching the teacher's FileStorage.WriteSchema pattern of
// os.Create/os.OpenFile with explicit permissions (storage/persistence-
// files.go).
func OpenFile(path string, size int64) (*FileSpan, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileSpan{f: f, size: size}, nil
}

func (s *FileSpan) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *FileSpan) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *FileSpan) Sync() error                              { return s.f.Sync() }
func (s *FileSpan) Size() int64                              { return s.size }
func (s *FileSpan) Close() error                             { return s.f.Close() }
