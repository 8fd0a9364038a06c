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
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a storage.yaml whenever it changes on disk, so an
// operator can add spans/volumes or retune hit_evacuate_percent without a
// restart; cmd/cached's onLoad callback passes each reloaded document to
// objcache.RebuildRoutes.
type Watcher struct {
	path    string
	fw      *fsnotify.Watcher
	onLoad  func(*Document)
	onError func(error)
}

// NewWatcher starts watching path's containing directory (editors commonly
// replace a file via rename rather than an in-place write, which only a
// directory-level watch reliably observes) and invokes onLoad every time
// path is parsed successfully after a change.
func NewWatcher(path string, onLoad func(*Document)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	dir := parentDir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	w := &Watcher{path: path, fw: fw, onLoad: onLoad, onError: func(err error) {
		log.Printf("config: reload %s failed: %v", path, err)
	}}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			doc, err := Load(w.path)
			if err != nil {
				w.onError(err)
				continue
			}
			w.onLoad(doc)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
