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
/*
	cached is the on-disk object cache engine (spec.md): an HTTP reverse
	proxy's storage tier, serving lookup/open_read/open_write/remove/scan
	over whatever volumes storage.yaml describes.
*/
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/dc0d/onexit"

	"github.com/launix-de/objcache/config"
	"github.com/launix-de/objcache/objcache"
)

func main() {
	cfgPath := flag.String("config", "storage.yaml", "path to the storage layout document")
	flag.Parse()

	fmt.Print(`cached Copyright (C) 2024-2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	cfgDoc, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("cached: %v", err)
	}

	cache, sys, err := objcache.Build(cfgDoc)
	if err != nil {
		log.Fatalf("cached: %v", err)
	}
	_ = cache // retained for a future embedded HTTP listener; routing already lives in sys.Router

	onexit.Register(func() {
		log.Print("cached: shutting down")
		sys.Shutdown()
	})

	watcher, err := config.NewWatcher(*cfgPath, func(newDoc *config.Document) {
		objcache.RebuildRoutes(sys.Router, newDoc, sys.Volumes)
		log.Printf("cached: reloaded %s, routing table rebuilt", *cfgPath)
	})
	if err != nil {
		log.Fatalf("cached: %v", err)
	}
	defer watcher.Close()

	log.Printf("cached: serving %d volume(s) across %d span(s)", len(sys.Volumes), len(sys.Spans))
	select {}
}
