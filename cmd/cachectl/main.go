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

// cachectl is the operator REPL for a running cache engine (spec.md 6.4):
// lookup/read/remove/scan/export against whatever storage.yaml
// objcache.Build was handed, driven one command at a time the same way the teacher's scm.Repl
// drives an expression at a time (scm/prompt.go).
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/ulikunitz/xz"

	"github.com/launix-de/objcache/cachekey"
	"github.com/launix-de/objcache/cacheerr"
	"github.com/launix-de/objcache/config"
	"github.com/launix-de/objcache/objcache"
	"github.com/launix-de/objcache/vc"
)

const newprompt = "\033[32mcachectl>\033[0m "

func main() {
	cfgPath := flag.String("config", "storage.yaml", "path to the storage layout document")
	flag.Parse()

	doc, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
	cache, sys, err := objcache.Build(doc)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
	defer sys.Shutdown()

	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".cachectl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Println("cachectl - type 'help' for commands")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		runCommand(cache, line)
	}
}

func runCommand(cache *objcache.Cache, line string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("panic:", r)
		}
	}()

	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "lookup":
		cmdLookup(cache, args)
	case "read":
		cmdRead(cache, args)
	case "remove":
		cmdRemove(cache, args)
	case "scan":
		cmdScan(cache, args)
	case "export":
		cmdExport(cache, args)
	default:
		fmt.Printf("unknown command %q, try 'help'\n", cmd)
	}
}

func printHelp() {
	fmt.Print(`commands:
  lookup <hostname> <url>           probe for a cached object, no data movement
  read   <hostname> <url>           print the cached header and body lengths
  remove <hostname> <url>           evict a cached object
  scan   <hostname>                 walk every object in hostname's volume
  export <hostname> <file.xz>       sweep hostname's volume into an xz archive of key+header records
  exit                              leave cachectl
`)
}

func keyFromArgs(args []string) (hostname string, key cachekey.Key, ok bool) {
	if len(args) < 2 {
		fmt.Println("usage: <hostname> <url>")
		return "", cachekey.Key{}, false
	}
	hostname = args[0]
	u := args[1]
	path, query, _ := strings.Cut(u, "?")
	return hostname, cachekey.HashURL(hostname, path, query, 0), true
}

func cmdLookup(cache *objcache.Cache, args []string) {
	hostname, key, ok := keyFromArgs(args)
	if !ok {
		return
	}
	_, err := cache.Lookup(key, "http", hostname)
	if err != nil {
		fmt.Println("miss:", describeErr(err))
		return
	}
	fmt.Println("hit")
}

func cmdRead(cache *objcache.Cache, args []string) {
	hostname, key, ok := keyFromArgs(args)
	if !ok {
		return
	}
	rr, _, err := cache.OpenRead(key, "http", hostname)
	if err != nil {
		fmt.Println("read failed:", describeErr(err))
		return
	}
	var body bytes.Buffer
	body.Write(rr.Hdr)
	for {
		chunk, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Println("read error:", describeErr(err))
			return
		}
		if chunk == nil {
			break
		}
		body.Write(chunk)
	}
	fmt.Printf("hdr=%d bytes total=%d bytes\n", len(rr.Hdr), rr.TotalLen)
}

func cmdRemove(cache *objcache.Cache, args []string) {
	hostname, key, ok := keyFromArgs(args)
	if !ok {
		return
	}
	if _, err := cache.Remove(key, "http", hostname); err != nil {
		fmt.Println("remove failed:", describeErr(err))
		return
	}
	fmt.Println("removed")
}

func cmdScan(cache *objcache.Cache, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: scan <hostname>")
		return
	}
	hostname := args[0]
	n := 0
	err := cache.Scan(hostname, 0, func(key cachekey.Key, hdr []byte) vc.ScanResult {
		n++
		fmt.Printf("%d: key=%016x%016x hdr=%d bytes\n", n, key.B0, key.B1, len(hdr))
		return vc.ScanContinue
	})
	if err != nil {
		fmt.Println("scan failed:", describeErr(err))
		return
	}
	fmt.Printf("scanned %d objects\n", n)
}

// cmdExport sweeps hostname's volume (spec.md 4.4.4's maintenance scan) and
// writes each surviving document as a length-prefixed key+header record into
// an xz-compressed archive, the offline counterpart to a live scan.
func cmdExport(cache *objcache.Cache, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: export <hostname> <file.xz>")
		return
	}
	hostname, path := args[0], args[1]

	f, err := os.Create(path)
	if err != nil {
		fmt.Println("export failed:", err)
		return
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		fmt.Println("export failed:", err)
		return
	}

	n := 0
	var writeErr error
	scanErr := cache.Scan(hostname, 0, func(key cachekey.Key, hdr []byte) vc.ScanResult {
		if writeErr != nil {
			return vc.ScanContinue // a write already failed; keep walking without touching the volume
		}
		var rec [24]byte
		binary.LittleEndian.PutUint64(rec[0:8], key.B0)
		binary.LittleEndian.PutUint64(rec[8:16], key.B1)
		binary.LittleEndian.PutUint64(rec[16:24], uint64(len(hdr)))
		if _, err := xw.Write(rec[:]); err != nil {
			writeErr = err
			return vc.ScanContinue
		}
		if _, err := xw.Write(hdr); err != nil {
			writeErr = err
			return vc.ScanContinue
		}
		n++
		return vc.ScanContinue
	})
	if closeErr := xw.Close(); closeErr != nil && writeErr == nil {
		writeErr = closeErr
	}
	if scanErr != nil {
		fmt.Println("export failed:", describeErr(scanErr))
		return
	}
	if writeErr != nil {
		fmt.Println("export failed:", writeErr)
		return
	}
	fmt.Printf("exported %d objects to %s\n", n, path)
}

func describeErr(err error) string {
	if code := cacheerr.CodeOf(err); code != 0 {
		return code.String()
	}
	return err.Error()
}
