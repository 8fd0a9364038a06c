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

package objcache

import (
	"fmt"
	"os"
	"runtime"

	"github.com/launix-de/objcache/aio"
	"github.com/launix-de/objcache/config"
	"github.com/launix-de/objcache/dir"
	"github.com/launix-de/objcache/dirent"
	"github.com/launix-de/objcache/doc"
	"github.com/launix-de/objcache/span"
	"github.com/launix-de/objcache/stripe"
	"github.com/launix-de/objcache/stripeheader"
	"github.com/launix-de/objcache/volume"
)

// System is everything Build assembled beyond the Cache itself: the
// handles cmd/cached needs to shut the engine down cleanly and to rebuild
// routing after a config reload or a disk-bad event (spec.md 5, 7).
type System struct {
	Disp    aio.Dispatcher
	Spans   map[int]span.Span
	Stripes []*stripe.Stripe
	Volumes map[int]*volume.Volume
	Router  *volume.Router
}

// Shutdown closes every backing span and stops the I/O dispatcher,
// mirroring stripe.Stripe's own per-stripe teardown but at the whole-
// engine scope cmd/cached owns.
func (s *System) Shutdown() {
	for _, st := range s.Stripes {
		st.Shutdown()
	}
	s.Disp.Shutdown()
	for _, sp := range s.Spans {
		sp.Close()
	}
}

// Build turns a parsed config.Document into a running Cache: it opens
// every configured span, plans stripe byte ranges with volume.PlanSizing,
// opens (recovering or clearing) one stripe.Stripe per assignment, groups
// them into volume.Volume instances and installs the hostname routing
// table (spec.md 6.5's storage.yaml is the whole input; this is the one
// function that walks it end to end).
func Build(cfgDoc *config.Document) (*Cache, *System, error) {
	tunables, err := cfgDoc.Tunables.Resolve()
	if err != nil {
		return nil, nil, fmt.Errorf("objcache: build: tunables: %w", err)
	}

	badLog := config.OpenBadDiskLog(tunables.PersistBadDisks)
	badPaths, err := badLog.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("objcache: build: %w", err)
	}

	spanPaths := make(map[int]string, len(cfgDoc.Spans))
	spans := make(map[int]span.Span, len(cfgDoc.Spans))
	spanSizes := make(map[int]int64, len(cfgDoc.Spans))
	for _, sc := range cfgDoc.Spans {
		if badPaths[sc.Path] {
			return nil, nil, fmt.Errorf("objcache: build: span %d: %s was previously marked bad (persist_bad_disks); fix or remove it from storage.yaml", sc.ID, sc.Path)
		}
		size, err := resolveSpanSize(sc)
		if err != nil {
			return nil, nil, fmt.Errorf("objcache: build: span %d: %w", sc.ID, err)
		}
		sp, err := openSpan(sc, size)
		if err != nil {
			return nil, nil, fmt.Errorf("objcache: build: span %d: %w", sc.ID, err)
		}
		spans[sc.ID] = sp
		spanSizes[sc.ID] = size
		spanPaths[sc.ID] = sc.Path
	}

	assignments, err := volume.PlanSizing(cfgDoc, spanSizes)
	if err != nil {
		closeAll(spans)
		return nil, nil, fmt.Errorf("objcache: build: %w", err)
	}

	disp := aio.NewWorkerPool(runtime.NumCPU())

	numDirEntries := int(tunables.AggWriteBacklog / dirent.BlockSize)
	if numDirEntries < 1024 {
		numDirEntries = 1024
	}

	volumes := make(map[int]*volume.Volume, len(cfgDoc.Volumes))
	for _, vc := range cfgDoc.Volumes {
		volumes[vc.ID] = &volume.Volume{ID: vc.ID, Scheme: schemeOrDefault(vc.Scheme), RAMCache: vc.RAMCache}
	}

	var stripes []*stripe.Stripe
	for _, a := range assignments {
		base, ok := spans[a.SpanID]
		if !ok {
			disp.Shutdown()
			closeAll(spans)
			return nil, nil, fmt.Errorf("objcache: build: assignment references unknown span %d", a.SpanID)
		}
		vol, ok := volumes[a.VolumeID]
		if !ok {
			disp.Shutdown()
			closeAll(spans)
			return nil, nil, fmt.Errorf("objcache: build: assignment references unknown volume %d", a.VolumeID)
		}

		sub := span.Sub(base, a.Offset, a.Length)
		var ramBytes int64
		if vol.RAMCache {
			ramBytes = tunables.AggWriteBacklog
		}
		path := spanPaths[a.SpanID]
		onBad := func() {
			if err := badLog.Append(path); err != nil {
				fmt.Fprintf(os.Stderr, "objcache: persisting bad disk %s: %v\n", path, err)
			}
		}
		st, err := openStripe(sub, disp, uint64(len(stripes)), numDirEntries, tunables, ramBytes, onBad)
		if err != nil {
			disp.Shutdown()
			closeAll(spans)
			return nil, nil, fmt.Errorf("objcache: build: volume %d span %d: %w", a.VolumeID, a.SpanID, err)
		}
		stripes = append(stripes, st)
		vol.Stripes = append(vol.Stripes, st)
	}

	router := volume.NewRouter()
	RebuildRoutes(router, cfgDoc, volumes)

	sys := &System{Disp: disp, Spans: spans, Stripes: stripes, Volumes: volumes, Router: router}
	return New(router), sys, nil
}

func schemeOrDefault(scheme string) string {
	if scheme == "" {
		return "http"
	}
	return scheme
}

// RebuildRoutes maps every volume.Hosts entry to its volume.Volume and
// picks the Default-flagged (or first) volume as the router's fallback.
// cmd/cached calls this straight from a config.Watcher callback to pick up
// hostname routing changes without reopening any span or stripe.
func RebuildRoutes(r *volume.Router, cfgDoc *config.Document, volumes map[int]*volume.Volume) {
	routes := make(map[string]*volume.Volume)
	var dflt *volume.Volume
	for _, vc := range cfgDoc.Volumes {
		vol := volumes[vc.ID]
		for _, host := range vc.Hosts {
			routes[host] = vol
		}
		if vc.Default || dflt == nil {
			dflt = vol
		}
	}
	r.Rebuild(routes, dflt)
}

func closeAll(spans map[int]span.Span) {
	for _, sp := range spans {
		sp.Close()
	}
}

// resolveSpanSize parses SpanConfig.Size when given, or falls back to the
// backing file/device's actual size (spec.md 6.5: size is optional for raw
// block devices).
func resolveSpanSize(sc config.SpanConfig) (int64, error) {
	if sc.Size != "" {
		return config.ParseSize(sc.Size)
	}
	if sc.Backend == "s3" {
		return 0, fmt.Errorf("size is required for s3-backed spans")
	}
	fi, err := os.Stat(sc.Path)
	if err != nil {
		return 0, fmt.Errorf("size omitted and stat failed: %w", err)
	}
	return fi.Size(), nil
}

func openSpan(sc config.SpanConfig, size int64) (span.Span, error) {
	switch sc.Backend {
	case "", "file":
		return span.OpenFile(sc.Path, size)
	case "s3":
		if sc.S3 == nil {
			return nil, fmt.Errorf("backend s3 requires an s3 block")
		}
		return span.OpenS3(span.S3Config{
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			ForcePathStyle:  sc.S3.ForcePathStyle,
			Bucket:          sc.S3.Bucket,
			Key:             sc.S3.Key,
		}, size)
	default:
		return nil, fmt.Errorf("unsupported backend %q (build without the ceph tag)", sc.Backend)
	}
}

// openStripe opens a stripe over sub, either clearing it fresh or
// recovering it from the on-disk header/footer/directory copies laid out
// per spec.md 6.1.
func openStripe(sub span.Span, disp aio.Dispatcher, affinity uint64, numDirEntries int, t config.Tunables, ramBytes int64, onBad func()) (*stripe.Stripe, error) {
	sizer := dir.New(numDirEntries, true)
	segs, buckets := sizer.NumSegments(), sizer.Buckets
	copyLen := stripeheader.CopyLen(segs, buckets)
	contentStart := 2 * copyLen

	cfg := stripe.Config{
		ContentStart:       contentStart,
		ContentEnd:         sub.Size(),
		NumDirEntries:      numDirEntries,
		LoopCheck:          true,
		AggBufferSize:      int(t.TargetFragmentSize) * 4,
		RAMCacheBytes:      ramBytes,
		HitEvacuatePercent: t.HitEvacuatePercent,
		MaxDiskErrors:      t.MaxDiskErrors,
		OnBad:              onBad,
	}
	st := stripe.Open(sub, disp, affinity, cfg)

	hbufA, dbufA, fbufA, err := readCopy(sub, 0, segs, buckets)
	if err != nil {
		return nil, fmt.Errorf("read copy A: %w", err)
	}
	hbufB, dbufB, fbufB, err := readCopy(sub, copyLen, segs, buckets)
	if err != nil {
		return nil, fmt.Errorf("read copy B: %w", err)
	}

	headerA, _ := stripeheader.Decode(hbufA, true, segs)
	footerA, _ := stripeheader.Decode(fbufA, false, segs)
	headerB, _ := stripeheader.Decode(hbufB, true, segs)
	footerB, _ := stripeheader.Decode(fbufB, false, segs)
	if headerA == nil && headerB == nil {
		// Neither copy's magic checks out: a fresh, never-formatted span.
		st.Clear()
		return st, nil
	}

	loadDirImage(st, dbufA, dbufB, headerA, headerB)
	if err := st.Recover(headerA, footerA, headerB, footerB, func(from int64) (uint32, int64, error) {
		return scanDocs(sub, from, sub.Size())
	}); err != nil {
		st.Clear()
		return st, nil
	}

	return st, nil
}

// readCopy reads the raw header, directory and footer byte regions of one
// copy starting at base, leaving decoding to the caller.
func readCopy(sub span.Span, base int64, segs, buckets int) (hbuf, dbuf, fbuf []byte, err error) {
	headerLen := stripeheader.HeaderLen(segs)
	dirSize := stripeheader.DirectorySize(segs, buckets)
	footerLen := stripeheader.FooterLen()
	copyLen := headerLen + dirSize + footerLen

	hbuf = make([]byte, headerLen)
	if _, err = sub.ReadAt(hbuf, base); err != nil {
		return nil, nil, nil, fmt.Errorf("stripeheader: read header: %w", err)
	}
	dbuf = make([]byte, dirSize)
	if _, err = sub.ReadAt(dbuf, base+headerLen); err != nil {
		return nil, nil, nil, fmt.Errorf("stripeheader: read directory: %w", err)
	}
	fbuf = make([]byte, footerLen)
	if _, err = sub.ReadAt(fbuf, base+copyLen-footerLen); err != nil {
		return nil, nil, nil, fmt.Errorf("stripeheader: read footer: %w", err)
	}
	return hbuf, dbuf, fbuf, nil
}

// loadDirImage copies whichever copy's directory bytes stripe.Stripe chose
// (tracked by sync_serial, mirroring stripeheader.PickValid's own
// decision) into the freshly constructed directory table, per
// stripe.Recover's doc comment contract.
func loadDirImage(st *stripe.Stripe, dirA, dirB []byte, headerA, headerB *stripeheader.HeaderFooter) {
	chosen := dirA
	if headerB != nil && (headerA == nil || headerB.SyncSerial > headerA.SyncSerial) {
		chosen = dirB
	}
	if chosen == nil {
		return
	}
	for seg := 0; seg < st.Dir.NumSegments(); seg++ {
		entries := st.Dir.SegmentEntries(seg)
		segBytes := len(entries) * dirent.SizeOf
		start := seg * segBytes
		end := start + segBytes
		if end > len(chosen) {
			break
		}
		decodeEntries(chosen[start:end], entries)
	}
}

// decodeEntries parses dirent.SizeOf-byte little-endian slots out of buf
// directly into out, matching dirent.Entry's in-memory [5]uint16 layout
// (spec.md 6.1: "Directory entry layout (2-byte aligned, 10 bytes)").
func decodeEntries(buf []byte, out []dirent.Entry) {
	for i := range out {
		o := i * dirent.SizeOf
		for j := 0; j < 5; j++ {
			out[i][j] = uint16(buf[o+j*2]) | uint16(buf[o+j*2+1])<<8
		}
	}
}

// scanDocs implements stripe.Recover's data-scan phase (spec.md 4.5 step 4):
// starting at from, decode consecutive doc records until one fails to
// decode (the true end of durably written data) or the content region is
// exhausted, tracking the highest write_serial observed.
func scanDocs(sub span.Span, from, contentEnd int64) (uint32, int64, error) {
	const chunk = 8 << 20
	pos := from
	var highest uint32
	for pos < contentEnd {
		want := chunk
		if int64(want) > contentEnd-pos {
			want = int(contentEnd - pos)
		}
		if want < doc.HeaderSize {
			break
		}
		buf := make([]byte, want)
		n, err := sub.ReadAt(buf, pos)
		if n == 0 || (err != nil && n < doc.HeaderSize) {
			break
		}
		buf = buf[:n]
		off := 0
		for off+doc.HeaderSize <= len(buf) {
			d, err := doc.Decode(buf[off:])
			if err != nil || d.Magic != doc.Magic {
				return highest, pos + int64(off), nil
			}
			if d.WriteSerial > highest {
				highest = d.WriteSerial
			}
			off += int(d.Len)
		}
		pos += int64(off)
	}
	return highest, pos, nil
}
