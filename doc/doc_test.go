/*
Copyright (C) 2023  Carl-Philip Hänsch

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

package doc

import (
	"bytes"
	"testing"

	"github.com/launix-de/objcache/cachekey"
)

func sampleDoc() *Doc {
	k := cachekey.HashURL("example.com", "/a", "", 0)
	return &Doc{
		Magic:       Magic,
		TotalLen:    11,
		FirstKey:    k,
		Key:         k,
		DocType:     1,
		VMajor:      1,
		VMinor:      1,
		SyncSerial:  7,
		WriteSerial: 8,
		Pinned:      0,
		Hdr:         []byte("Content-Type: text/plain\r\n"),
		Data:        []byte("hello world"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleDoc()
	buf := d.Encode(true)

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Magic != Magic {
		t.Errorf("Magic = %#x, want %#x", got.Magic, Magic)
	}
	if got.TotalLen != d.TotalLen {
		t.Errorf("TotalLen = %d, want %d", got.TotalLen, d.TotalLen)
	}
	if !got.Key.Equal(d.Key) || !got.FirstKey.Equal(d.FirstKey) {
		t.Error("Key/FirstKey did not round-trip")
	}
	if !bytes.Equal(got.Hdr, d.Hdr) {
		t.Errorf("Hdr = %q, want %q", got.Hdr, d.Hdr)
	}
	if !bytes.Equal(got.Data, d.Data) {
		t.Errorf("Data = %q, want %q", got.Data, d.Data)
	}
	if got.DocType != d.DocType || got.VMajor != d.VMajor || got.VMinor != d.VMinor {
		t.Error("flags field did not round-trip")
	}
	if got.SyncSerial != d.SyncSerial || got.WriteSerial != d.WriteSerial {
		t.Error("serial fields did not round-trip")
	}
}

func TestVerifyChecksum(t *testing.T) {
	d := sampleDoc()
	buf := d.Encode(true)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.VerifyChecksum() {
		t.Fatal("VerifyChecksum failed on an untouched record")
	}

	got.Data[0] ^= 0xFF
	if got.VerifyChecksum() {
		t.Fatal("VerifyChecksum passed after corrupting the data")
	}
}

func TestChecksumDisabled(t *testing.T) {
	d := sampleDoc()
	buf := d.Encode(false)
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Checksum != NoChecksum {
		t.Fatalf("Checksum = %#x, want NoChecksum", got.Checksum)
	}
	got.Data[0] ^= 0xFF
	if !got.VerifyChecksum() {
		t.Fatal("VerifyChecksum should always pass when checksums are disabled")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("Decode accepted a buffer shorter than HeaderSize")
	}
}

func TestDecodeBadMagic(t *testing.T) {
	d := sampleDoc()
	buf := d.Encode(true)
	buf[0] ^= 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatal("Decode accepted a corrupted magic number")
	}
}

func TestDecodeHlenExceedsBuffer(t *testing.T) {
	d := sampleDoc()
	buf := d.Encode(true)
	truncated := buf[:HeaderSize+1]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("Decode accepted a buffer truncated inside the header trailer")
	}
}

func TestSingleFragment(t *testing.T) {
	d := sampleDoc()
	if !d.SingleFragment() {
		t.Fatal("SingleFragment() = false, want true for a doc whose Data covers TotalLen")
	}
	d.TotalLen = uint64(d.DataLen()) + 1
	if d.SingleFragment() {
		t.Fatal("SingleFragment() = true, want false once TotalLen exceeds this fragment's Data")
	}
}

func TestDataLen(t *testing.T) {
	d := sampleDoc()
	if d.DataLen() != len(d.Data) {
		t.Fatalf("DataLen() = %d, want %d", d.DataLen(), len(d.Data))
	}
}
