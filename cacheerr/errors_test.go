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

package cacheerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeStrings(t *testing.T) {
	cases := map[Code]string{
		NoDoc:          "ECACHE_NO_DOC",
		DocBusy:        "ECACHE_DOC_BUSY",
		DirBad:         "ECACHE_DIR_BAD",
		BadMetaData:    "ECACHE_BAD_META_DATA",
		ReadFail:       "ECACHE_READ_FAIL",
		WriteFail:      "ECACHE_WRITE_FAIL",
		MaxAltExceeded: "ECACHE_MAX_ALT_EXCEEDED",
		NotReady:       "ECACHE_NOT_READY",
		AltMiss:        "ECACHE_ALT_MISS",
		BadReadRequest: "ECACHE_BAD_READ_REQUEST",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", code, got, want)
		}
	}
}

func TestCodeStringUnknown(t *testing.T) {
	if got := Code(1).String(); got != "ECACHE_UNKNOWN(1)" {
		t.Fatalf("String() on an unrecognized code = %q", got)
	}
}

func TestNewErrorMessage(t *testing.T) {
	err := New(NoDoc)
	if err.Error() != "ECACHE_NO_DOC" {
		t.Fatalf("Error() = %q, want ECACHE_NO_DOC", err.Error())
	}
}

func TestWrapIncludesCause(t *testing.T) {
	cause := fmt.Errorf("disk offline")
	err := Wrap(ReadFail, cause)
	if err.Error() != "ECACHE_READ_FAIL: disk offline" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("Wrap did not preserve the cause for errors.Is")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(DirBad)); got != DirBad {
		t.Fatalf("CodeOf = %v, want DirBad", got)
	}
	if got := CodeOf(fmt.Errorf("plain error")); got != 0 {
		t.Fatalf("CodeOf on a non-cacheerr error = %v, want 0", got)
	}
	wrapped := fmt.Errorf("context: %w", New(NotReady))
	if got := CodeOf(wrapped); got != NotReady {
		t.Fatalf("CodeOf on a wrapped error = %v, want NotReady", got)
	}
}
