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

// Package cacheerr holds the engine's negative error codes (spec.md 6.7).
// Clients type-assert to *cacheerr.Error (or use CodeOf) to tell a cache
// miss from an operational failure.
package cacheerr

import (
	"errors"
	"fmt"
)

type Code int

const (
	NoDoc Code = -(iota + 1)
	DocBusy
	DirBad
	BadMetaData
	ReadFail
	WriteFail
	MaxAltExceeded
	NotReady
	AltMiss
	BadReadRequest
)

func (c Code) String() string {
	switch c {
	case NoDoc:
		return "ECACHE_NO_DOC"
	case DocBusy:
		return "ECACHE_DOC_BUSY"
	case DirBad:
		return "ECACHE_DIR_BAD"
	case BadMetaData:
		return "ECACHE_BAD_META_DATA"
	case ReadFail:
		return "ECACHE_READ_FAIL"
	case WriteFail:
		return "ECACHE_WRITE_FAIL"
	case MaxAltExceeded:
		return "ECACHE_MAX_ALT_EXCEEDED"
	case NotReady:
		return "ECACHE_NOT_READY"
	case AltMiss:
		return "ECACHE_ALT_MISS"
	case BadReadRequest:
		return "ECACHE_BAD_READ_REQUEST"
	default:
		return fmt.Sprintf("ECACHE_UNKNOWN(%d)", int(c))
	}
}

// Error wraps a Code as a standard error, optionally carrying the
// underlying cause (an I/O error, a decode failure, ...).
type Error struct {
	Code  Code
	Cause error
}

func New(code Code) error {
	return &Error{Code: code}
}

func Wrap(code Code, cause error) error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the Code from err, or 0 if err is not (or does not wrap)
// a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
