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

package volume

import "testing"

func TestResolveOnFreshRouterReturnsNilDefault(t *testing.T) {
	r := NewRouter()
	if got := r.Resolve("anything"); got != nil {
		t.Fatalf("Resolve on a fresh router = %v, want nil", got)
	}
}

func TestRebuildResolvesExplicitHost(t *testing.T) {
	r := NewRouter()
	vA := &Volume{ID: 1}
	vB := &Volume{ID: 2}
	r.Rebuild(map[string]*Volume{"a.example.com": vA}, vB)

	if got := r.Resolve("a.example.com"); got != vA {
		t.Fatalf("Resolve(a.example.com) = %v, want vA", got)
	}
}

func TestRebuildFallsBackToDefault(t *testing.T) {
	r := NewRouter()
	vA := &Volume{ID: 1}
	vDflt := &Volume{ID: 2}
	r.Rebuild(map[string]*Volume{"a.example.com": vA}, vDflt)

	if got := r.Resolve("unbound.example.com"); got != vDflt {
		t.Fatalf("Resolve(unbound) = %v, want default", got)
	}
}

func TestRebuildReplacesPriorTable(t *testing.T) {
	r := NewRouter()
	vOld := &Volume{ID: 1}
	r.Rebuild(map[string]*Volume{"host": vOld}, nil)
	if got := r.Resolve("host"); got != vOld {
		t.Fatalf("Resolve(host) after first Rebuild = %v, want vOld", got)
	}

	vNew := &Volume{ID: 2}
	r.Rebuild(map[string]*Volume{"host": vNew}, nil)
	if got := r.Resolve("host"); got != vNew {
		t.Fatalf("Resolve(host) after second Rebuild = %v, want vNew", got)
	}
}
