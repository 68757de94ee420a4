// Copyright (C) 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import "testing"

func TestArenaInsertGet(t *testing.T) {
	a := NewArena[string]()
	ref := a.Insert("first")
	got, ok := a.Get(ref)
	if !ok || got != "first" {
		t.Errorf("Get after Insert = (%q, %v), want (first, true)", got, ok)
	}
	if a.Len() != 1 {
		t.Errorf("Len = %d, want 1", a.Len())
	}
}

func TestArenaGenerationDefeatsStaleRef(t *testing.T) {
	a := NewArena[int]()
	ref := a.Insert(7)
	if !a.Destroy(ref) {
		t.Fatal("Destroy of live ref failed")
	}
	if _, ok := a.Get(ref); ok {
		t.Error("Get of destroyed ref succeeded")
	}
	// Slot reuse must mint a new generation, so the old ref stays dead.
	ref2 := a.Insert(8)
	if ref2.Index != ref.Index {
		t.Fatalf("freed slot not reused: got index %d, want %d", ref2.Index, ref.Index)
	}
	if ref2.Generation == ref.Generation {
		t.Error("reused slot kept the old generation")
	}
	if _, ok := a.Get(ref); ok {
		t.Error("stale ref resolved after slot reuse")
	}
	if v, ok := a.Get(ref2); !ok || v != 8 {
		t.Errorf("fresh ref = (%d, %v), want (8, true)", v, ok)
	}
}

func TestArenaDoubleDestroy(t *testing.T) {
	a := NewArena[int]()
	ref := a.Insert(1)
	if !a.Destroy(ref) {
		t.Fatal("first Destroy failed")
	}
	if a.Destroy(ref) {
		t.Error("second Destroy of the same ref succeeded")
	}
}

func TestHandleTableRebind(t *testing.T) {
	tbl := NewHandleTable()
	a := NewArena[int]()
	h := Handle(0xdead)

	r1 := a.Insert(1)
	tbl.Bind(h, r1)
	a.Destroy(r1)
	r2 := a.Insert(2)
	tbl.Bind(h, r2)

	ref, ok := tbl.Lookup(h)
	if !ok {
		t.Fatal("Lookup after rebind failed")
	}
	if v, ok := a.Get(ref); !ok || v != 2 {
		t.Errorf("rebind resolved to (%d, %v), want (2, true)", v, ok)
	}

	tbl.Unbind(h)
	if _, ok := tbl.Lookup(h); ok {
		t.Error("Lookup after Unbind succeeded")
	}
}
