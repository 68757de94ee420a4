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

import "sync"

// Handle is an opaque Vulkan handle value, dispatchable or not. It is never
// dereferenced by the profiler; it is only ever used as a map key or
// compared for equality.
type Handle uint64

// Ref is a generation-stamped index into an Arena. It is the only path the
// profiler allows from a raw Handle to the record it names (see §9
// "Handles into ownership graphs" of the specification): the application
// may destroy the thing a Handle names and later reuse the same integer
// value, so a Ref additionally carries the generation the index was valid
// for. A Ref whose generation no longer matches the arena slot's current
// generation is stale and must be treated as NotFound.
type Ref struct {
	Index      int
	Generation uint32
}

// Zero reports whether r is the zero Ref, used as "no reference".
func (r Ref) Zero() bool { return r.Index == 0 && r.Generation == 0 }

// Arena is a generation-stamped slot array. Records are never moved once
// inserted; Destroy bumps the slot's generation so that any outstanding
// Ref referring to the destroyed record is defeated without a use-after-
// free, even if aggregation is still walking a snapshot that holds the
// stale Ref (§9 "Weak back-references").
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []int
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// NewArena constructs an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], 1)}
}

// Insert stores value in a free slot (reusing a destroyed one when
// available) and returns a Ref naming it.
func (a *Arena[T]) Insert(value T) Ref {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].value = value
		a.slots[idx].live = true
		return Ref{Index: idx, Generation: a.slots[idx].generation}
	}
	idx := len(a.slots)
	a.slots = append(a.slots, slot[T]{value: value, generation: 1, live: true})
	return Ref{Index: idx, Generation: 1}
}

// Get resolves ref to its value. ok is false if ref is stale or unknown.
func (a *Arena[T]) Get(ref Ref) (value T, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if ref.Index <= 0 || ref.Index >= len(a.slots) {
		return value, false
	}
	s := a.slots[ref.Index]
	if !s.live || s.generation != ref.Generation {
		return value, false
	}
	return s.value, true
}

// Destroy invalidates ref's slot, bumping its generation and returning it
// to the free list. Returns false if ref was already stale.
func (a *Arena[T]) Destroy(ref Ref) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref.Index <= 0 || ref.Index >= len(a.slots) {
		return false
	}
	s := &a.slots[ref.Index]
	if !s.live || s.generation != ref.Generation {
		return false
	}
	var zero T
	s.value = zero
	s.live = false
	s.generation++
	a.free = append(a.free, ref.Index)
	return true
}

// Len returns the number of live slots.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, s := range a.slots {
		if s.live {
			n++
		}
	}
	return n
}

// HandleTable maps raw Handles to generation-stamped Refs, the only
// allowed path from a Vulkan handle value to the record it names.
type HandleTable struct {
	mu sync.RWMutex
	m  map[Handle]Ref
}

// NewHandleTable constructs an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{m: make(map[Handle]Ref)}
}

// Bind associates h with ref, overwriting any previous association (the
// application is free to reuse a handle value after destroying the prior
// owner; the previous Ref is simply orphaned, its generation already
// bumped by Arena.Destroy).
func (t *HandleTable) Bind(h Handle, ref Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[h] = ref
}

// Lookup returns the Ref bound to h.
func (t *HandleTable) Lookup(h Handle) (Ref, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.m[h]
	return ref, ok
}

// Unbind removes h's association.
func (t *HandleTable) Unbind(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, h)
}
