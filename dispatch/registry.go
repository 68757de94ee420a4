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

// Package dispatch implements C1: the mapping from opaque Vulkan
// dispatchable handles (instance/device/queue/command-buffer) to the
// layer's per-device state, keyed by the loader-managed dispatch table
// pointer rather than the handle value itself (spec §4.1).
package dispatch

import (
	"sync"
	"unsafe"

	"github.com/vklayers/profiler/internal/perrors"
)

// Key identifies the per-device state that owns a dispatchable handle. The
// loader writes its dispatch table pointer into the first machine word of
// every dispatchable object; two handles that share that pointer value
// belong to the same device, which is why the registry hashes and
// compares by the pointed-to address rather than by the handle integer.
type Key uintptr

// KeyOf extracts the dispatch Key from a raw dispatchable handle. handle
// must point at a loader-managed dispatchable object (its first machine
// word is the table pointer); this is the one place in the profiler that
// reaches past the opaque Handle abstraction, matching the out-of-scope
// "dispatch-table plumbing" collaborator this package sits beneath.
func KeyOf(handle unsafe.Pointer) Key {
	if handle == nil {
		return 0
	}
	return Key(*(*uintptr)(handle))
}

// Registry maps dispatch Keys to a per-device value of type T. Reads take
// a shared lock; writes (Create*/Destroy*) take an exclusive one, matching
// spec §5's "many readers, rare writers" policy for this table.
type Registry[T any] struct {
	mu sync.RWMutex
	m  map[Key]T
}

// New constructs an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{m: make(map[Key]T)}
}

// Insert associates key with value, overwriting any previous value.
// Called on Create* of the owning instance/device.
func (r *Registry[T]) Insert(key Key, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = value
}

// Lookup resolves key to its per-device value. Returns invalid-handle if
// key is unknown, matching spec §4.1.
func (r *Registry[T]) Lookup(key Key) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[key]
	if !ok {
		var zero T
		return zero, perrors.InvalidHandle
	}
	return v, nil
}

// Erase removes key's association. Called on Destroy* of the owning
// instance/device.
func (r *Registry[T]) Erase(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, key)
}

// Len returns the number of registered keys, used by the size-invariant
// property test in spec §8 ("after n concurrent create/destroy pairs on
// distinct handles, size returns to its initial value").
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
