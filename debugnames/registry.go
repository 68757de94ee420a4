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

// Package debugnames implements C9: the mapping from opaque handle values
// to the UTF-8 names assigned by the application through the debug-marker
// and debug-utils commands. Consulted only during frame-tree
// serialization; unknown handles display as hex (spec §4.9).
package debugnames

import (
	"fmt"
	"sync"

	"github.com/vklayers/profiler/api"
)

const shardCount = 16

type shard struct {
	mu sync.RWMutex
	m  map[api.Handle]string
}

// Registry is a sharded handle-to-name table, matching the per-bucket
// locking style of the pipeline and render-pass registries (spec §5).
type Registry struct {
	shards [shardCount]shard
}

// New constructs an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[api.Handle]string)
	}
	return r
}

func (r *Registry) shardFor(h api.Handle) *shard {
	return &r.shards[uint64(h)%shardCount]
}

// SetName records the application-assigned name for h. An empty name
// removes any prior assignment, matching the debug-utils contract.
func (r *Registry) SetName(h api.Handle, name string) {
	s := r.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		delete(s.m, h)
		return
	}
	s.m[h] = name
}

// Name returns h's assigned name, or its hex rendering if none was set.
func (r *Registry) Name(h api.Handle) string {
	s := r.shardFor(h)
	s.mu.RLock()
	name, ok := s.m[h]
	s.mu.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint64(h))
}

// Remove drops h's assignment, called when the named object is destroyed.
func (r *Registry) Remove(h api.Handle) {
	s := r.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, h)
}
