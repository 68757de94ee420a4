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

package profiler

import (
	"sync"

	"github.com/vklayers/profiler/api"
)

const tableShards = 16

// table is the sharded concurrent map used for the pipeline, render-pass,
// shader and command-buffer registries: per-bucket locks so recording
// threads on different handles rarely contend (spec §5 "sharded
// concurrent map with per-bucket locks").
type table[T any] struct {
	shards [tableShards]struct {
		mu sync.RWMutex
		m  map[api.Handle]T
	}
}

func newTable[T any]() *table[T] {
	t := &table[T]{}
	for i := range t.shards {
		t.shards[i].m = make(map[api.Handle]T)
	}
	return t
}

func (t *table[T]) shard(h api.Handle) int {
	// Vulkan handles are pointer-like; discard the low alignment bits so
	// consecutive allocations spread across shards.
	return int((uint64(h) >> 4) % tableShards)
}

func (t *table[T]) put(h api.Handle, v T) {
	s := &t.shards[t.shard(h)]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[h] = v
}

func (t *table[T]) get(h api.Handle) (T, bool) {
	s := &t.shards[t.shard(h)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[h]
	return v, ok
}

func (t *table[T]) delete(h api.Handle) {
	s := &t.shards[t.shard(h)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, h)
}

func (t *table[T]) len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return n
}
