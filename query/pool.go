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

// Package query implements C2: a per-command-buffer growing ring of GPU
// timestamp queries, reproducing the contract of the teacher source's
// CommandBufferQueryPool (original_source/VkLayer_profiler_layer/profiler/
// profiler_command_buffer_query_pool.{h,cpp}).
package query

import (
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/internal/perrors"
)

// DefaultCapacity is the default number of timestamp slots per hardware
// query pool (spec §4.2).
const DefaultCapacity = 32768

// PreallocateThreshold is the utilization fraction above which
// Preallocate appends a fresh pool.
const PreallocateThreshold = 0.8

// PipelineStage is the stage a timestamp is written at.
type PipelineStage int

const (
	StageTopOfPipe PipelineStage = iota
	StageBottomOfPipe
)

// BackendPool is the handle to one fixed-size hardware query pool,
// implemented by whatever owns the real vkCreateQueryPool/vkCmdWriteTimestamp
// calls (out of scope for this package; see spec §1 "dispatch-table
// plumbing").
type BackendPool interface {
	// Reset emits a pool-reset command into cb covering [0,count).
	Reset(cb api.Handle, count uint32) error
	// WriteTimestamp emits a timestamp-write command into cb at slot.
	WriteTimestamp(cb api.Handle, slot uint32, stage PipelineStage) error
	// ReadResults host-reads the first count raw tick values.
	ReadResults(count uint32) ([]uint64, error)
}

// Backend creates new fixed-size hardware query pools on demand.
type Backend interface {
	CreatePool(capacity uint32) (BackendPool, error)
}

type subPool struct {
	backend BackendPool
	used    uint32
	wasReset bool
}

func ratio[T constraints.Integer](used, capacity T) float64 {
	if capacity == 0 {
		return 1
	}
	return float64(used) / float64(capacity)
}

// Pool is the per-command-buffer timestamp query pool (spec §4.2).
// It is not safe for concurrent use by multiple goroutines except for the
// fact that a recording command buffer is, by Vulkan's external-sync
// rules, only ever touched by one thread at a time; the mutex here guards
// against the resolver reading WriteResults concurrently with a stray
// recording call on a Pending command buffer, which would itself be an
// application bug the profiler degrades rather than crashes on.
type Pool struct {
	mu       sync.Mutex
	backend  Backend
	cb       api.Handle
	capacity uint32

	pools        []*subPool
	currentPool  int
	absoluteIndex uint64
}

// NewPool constructs an empty query pool for command buffer cb.
func NewPool(backend Backend, cb api.Handle, capacity uint32) *Pool {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Pool{backend: backend, cb: cb, capacity: capacity, currentPool: -1}
}

// allocate appends and resets a fresh sub-pool, becoming the current one.
func (p *Pool) allocate() error {
	bp, err := p.backend.CreatePool(p.capacity)
	if err != nil {
		return perrors.Wrap(err, "allocate timestamp query pool")
	}
	if err := bp.Reset(p.cb, p.capacity); err != nil {
		return perrors.Wrap(err, "reset freshly allocated timestamp query pool")
	}
	p.pools = append(p.pools, &subPool{backend: bp, wasReset: true})
	p.currentPool = len(p.pools) - 1
	return nil
}

// Preallocate grows the pool if the current sub-pool is above
// PreallocateThreshold utilization. Call before any recording sequence
// likely to consume queries (spec §4.2).
func (p *Pool) Preallocate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preallocateLocked()
}

func (p *Pool) preallocateLocked() error {
	if p.currentPool < 0 {
		return p.allocate()
	}
	cur := p.pools[p.currentPool]
	if ratio(cur.used, p.capacity) > PreallocateThreshold {
		return p.allocate()
	}
	return nil
}

// Reset emits pool-reset commands for all partially filled pools and
// rewinds all cursors (spec §4.2). The absolute index is NOT rewound
// across Resets triggered mid-recording by growth; it is only reset here,
// matching the command buffer's own reset-on-begin semantics.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.pools {
		if sp.used > 0 {
			if err := sp.backend.Reset(p.cb, p.capacity); err != nil {
				return perrors.Wrap(err, "reset timestamp query pool")
			}
		}
		sp.used = 0
		sp.wasReset = true
	}
	p.currentPool = -1
	if len(p.pools) > 0 {
		p.currentPool = 0
	}
	p.absoluteIndex = 0
	return nil
}

// WriteTimestamp advances the cursors, emits a timestamp-write command at
// stage, and returns the absolute index written. If the current pool is
// exhausted it rolls to the next pool, allocating one if absent. Returns
// perrors.OutOfMemory if growth fails; the caller (the recorder) is
// responsible for marking its command-buffer record degraded rather than
// failing the intercepted Vulkan call.
func (p *Pool) WriteTimestamp(stage PipelineStage) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentPool < 0 || p.pools[p.currentPool].used >= p.capacity {
		if err := p.rollLocked(); err != nil {
			return 0, err
		}
	}
	sp := p.pools[p.currentPool]
	if !sp.wasReset {
		return 0, perrors.Internal
	}
	slot := sp.used
	if err := sp.backend.WriteTimestamp(p.cb, slot, stage); err != nil {
		return 0, perrors.Wrap(err, "write timestamp")
	}
	sp.used++
	idx := p.absoluteIndex
	p.absoluteIndex++
	return idx, nil
}

func (p *Pool) rollLocked() error {
	if p.currentPool+1 < len(p.pools) {
		p.currentPool++
		return nil
	}
	return p.allocate()
}

// Writer receives each sub-pool's raw tick values in absolute-index order:
// every full pool first, then the partial last pool, matching the
// teacher's WriteQueryData contract.
type Writer func(values []uint64) error

// WriteResults asks writer to copy each full pool in order, then the
// partial last pool (spec §4.2).
func (p *Pool) WriteResults(w Writer) error {
	p.mu.Lock()
	pools := append([]*subPool(nil), p.pools...)
	p.mu.Unlock()

	for _, sp := range pools {
		if sp.used == 0 {
			continue
		}
		values, err := sp.backend.ReadResults(sp.used)
		if err != nil {
			return perrors.Wrap(err, "read timestamp query results")
		}
		if err := w(values); err != nil {
			return err
		}
	}
	return nil
}

// AbsoluteIndex returns the next index WriteTimestamp would return,
// i.e. the total number of timestamps written since the last Reset.
func (p *Pool) AbsoluteIndex() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.absoluteIndex
}
