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

// Package memprofile implements C8: a shim over the application's
// allocation callbacks plus a periodic sampler thread, grounded on
// original_source/VkLayer_profiler_layer/profiler/profiler_allocator.{h,cpp}.
// Allocations are never stalled on the profiler: the recording side only
// performs a non-blocking enqueue; the sampler drains on its own tick.
package memprofile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/internal/plog"
	"github.com/vklayers/profiler/internal/task"
)

// Scope mirrors VkSystemAllocationScope.
type Scope int

const (
	ScopeCommand Scope = iota
	ScopeObject
	ScopeCache
	ScopeDevice
	ScopeInstance
	scopeCount
)

func (s Scope) String() string {
	switch s {
	case ScopeCommand:
		return "Command"
	case ScopeObject:
		return "Object"
	case ScopeCache:
		return "Cache"
	case ScopeDevice:
		return "Device"
	case ScopeInstance:
		return "Instance"
	}
	return "?"
}

// ObjectType classifies what kind of Vulkan object an allocation served.
type ObjectType uint32

// Allocation is an opaque token for one live host allocation.
type Allocation struct {
	ID   uint64
	Size uintptr
}

// Allocator is the host allocation callback surface the shim wraps and
// forwards to. SystemAllocator is used when the application provided none.
type Allocator interface {
	Allocate(size, alignment uintptr, scope Scope) (Allocation, error)
	Reallocate(a Allocation, size, alignment uintptr, scope Scope) (Allocation, error)
	Free(a Allocation)
}

// SystemAllocator is the fallback Allocator: it hands out tokens backed by
// ordinary Go allocations (alignment is satisfied by the runtime for every
// alignment Vulkan requests).
type SystemAllocator struct {
	mu     sync.Mutex
	nextID uint64
	blocks map[uint64][]byte
}

// NewSystemAllocator constructs an empty system allocator.
func NewSystemAllocator() *SystemAllocator {
	return &SystemAllocator{blocks: make(map[uint64][]byte)}
}

func (s *SystemAllocator) Allocate(size, alignment uintptr, scope Scope) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.blocks[s.nextID] = make([]byte, size)
	return Allocation{ID: s.nextID, Size: size}, nil
}

func (s *SystemAllocator) Reallocate(a Allocation, size, alignment uintptr, scope Scope) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.blocks[a.ID]
	if !ok {
		return Allocation{}, perrors.InvalidHandle
	}
	grown := make([]byte, size)
	copy(grown, old)
	delete(s.blocks, a.ID)
	s.nextID++
	s.blocks[s.nextID] = grown
	return Allocation{ID: s.nextID, Size: size}, nil
}

func (s *SystemAllocator) Free(a Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, a.ID)
}

type eventKind int

const (
	eventAlloc eventKind = iota
	eventRealloc
	eventFree
)

type event struct {
	kind       eventKind
	size       uintptr
	prevSize   uintptr
	alignment  uintptr
	scope      Scope
	objectType ObjectType
}

// DefaultInterval is the sampler's wake period (spec §4.8 "every 100 ms").
const DefaultInterval = 100 * time.Millisecond

// RingSize bounds each per-object-type sample ring (spec §4.8 "bounded
// ring buffers (128 samples)").
const RingSize = 128

// Sample is one point of a per-object-type total time series.
type Sample struct {
	At    time.Time
	Total uintptr
}

// Profiler implements C8. The hot side (Shim) only does a non-blocking
// channel send; the sampler goroutine owns all aggregate state.
type Profiler struct {
	app      Allocator
	interval time.Duration
	metrics  *Metrics
	events   chan event
	stop     *task.StopSignal

	mu           sync.RWMutex
	totalByType  map[ObjectType]uintptr
	totalByScope [scopeCount]uintptr
	rings        map[ObjectType]*ring
	dropped      atomic.Uint64
}

// New constructs a memory profiler forwarding to app, or to a
// SystemAllocator when app is nil. interval <= 0 selects DefaultInterval;
// metrics may be nil.
func New(app Allocator, interval time.Duration, metrics *Metrics) *Profiler {
	if app == nil {
		app = NewSystemAllocator()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Profiler{
		app:         app,
		interval:    interval,
		metrics:     metrics,
		events:      make(chan event, 4096),
		stop:        task.NewStopSignal(),
		totalByType: make(map[ObjectType]uintptr),
		rings:       make(map[ObjectType]*ring),
	}
}

// Shim returns the recording Allocator to install in place of the
// application's callbacks for objects of the given type.
func (p *Profiler) Shim(objectType ObjectType) Allocator {
	return &shim{p: p, objectType: objectType}
}

type shim struct {
	p          *Profiler
	objectType ObjectType
}

func (s *shim) Allocate(size, alignment uintptr, scope Scope) (Allocation, error) {
	a, err := s.p.app.Allocate(size, alignment, scope)
	if err == nil {
		s.p.enqueue(event{kind: eventAlloc, size: a.Size, alignment: alignment, scope: scope, objectType: s.objectType})
	}
	return a, err
}

func (s *shim) Reallocate(a Allocation, size, alignment uintptr, scope Scope) (Allocation, error) {
	prev := a.Size
	b, err := s.p.app.Reallocate(a, size, alignment, scope)
	if err == nil {
		s.p.enqueue(event{kind: eventRealloc, size: b.Size, prevSize: prev, alignment: alignment, scope: scope, objectType: s.objectType})
	}
	return b, err
}

func (s *shim) Free(a Allocation) {
	s.p.app.Free(a)
	s.p.enqueue(event{kind: eventFree, prevSize: a.Size, objectType: s.objectType})
}

// enqueue never blocks; a full buffer drops the event and counts the drop
// so the sampler can report it.
func (p *Profiler) enqueue(ev event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Run is the sampler loop. It drains the event queue and samples
// per-object-type totals into the bounded rings every tick until Stop is
// called or ctx is canceled; join is bounded by one tick (spec §5).
func (p *Profiler) Run(ctx context.Context) error {
	defer p.stop.MarkDone()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(ctx, time.Now())
			return nil
		case <-p.stop.Stopping():
			p.flush(ctx, time.Now())
			return nil
		case now := <-ticker.C:
			p.flush(ctx, now)
		}
	}
}

// Stop requests Run to exit after a final flush.
func (p *Profiler) Stop() { p.stop.Stop() }

// Wait blocks until Run has returned.
func (p *Profiler) Wait() { p.stop.Wait() }

func (p *Profiler) flush(ctx context.Context, now time.Time) {
	p.mu.Lock()
	for {
		select {
		case ev := <-p.events:
			p.applyLocked(ev)
		default:
			p.sampleLocked(now)
			if n := p.dropped.Swap(0); n > 0 {
				plog.V(ctx).With("events", n).Debug("memory profiler dropped events under pressure")
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *Profiler) applyLocked(ev event) {
	switch ev.kind {
	case eventAlloc:
		p.totalByType[ev.objectType] += ev.size
		p.totalByScope[ev.scope] += ev.size
	case eventRealloc:
		p.totalByType[ev.objectType] += ev.size - ev.prevSize
		p.totalByScope[ev.scope] += ev.size - ev.prevSize
	case eventFree:
		p.totalByType[ev.objectType] -= ev.prevSize
	}
}

func (p *Profiler) sampleLocked(now time.Time) {
	for ot, total := range p.totalByType {
		r, ok := p.rings[ot]
		if !ok {
			r = newRing(RingSize)
			p.rings[ot] = r
		}
		r.push(Sample{At: now, Total: total})
		if p.metrics != nil {
			p.metrics.observe(ot, total)
		}
	}
}

// TotalByType returns the object type's current accounted total.
func (p *Profiler) TotalByType(ot ObjectType) uintptr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalByType[ot]
}

// TotalByScope returns the scope's current accounted total. Frees are not
// attributed to scopes because a free event does not carry one, matching
// the callback signature.
func (p *Profiler) TotalByScope(s Scope) uintptr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s < 0 || s >= scopeCount {
		return 0
	}
	return p.totalByScope[s]
}

// Samples returns the object type's bounded time series, oldest first.
func (p *Profiler) Samples(ot ObjectType) []Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rings[ot]
	if !ok {
		return nil
	}
	return r.snapshot()
}
