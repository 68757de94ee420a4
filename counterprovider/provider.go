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

// Package counterprovider implements C3: the performance-counter
// capability, polymorphic over {none, khr-performance-query,
// vendor-MDAPI}, grounded on original_source/VkLayer_profiler_layer/
// profiler/profiler_performance_counters.{h,cpp} and the KHR variant
// profiler_performance_counters_khr.cpp. Vendor MDAPI backends are an
// extension point only (spec §1: "Vendor-specific counter backends,
// which the core sees only through a PerformanceCounters capability").
package counterprovider

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/internal/perrors"
)

// Pool is an opaque handle to a hardware counter query pool sized for one
// active metrics set (spec §4.3 "create_query_pool").
type Pool interface {
	// QueueFamily is the queue family this pool was sized for.
	QueueFamily() uint32
}

// Provider is the capability interface C4/C6 call against. Exactly one
// Provider is active per device profiler at a time (spec §3 "the active
// counter provider (may be absent)").
type Provider interface {
	// Initialize may acquire a device-wide profiling lock; it enumerates
	// counter sets for each used queue family, deduplicates counters by
	// UUID across families, and constructs the canonical counter index.
	Initialize(ctx context.Context) error

	// MetricsSets enumerates available sets.
	MetricsSets() []api.MetricsSetDescriptor

	// MetricsProperties enumerates the counters of one set.
	MetricsProperties(set int) ([]api.MetricProperties, error)

	// SetActiveMetricsSet selects which set subsequent queries use.
	SetActiveMetricsSet(index int) error

	// ActiveMetricsSet returns the currently active set index.
	// Linearizable: a concurrent SetActiveMetricsSet(i) followed by
	// ActiveMetricsSet() on any goroutine observes i (spec §8).
	ActiveMetricsSet() int

	// SupportsQueryPoolReuse reports whether a query pool created under
	// one active set remains valid after the set changes before submit.
	SupportsQueryPoolReuse() bool

	// CreateQueryPool sizes a pool for the active set.
	CreateQueryPool(queueFamily uint32, count uint32) (Pool, error)

	// CreateCustomMetricsSet validates that the requested counters are
	// satisfiable in a single pass, deduplicates by a hash of
	// (queue family, counter UUID set), and returns the set's index.
	CreateCustomMetricsSet(queueFamily uint32, name string, counters []uuid.UUID) (int, error)

	// DestroyCustomMetricsSet removes a previously created custom set.
	// Builtin sets cannot be destroyed; ValidationFailed otherwise.
	DestroyCustomMetricsSet(index int) error

	// UpdateCustomMetricsSet replaces a custom set's name and counters in
	// place, subject to the same single-pass validation as creation.
	UpdateCustomMetricsSet(index int, name string, counters []uuid.UUID) error

	// ParseReport maps a queue family's raw report bytes back to the
	// canonical counter order for set, zero-filling counters absent from
	// that family.
	ParseReport(set int, queueFamily uint32, raw []byte) ([]api.CounterValue, error)
}

// customSetKey is the dedupe key from spec §4.3 "Implementations must
// dedupe sets by a hash of (queue family ∪ counter UUID set)".
type customSetKey struct {
	queueFamily uint32
	counters    string // sorted, joined UUIDs
}

func keyFor(queueFamily uint32, counters []uuid.UUID) customSetKey {
	sorted := append([]uuid.UUID(nil), counters...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].String() > sorted[j].String(); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	s := ""
	for _, u := range sorted {
		s += u.String() + "|"
	}
	return customSetKey{queueFamily: queueFamily, counters: s}
}

// BuiltinSet describes one device-reported metrics set handed to a
// backend constructor at enumeration time.
type BuiltinSet struct {
	Name    string
	Metrics []api.MetricProperties
}

// builtinSet is a predeclared, device-reported metrics set.
type builtinSet struct {
	name    string
	metrics []api.MetricProperties
}

// customSet is a user-created set (spec "create/destroy/update custom
// set"). Destroyed sets keep their slot so that later sets' indices stay
// stable; they enumerate as empty and reject activation.
type customSet struct {
	key         customSetKey
	name        string
	queueFamily uint32
	counters    []uuid.UUID
	dead        bool
}

// base implements the bookkeeping shared by every Provider backend:
// active-set state, the builtin set table and the custom-set dedupe
// table. The KHR backend embeds it and supplies MaxCountersPerPass plus
// ParseReport; the None backend does not use it.
type base struct {
	mu                sync.RWMutex
	builtin           []builtinSet
	custom            []customSet
	customByKey       map[customSetKey]int
	active            int
	maxCountersPerPass int
}

func newBase(builtin []builtinSet, maxCountersPerPass int) base {
	return base{
		builtin:            builtin,
		customByKey:        make(map[customSetKey]int),
		maxCountersPerPass: maxCountersPerPass,
	}
}

func (b *base) MetricsSets() []api.MetricsSetDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]api.MetricsSetDescriptor, 0, len(b.builtin)+len(b.custom))
	for _, s := range b.builtin {
		out = append(out, api.MetricsSetDescriptor{Name: s.name, MetricsCount: len(s.metrics)})
	}
	for _, s := range b.custom {
		out = append(out, api.MetricsSetDescriptor{Name: s.name, MetricsCount: len(s.counters)})
	}
	return out
}

func (b *base) MetricsProperties(set int) ([]api.MetricProperties, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if set < 0 || set >= len(b.builtin)+len(b.custom) {
		return nil, perrors.ValidationFailed
	}
	if set < len(b.builtin) {
		return b.builtin[set].metrics, nil
	}
	cs := b.custom[set-len(b.builtin)]
	if cs.dead {
		return nil, perrors.ValidationFailed
	}
	props := make([]api.MetricProperties, len(cs.counters))
	for i, u := range cs.counters {
		props[i] = api.MetricProperties{ShortName: u.String(), UUID: u}
	}
	return props, nil
}

func (b *base) SetActiveMetricsSet(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.builtin)+len(b.custom) {
		return perrors.ValidationFailed
	}
	if index >= len(b.builtin) && b.custom[index-len(b.builtin)].dead {
		return perrors.ValidationFailed
	}
	b.active = index
	return nil
}

func (b *base) ActiveMetricsSet() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// numPassesRequired is a simplified model of the driver's actual pass
// planning: a hardware counter block can sample at most
// maxCountersPerPass counters simultaneously.
func (b *base) numPassesRequired(counters []uuid.UUID) int {
	if b.maxCountersPerPass <= 0 {
		return 1
	}
	n := len(counters)
	passes := n / b.maxCountersPerPass
	if n%b.maxCountersPerPass != 0 {
		passes++
	}
	if passes == 0 {
		passes = 1
	}
	return passes
}

func (b *base) createCustomMetricsSet(queueFamily uint32, name string, counters []uuid.UUID) (int, error) {
	if b.numPassesRequired(counters) != 1 {
		return 0, perrors.Unsatisfiable
	}

	key := keyFor(queueFamily, counters)

	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.customByKey[key]; ok {
		return idx, nil
	}
	idx := len(b.builtin) + len(b.custom)
	b.custom = append(b.custom, customSet{key: key, name: name, queueFamily: queueFamily, counters: counters})
	b.customByKey[key] = idx
	return idx, nil
}

func (b *base) destroyCustomMetricsSet(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := index - len(b.builtin)
	if i < 0 || i >= len(b.custom) || b.custom[i].dead {
		return perrors.ValidationFailed
	}
	delete(b.customByKey, b.custom[i].key)
	b.custom[i] = customSet{dead: true}
	if b.active == index {
		b.active = 0
	}
	return nil
}

func (b *base) updateCustomMetricsSet(index int, name string, counters []uuid.UUID) error {
	if b.numPassesRequired(counters) != 1 {
		return perrors.Unsatisfiable
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := index - len(b.builtin)
	if i < 0 || i >= len(b.custom) || b.custom[i].dead {
		return perrors.ValidationFailed
	}
	cs := &b.custom[i]
	delete(b.customByKey, cs.key)
	cs.key = keyFor(cs.queueFamily, counters)
	cs.name = name
	cs.counters = append([]uuid.UUID(nil), counters...)
	b.customByKey[cs.key] = index
	return nil
}
