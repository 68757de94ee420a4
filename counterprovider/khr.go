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

package counterprovider

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/google/uuid"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/internal/perrors"
)

// khrPool is the Pool handle returned by KHR.CreateQueryPool.
type khrPool struct{ queueFamily uint32 }

func (p *khrPool) QueueFamily() uint32 { return p.queueFamily }

// KHR implements Provider over VK_KHR_performance_query, grounded on
// original_source/.../profiler_performance_counters_khr.cpp. Changing the
// active set between recording and submit is an error unless
// SupportsQueryPoolReuse is true (spec §4.3 invariant); KHR counter
// passes are not reusable across a set change, matching the source.
type KHR struct {
	base
	// familyCounters lists, per queue family, the UUIDs that family's raw
	// performance query report actually contains, in wire order.
	familyCounters map[uint32][]uuid.UUID
}

// NewKHR constructs a KHR-backed provider. maxCountersPerPass models the
// hardware's simultaneous-counter-block limit used by numPassesRequired.
func NewKHR(builtin []BuiltinSet, familyCounters map[uint32][]uuid.UUID, maxCountersPerPass int) *KHR {
	sets := make([]builtinSet, len(builtin))
	for i, s := range builtin {
		sets[i] = builtinSet{name: s.Name, metrics: s.Metrics}
	}
	return &KHR{
		base:           newBase(sets, maxCountersPerPass),
		familyCounters: familyCounters,
	}
}

func (k *KHR) Initialize(ctx context.Context) error {
	if len(k.familyCounters) == 0 {
		return perrors.InitializationFailed
	}
	return nil
}

func (k *KHR) SupportsQueryPoolReuse() bool { return false }

func (k *KHR) CreateQueryPool(queueFamily uint32, count uint32) (Pool, error) {
	if _, ok := k.familyCounters[queueFamily]; !ok {
		return nil, perrors.FeatureNotPresent
	}
	return &khrPool{queueFamily: queueFamily}, nil
}

func (k *KHR) CreateCustomMetricsSet(queueFamily uint32, name string, counters []uuid.UUID) (int, error) {
	return k.createCustomMetricsSet(queueFamily, name, counters)
}

func (k *KHR) DestroyCustomMetricsSet(index int) error {
	return k.destroyCustomMetricsSet(index)
}

func (k *KHR) UpdateCustomMetricsSet(index int, name string, counters []uuid.UUID) error {
	return k.updateCustomMetricsSet(index, name, counters)
}

// ParseReport maps queueFamily's raw report (8 bytes per counter present
// in that family's wire order, little-endian float64) back to the
// canonical order of set's MetricsProperties, zero-filling counters the
// family does not report (spec §4.3).
func (k *KHR) ParseReport(set int, queueFamily uint32, raw []byte) ([]api.CounterValue, error) {
	props, err := k.MetricsProperties(set)
	if err != nil {
		return nil, err
	}
	wire, ok := k.familyCounters[queueFamily]
	if !ok {
		return nil, perrors.FeatureNotPresent
	}
	wireIndex := make(map[uuid.UUID]int, len(wire))
	for i, u := range wire {
		wireIndex[u] = i
	}

	out := make([]api.CounterValue, len(props))
	for i, prop := range props {
		idx, present := wireIndex[prop.UUID]
		if !present {
			out[i] = api.CounterValue{Storage: prop.Storage}
			continue
		}
		offset := idx * 8
		if offset+8 > len(raw) {
			return nil, perrors.Wrap(perrors.Internal, "short performance query report")
		}
		bits := binary.LittleEndian.Uint64(raw[offset : offset+8])
		f := math.Float64frombits(bits)
		out[i] = castCounter(prop.Storage, f)
	}
	return out, nil
}

func castCounter(storage api.Storage, f float64) api.CounterValue {
	v := api.CounterValue{Storage: storage}
	switch storage {
	case api.StorageI32:
		v.I32 = int32(f)
	case api.StorageI64:
		v.I64 = int64(f)
	case api.StorageU32:
		v.U32 = uint32(f)
	case api.StorageU64:
		v.U64 = uint64(f)
	case api.StorageF32:
		v.F32 = float32(f)
	case api.StorageF64:
		v.F64 = f
	}
	return v
}
