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

package aggregate

import (
	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/resolve"
)

// weightedCounter is one counter's accumulator (spec §4.7 step 3).
// Extensive counters sum plainly and leave weight untouched; intensive
// counters accumulate value*weight and divide by the total weight in the
// normalize step, so a zero weight means "pass the sum through unchanged".
type weightedCounter struct {
	value  float64
	weight uint64
}

func (w *weightedCounter) accumulate(unit api.Unit, value float64, weight uint64) {
	if unit.Extensive() {
		w.value += value
		return
	}
	w.value += value * float64(weight)
	w.weight += weight
}

func (w weightedCounter) normalize() float64 {
	if w.weight > 0 {
		return w.value / float64(w.weight)
	}
	return w.value
}

// aggregateCounters folds every command buffer's counter vector across the
// window, weighting by command-buffer duration, and normalizes (spec §4.7
// step 3). The canonical order and units come from the provider's active
// metrics set.
func (a *Aggregator) aggregateCounters(window []*resolve.BatchResult) []api.CounterValue {
	if a.provider == nil {
		return nil
	}
	active := a.provider.ActiveMetricsSet()
	if active < 0 {
		return nil
	}
	props, err := a.provider.MetricsProperties(active)
	if err != nil || len(props) == 0 {
		return nil
	}

	acc := make([]weightedCounter, len(props))
	any := false
	for _, batch := range window {
		for _, s := range batch.Submits {
			for _, rr := range s.Records {
				if len(rr.Counters) != len(props) {
					continue
				}
				any = true
				for i, v := range rr.Counters {
					acc[i].accumulate(props[i].Unit, v.AsFloat64(), rr.DurationTicks)
				}
			}
		}
	}
	if !any {
		return nil
	}

	out := make([]api.CounterValue, len(props))
	for i := range acc {
		out[i] = counterFromFloat(props[i].Storage, acc[i].normalize())
	}
	return out
}

func counterFromFloat(storage api.Storage, f float64) api.CounterValue {
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
