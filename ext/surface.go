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

// Package ext implements C10: the stable EXT_profiler device extension
// surface (spec §6). It is a thin translation over the aggregator and the
// counter provider; it never holds the aggregator's lock for longer than a
// copy of the latest frame snapshot (spec §4.10).
package ext

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vklayers/profiler/aggregate"
	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/counterprovider"
	"github.com/vklayers/profiler/internal/perrors"
)

// SpecVersion is the EXT_profiler extension spec version this surface
// implements.
const SpecVersion = 5

// ExtensionName is the name the layer reports during device extension
// enumeration.
const ExtensionName = "VK_EXT_profiler"

// Surface is the per-device extension surface handed to consumers.
type Surface struct {
	agg      *aggregate.Aggregator
	provider counterprovider.Provider

	mu          sync.Mutex
	outstanding map[*api.FrameData]struct{}
}

// New constructs the surface over the device's aggregator and counter
// provider.
func New(agg *aggregate.Aggregator, provider counterprovider.Provider) *Surface {
	return &Surface{
		agg:         agg,
		provider:    provider,
		outstanding: make(map[*api.FrameData]struct{}),
	}
}

// SetSamplingMode selects the reported tree depth (spec §6 "set sampling
// mode"). Unknown modes fail with validation-failed.
func (s *Surface) SetSamplingMode(mode aggregate.SamplingMode) error {
	if mode < aggregate.SamplingDrawcall || mode > aggregate.SamplingFrame {
		return perrors.ValidationFailed
	}
	s.agg.SetSamplingMode(mode)
	return nil
}

// SetFrameDelimiter selects the frame delimiter event (spec §6 "set frame
// delimiter"). everyN is only meaningful in submit mode.
func (s *Surface) SetFrameDelimiter(mode aggregate.DelimiterMode, everyN int) error {
	if mode != aggregate.DelimiterPresent && mode != aggregate.DelimiterSubmit {
		return perrors.ValidationFailed
	}
	s.agg.SetDelimiter(mode, everyN)
	return nil
}

// GetFrameData returns a snapshot of the latest delimited frame, or
// not-ready before the first delimiter — an expected steady-state answer,
// not a fault (spec §7). The caller owns the returned data until it hands
// it back through FreeFrameData.
func (s *Surface) GetFrameData() (*api.FrameData, error) {
	frame, err := s.agg.LatestFrame()
	if err != nil {
		return nil, err
	}
	out := copyFrame(frame)
	s.mu.Lock()
	s.outstanding[out] = struct{}{}
	s.mu.Unlock()
	return out, nil
}

// FreeFrameData releases a prior GetFrameData output. Unknown or
// double-freed data fails with validation-failed.
func (s *Surface) FreeFrameData(frame *api.FrameData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[frame]; !ok {
		return perrors.ValidationFailed
	}
	delete(s.outstanding, frame)
	return nil
}

// Flush forces a frame boundary with the batches already resolved (spec §6
// "flush"). It does not resolve or wait for batches still waiting on their
// fence; those land in a later frame.
func (s *Surface) Flush(ctx context.Context) {
	s.agg.Flush(ctx)
}

// EnumerateMetricsSets lists the available metrics sets.
func (s *Surface) EnumerateMetricsSets() []api.MetricsSetDescriptor {
	return s.provider.MetricsSets()
}

// SetActiveMetricsSet selects the set subsequent queries use.
func (s *Surface) SetActiveMetricsSet(index int) error {
	return s.provider.SetActiveMetricsSet(index)
}

// GetActiveMetricsSet returns the currently active set index.
func (s *Surface) GetActiveMetricsSet() int {
	return s.provider.ActiveMetricsSet()
}

// EnumerateMetrics lists the counters of one set.
func (s *Surface) EnumerateMetrics(set int) ([]api.MetricProperties, error) {
	return s.provider.MetricsProperties(set)
}

// CreateCustomMetricsSet builds a custom set from counter UUIDs; sets that
// would need more than one pass fail with unsatisfiable, and identical
// re-creations return the same index (spec §8 scenario 5).
func (s *Surface) CreateCustomMetricsSet(queueFamily uint32, name string, counters []uuid.UUID) (int, error) {
	return s.provider.CreateCustomMetricsSet(queueFamily, name, counters)
}

// DestroyCustomMetricsSet removes a custom set.
func (s *Surface) DestroyCustomMetricsSet(index int) error {
	return s.provider.DestroyCustomMetricsSet(index)
}

// UpdateCustomMetricsSet replaces a custom set's name and counters.
func (s *Surface) UpdateCustomMetricsSet(index int, name string, counters []uuid.UUID) error {
	return s.provider.UpdateCustomMetricsSet(index, name, counters)
}

// copyFrame deep-copies a published frame so the consumer's copy is
// independent of later publishes.
func copyFrame(f *api.FrameData) *api.FrameData {
	out := &api.FrameData{
		Index:         f.Index,
		Tree:          copyRegion(f.Tree),
		TopPipelines:  append([]api.TopPipelineEntry(nil), f.TopPipelines...),
		Counters:      append([]api.CounterValue(nil), f.Counters...),
		TotalGPUTicks: f.TotalGPUTicks,
	}
	return out
}

func copyRegion(r *api.RegionData) *api.RegionData {
	if r == nil {
		return nil
	}
	out := *r
	out.Counters = append([]api.CounterValue(nil), r.Counters...)
	out.Children = make([]*api.RegionData, len(r.Children))
	for i, c := range r.Children {
		out.Children[i] = copyRegion(c)
	}
	return &out
}
