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

// Package aggregate implements C7: accumulating resolved submit batches
// between two frame delimiter events and turning them into the published,
// immutable FrameData snapshot (spec §4.7), grounded on
// original_source/VkLayer_profiler_layer/profiler/profiler_data_aggregator.cpp.
package aggregate

import (
	"context"
	"sort"
	"sync"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/counterprovider"
	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/resolve"
)

// DelimiterMode selects the event that closes the current aggregation
// window (spec §4.7, GLOSSARY "Frame delimiter").
type DelimiterMode int

const (
	DelimiterPresent DelimiterMode = iota
	DelimiterSubmit
)

// SamplingMode controls how deep the reported tree goes (spec §6 "set
// sampling mode"). Coarser modes keep the same capture path but prune the
// published tree below the named level.
type SamplingMode int

const (
	SamplingDrawcall SamplingMode = iota
	SamplingPipeline
	SamplingRenderPass
	SamplingCommandBuffer
	SamplingSubmit
	SamplingFrame
)

// NameSource supplies display names for handles (C9). A nil NameSource
// falls back to hex formatting of the raw handle value.
type NameSource interface {
	Name(h api.Handle) string
}

// Aggregator implements C7 and is the resolve.Sink the resolver feeds.
type Aggregator struct {
	provider counterprovider.Provider
	names    NameSource
	metrics  *Metrics

	mu              sync.Mutex
	window          []*resolve.BatchResult
	submitsInWindow int
	delimiter       DelimiterMode
	everyN          int
	mode            SamplingMode

	pub struct {
		sync.RWMutex
		latest    *api.FrameData
		nextIndex uint64
	}
}

// New constructs an aggregator delimiting on present, reporting at
// drawcall depth. provider may be counterprovider.None; names and metrics
// may be nil.
func New(provider counterprovider.Provider, names NameSource, metrics *Metrics) *Aggregator {
	return &Aggregator{
		provider:  provider,
		names:     names,
		metrics:   metrics,
		delimiter: DelimiterPresent,
		everyN:    1,
		mode:      SamplingDrawcall,
	}
}

// SetDelimiter selects the frame delimiter event. everyN is only
// meaningful for DelimiterSubmit and is clamped to at least 1.
func (a *Aggregator) SetDelimiter(mode DelimiterMode, everyN int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if everyN < 1 {
		everyN = 1
	}
	a.delimiter = mode
	a.everyN = everyN
}

// SetSamplingMode selects the reported tree depth for subsequent frames.
func (a *Aggregator) SetSamplingMode(mode SamplingMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// SamplingMode returns the current reporting depth.
func (a *Aggregator) SamplingMode() SamplingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Ingest implements resolve.Sink: a fully resolved batch enters the
// current window; in submit-delimited mode every N-th batch closes the
// frame (spec §4.7).
func (a *Aggregator) Ingest(ctx context.Context, batch *resolve.BatchResult) error {
	a.mu.Lock()
	a.window = append(a.window, batch)
	a.submitsInWindow++
	shouldFinish := a.delimiter == DelimiterSubmit && a.submitsInWindow >= a.everyN
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SubmitsAggregated.Inc()
	}
	if shouldFinish {
		a.finishFrame()
	}
	return nil
}

// Present is the present-delimiter event (called by the profiler's
// QueuePresent interception). In submit-delimited mode it is a no-op.
func (a *Aggregator) Present(ctx context.Context) {
	a.mu.Lock()
	isPresent := a.delimiter == DelimiterPresent
	a.mu.Unlock()
	if isPresent {
		a.finishFrame()
	}
}

// Flush forces a frame boundary regardless of the configured delimiter
// (spec §6 "flush"). An empty window still publishes a frame so that a
// flushed consumer always observes a boundary.
func (a *Aggregator) Flush(ctx context.Context) {
	a.finishFrame()
}

// LatestFrame returns the most recently published frame, or NotReady if
// no frame has been delimited yet (spec §6 "get frame data").
func (a *Aggregator) LatestFrame() (*api.FrameData, error) {
	a.pub.RLock()
	defer a.pub.RUnlock()
	if a.pub.latest == nil {
		return nil, perrors.NotReady
	}
	return a.pub.latest, nil
}

// finishFrame rotates the window out under the queue lock, builds the
// frame outside it, and publishes under the read/write lock (spec §5
// "rotated under lock into a worker-local list to minimize hold time";
// "copy-on-publish").
func (a *Aggregator) finishFrame() {
	a.mu.Lock()
	window := a.window
	mode := a.mode
	a.window = nil
	a.submitsInWindow = 0
	a.mu.Unlock()

	// Batches arrive in submit order per queue; across queues the host
	// clock snapshot disambiguates (spec §5 "Ordering guarantees").
	sort.SliceStable(window, func(i, j int) bool {
		return hostClockBefore(window[i].HostClock, window[j].HostClock)
	})

	frame := a.buildFrame(window, mode)

	a.pub.Lock()
	frame.Index = a.pub.nextIndex
	a.pub.nextIndex++
	a.pub.latest = frame
	a.pub.Unlock()

	if a.metrics != nil {
		a.metrics.FramesAggregated.Inc()
		a.metrics.FrameGPUTicks.Set(float64(frame.TotalGPUTicks))
	}
}

// buildFrame assembles the reportable tree, the top-pipelines list and the
// normalized counter vector for one delimited window.
func (a *Aggregator) buildFrame(window []*resolve.BatchResult, mode SamplingMode) *api.FrameData {
	b := &treeBuilder{names: a.names}
	tree := b.BuildFrameTree(window)
	pruneForMode(tree, mode)

	top := &topPipelines{entries: make(map[api.Fingerprint]*api.TopPipelineEntry)}
	for _, batch := range window {
		for _, s := range batch.Submits {
			for i := range s.Records {
				top.visitRecord(&s.Records[i])
			}
		}
	}

	var totalTicks uint64
	for _, batch := range window {
		for _, s := range batch.Submits {
			for _, rr := range s.Records {
				totalTicks += rr.DurationTicks
			}
		}
	}

	return &api.FrameData{
		Tree:          tree,
		TopPipelines:  top.sorted(),
		Counters:      a.aggregateCounters(window),
		TotalGPUTicks: totalTicks,
	}
}
