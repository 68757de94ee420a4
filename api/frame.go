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

package api

// TopPipelineEntry is one row of the frame aggregator's top-pipelines
// list (spec §4.7), keyed by pipeline fingerprint and summed across the
// frame. FirstSeen breaks ties in a stable, deterministic order.
type TopPipelineEntry struct {
	Fingerprint Fingerprint
	Handle      Handle
	Ticks       uint64
	FirstSeen   int
}

// FrameData is the immutable, published output of one aggregation window
// (spec §3 "Frame data"). Index increases monotonically and a FrameData
// with index N is only published after every frame < N (spec §5
// "Ordering guarantees").
type FrameData struct {
	Index         uint64
	Tree          *RegionData
	TopPipelines  []TopPipelineEntry
	Counters      []CounterValue
	TotalGPUTicks uint64
}
