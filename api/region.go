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

import (
	"fmt"

	timestamppb "github.com/golang/protobuf/ptypes/timestamp"
)

// RegionType is the tag of a RegionData node (spec §6 "RegionData").
type RegionType int

const (
	RegionFrame RegionType = iota
	RegionSubmit
	RegionSubmitInfo
	RegionCommandBuffer
	RegionRenderPass
	RegionSubpass
	RegionPipeline
	RegionCommand
)

func (t RegionType) String() string {
	switch t {
	case RegionFrame:
		return "frame"
	case RegionSubmit:
		return "submit"
	case RegionSubmitInfo:
		return "submit-info"
	case RegionCommandBuffer:
		return "command-buffer"
	case RegionRenderPass:
		return "render-pass"
	case RegionSubpass:
		return "subpass"
	case RegionPipeline:
		return "pipeline"
	case RegionCommand:
		return "command"
	}
	return "?"
}

// RegionProperties is the type-dependent properties union carried by a
// RegionData node (spec §6: "e.g. pipeline handle, subpass index+contents,
// command kind enum").
type RegionProperties struct {
	PipelineHandle Handle
	BindPoint      BindPoint
	SubpassIndex   uint32
	Contents       SubpassContents
	CmdKind        CmdKind
	Degraded       bool
	QueueHandle    Handle
	HostSubmitTime *timestamppb.Timestamp
}

// RegionData is a node of the hierarchical tree returned by "get frame
// data" (spec §6). Durations are expressed in float milliseconds,
// ticks * timestampPeriod / 1e6, per the spec's RegionData description.
// It implements the legacy protobuf Message shape (Reset/String/
// ProtoMessage) so it can be handed to jsonpb-style dumping and
// transported the way the teacher's generated service types are, without
// requiring a .proto/protoc step for this internal tree.
type RegionData struct {
	Type       RegionType
	Name       string
	Duration   float64
	Unresolved bool
	Properties RegionProperties
	Children   []*RegionData

	// BeginDuration/EndDuration are populated only on RegionRenderPass
	// nodes (spec §6 "Render-pass nodes additionally carry beginDuration/
	// endDuration via a sidecar record").
	HasSegmentDurations bool
	BeginDuration       float64
	EndDuration         float64

	// Counters holds this node's share of the aggregated counter vector,
	// indexed the same way as the active metrics set.
	Counters []CounterValue
}

// Reset clears r in place, matching proto.Message's Reset contract.
func (r *RegionData) Reset() { *r = RegionData{} }

// String implements proto.Message.
func (r *RegionData) String() string {
	return fmt.Sprintf("RegionData{%s %q dur=%.3fms children=%d}", r.Type, r.Name, r.Duration, len(r.Children))
}

// ProtoMessage implements proto.Message (a marker method only).
func (r *RegionData) ProtoMessage() {}

// Walk performs a depth-first pre-order traversal of r and its
// descendants, calling visit for each node. Matches the traversal order
// used by the frame aggregator when it builds the top-pipelines list.
func (r *RegionData) Walk(visit func(*RegionData)) {
	if r == nil {
		return
	}
	visit(r)
	for _, c := range r.Children {
		c.Walk(visit)
	}
}
