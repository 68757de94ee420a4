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

import "fmt"

// CmdID is the index of a command within its owning command-buffer record.
type CmdID uint64

// CmdNoID is used when a field needs a CmdID but no command occupies it.
const CmdNoID = CmdID(1<<64 - 1)

func (id CmdID) String() string {
	if id == CmdNoID {
		return "(NoID)"
	}
	return fmt.Sprintf("%v", uint64(id))
}

// BindPoint is a pipeline bind point. RayTracing is attribution-equivalent
// to Compute: both are non-graphics bind points whose bound pipeline is
// credited with dispatch/trace-rays ticks in the frame aggregator (see
// SPEC_FULL.md "DECIDED OPEN QUESTIONS").
type BindPoint int

const (
	BindGraphics BindPoint = iota
	BindCompute
	BindRayTracing
)

func (b BindPoint) String() string {
	switch b {
	case BindGraphics:
		return "Graphics"
	case BindCompute:
		return "Compute"
	case BindRayTracing:
		return "RayTracing"
	}
	return "?"
}

// CmdKind is the tag of the Command sum type (spec §3 "Command").
type CmdKind int

const (
	CmdDraw CmdKind = iota
	CmdDispatch
	CmdCopy
	CmdClear
	CmdResolveOrBlit
	CmdFillOrUpdateBuffer
	CmdTraceRays
	CmdBuildAccelerationStructure
	CmdBindPipeline
	CmdBeginRenderPass
	CmdNextSubpass
	CmdEndRenderPass
	CmdExecuteCommands
	CmdDebugLabel
)

func (k CmdKind) String() string {
	switch k {
	case CmdDraw:
		return "Draw"
	case CmdDispatch:
		return "Dispatch"
	case CmdCopy:
		return "Copy"
	case CmdClear:
		return "Clear"
	case CmdResolveOrBlit:
		return "ResolveOrBlit"
	case CmdFillOrUpdateBuffer:
		return "FillOrUpdateBuffer"
	case CmdTraceRays:
		return "TraceRays"
	case CmdBuildAccelerationStructure:
		return "BuildAccelerationStructure"
	case CmdBindPipeline:
		return "BindPipeline"
	case CmdBeginRenderPass:
		return "BeginRenderPass"
	case CmdNextSubpass:
		return "NextSubpass"
	case CmdEndRenderPass:
		return "EndRenderPass"
	case CmdExecuteCommands:
		return "ExecuteCommands"
	case CmdDebugLabel:
		return "DebugLabel"
	}
	return "?"
}

// DrawsOrDispatches reports whether a command of this kind consumes
// pipeline-bound state and should be credited to the currently bound
// pipeline by the frame aggregator's visitor.
func (k CmdKind) DrawsOrDispatches() bool {
	switch k {
	case CmdDraw, CmdDispatch, CmdTraceRays, CmdBuildAccelerationStructure:
		return true
	}
	return false
}

// CmdParams carries the call-site parameters needed for reporting. Only
// the fields relevant to Kind are meaningful; the rest are zero.
type CmdParams struct {
	VertexCount, InstanceCount   uint32
	GroupX, GroupY, GroupZ       uint32
	Pipeline                     Handle
	PipelineFingerprint          Fingerprint
	BindPoint                    BindPoint
	RenderPass                   Handle
	Subpass                      uint32
	SubpassContents              SubpassContents
	SecondaryCommandBuffers      []Handle
	Label                        string
}

// Fingerprint identifies a pipeline or shader module by content hash (e.g.
// a combined SPIR-V digest). Two pipelines with the same Fingerprint are
// considered interchangeable for attribution and top-list purposes.
type Fingerprint [20]byte

// SubpassContents mirrors VkSubpassContents.
type SubpassContents int

const (
	ContentsInline SubpassContents = iota
	ContentsSecondaryCommandBuffers
)

// Command is a single recorded, timestamp-wrapped operation (spec §3
// "Command"). It is immutable once appended to a CommandBufferRecord.
type Command struct {
	ID               CmdID
	Kind             CmdKind
	Params           CmdParams
	BeginTimestampIdx uint64
	EndTimestampIdx   uint64
	HasBeginTimestamp bool
	HasEndTimestamp   bool

	// BeginSegmentTimestampIdx/EndSegmentTimestampIdx are populated only
	// for CmdBeginRenderPass/CmdEndRenderPass, bracketing the driver call
	// itself rather than the GPU work it encloses (spec §4.4 "Render
	// passes"; original_source equivalent: the begin/end overhead pair
	// around vkCmdBeginRenderPass/vkCmdEndRenderPass).
	HasSegmentTimestamps      bool
	BeginSegmentTimestampIdx  uint64
	EndSegmentTimestampIdx    uint64
}
