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
	"fmt"

	timestamppb "github.com/golang/protobuf/ptypes/timestamp"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/resolve"
)

func hostClockBefore(a, b *timestamppb.Timestamp) bool {
	if a == nil || b == nil {
		return b != nil
	}
	if a.Seconds != b.Seconds {
		return a.Seconds < b.Seconds
	}
	return a.Nanos < b.Nanos
}

const nsPerMs = 1e6

// treeBuilder walks resolved submit batches depth-first and produces the
// reportable RegionData tree (spec §4.7 step 1). The pipeline level is
// synthesized here by grouping consecutive commands that share the active
// pipeline within a subpass; it is not part of the recorded sequence.
type treeBuilder struct {
	names NameSource
}

func (b *treeBuilder) name(h api.Handle) string {
	if b.names != nil {
		return b.names.Name(h)
	}
	return fmt.Sprintf("0x%x", uint64(h))
}

// BuildFrameTree builds and returns the frame's tree. The window's batches
// must already be in host-clock order.
func (b *treeBuilder) BuildFrameTree(window []*resolve.BatchResult) *api.RegionData {
	frame := &api.RegionData{Type: api.RegionFrame, Name: "frame"}
	for _, batch := range window {
		frame.Children = append(frame.Children, b.buildSubmitBatch(batch))
	}
	for _, c := range frame.Children {
		frame.Duration += c.Duration
	}
	return frame
}

func (b *treeBuilder) buildSubmitBatch(batch *resolve.BatchResult) *api.RegionData {
	node := &api.RegionData{
		Type: api.RegionSubmit,
		Name: b.name(batch.Queue),
		Properties: api.RegionProperties{
			QueueHandle:    batch.Queue,
			HostSubmitTime: batch.HostClock,
		},
	}
	for i := range batch.Submits {
		si := &api.RegionData{Type: api.RegionSubmitInfo, Name: fmt.Sprintf("submit %d", i)}
		for j := range batch.Submits[i].Records {
			cb := b.buildCommandBuffer(&batch.Submits[i].Records[j])
			si.Children = append(si.Children, cb)
			si.Duration += cb.Duration
		}
		node.Children = append(node.Children, si)
		node.Duration += si.Duration
	}
	return node
}

// cursor tracks where the walk currently appends command nodes: the
// command-buffer level, a subpass inside an open render pass, or a
// synthetic pipeline group inside either.
type cursor struct {
	cb         *api.RegionData
	renderPass *api.RegionData
	subpass    *api.RegionData
	pipeline   *api.RegionData

	bound [3]struct {
		ok          bool
		handle      api.Handle
		fingerprint api.Fingerprint
	}
}

func (c *cursor) container() *api.RegionData {
	if c.subpass != nil {
		return c.subpass
	}
	return c.cb
}

// closePipeline seals the current pipeline group, if any.
func (c *cursor) closePipeline() { c.pipeline = nil }

func (b *treeBuilder) buildCommandBuffer(rr *resolve.RecordResult) *api.RegionData {
	cb := &api.RegionData{
		Type:       api.RegionCommandBuffer,
		Name:       b.name(rr.Record.Handle),
		Duration:   rr.DurationNs / nsPerMs,
		Unresolved: rr.Unresolved,
		Properties: api.RegionProperties{Degraded: rr.Degraded},
		Counters:   rr.Counters,
	}

	cur := &cursor{cb: cb}
	for i := range rr.Commands {
		b.buildCommand(cur, &rr.Commands[i])
	}
	closeDurations(cb)
	return cb
}

// kindBindPoint maps a pipeline-consuming command kind to the bind point
// whose bound pipeline it is credited to. Ray tracing is attribution-
// equivalent to compute but keeps its own bind point slot.
func kindBindPoint(kind api.CmdKind) api.BindPoint {
	switch kind {
	case api.CmdDispatch, api.CmdBuildAccelerationStructure:
		return api.BindCompute
	case api.CmdTraceRays:
		return api.BindRayTracing
	default:
		return api.BindGraphics
	}
}

func (b *treeBuilder) buildCommand(cur *cursor, cr *resolve.CommandResult) {
	cmd := cr.Command
	switch cmd.Kind {
	case api.CmdBeginRenderPass:
		cur.closePipeline()
		rp := &api.RegionData{
			Type: api.RegionRenderPass,
			Name: b.name(cmd.Params.RenderPass),
			Properties: api.RegionProperties{
				CmdKind: cmd.Kind,
			},
		}
		if cr.HasSegment {
			rp.HasSegmentDurations = true
			rp.BeginDuration = (cr.SegmentEndNs - cr.SegmentBeginNs) / nsPerMs
		}
		cur.cb.Children = append(cur.cb.Children, rp)
		cur.renderPass = rp
		cur.subpass = b.newSubpass(rp, cmd.Params.Subpass, cmd.Params.SubpassContents)

	case api.CmdNextSubpass:
		cur.closePipeline()
		if cur.renderPass != nil {
			cur.subpass = b.newSubpass(cur.renderPass, cmd.Params.Subpass, cmd.Params.SubpassContents)
		}

	case api.CmdEndRenderPass:
		cur.closePipeline()
		if cur.renderPass != nil && cr.HasSegment {
			cur.renderPass.HasSegmentDurations = true
			cur.renderPass.EndDuration = (cr.SegmentEndNs - cr.SegmentBeginNs) / nsPerMs
		}
		cur.renderPass = nil
		cur.subpass = nil

	case api.CmdBindPipeline:
		cur.closePipeline()
		slot := &cur.bound[cmd.Params.BindPoint]
		slot.ok = true
		slot.handle = cmd.Params.Pipeline
		slot.fingerprint = cmd.Params.PipelineFingerprint

	case api.CmdExecuteCommands:
		cur.closePipeline()
		node := b.commandNode(cr)
		for i := range cr.Secondaries {
			sec := b.buildCommandBuffer(&cr.Secondaries[i])
			node.Children = append(node.Children, sec)
		}
		cur.container().Children = append(cur.container().Children, node)

	default:
		if cmd.Kind.DrawsOrDispatches() {
			b.appendToPipeline(cur, cr)
			return
		}
		cur.closePipeline()
		cur.container().Children = append(cur.container().Children, b.commandNode(cr))
	}
}

func (b *treeBuilder) newSubpass(rp *api.RegionData, index uint32, contents api.SubpassContents) *api.RegionData {
	sp := &api.RegionData{
		Type: api.RegionSubpass,
		Name: fmt.Sprintf("subpass %d", index),
		Properties: api.RegionProperties{
			SubpassIndex: index,
			Contents:     contents,
		},
	}
	rp.Children = append(rp.Children, sp)
	return sp
}

// appendToPipeline puts a pipeline-consuming command under the synthetic
// pipeline group for its bind point, opening a new group when the bound
// pipeline changed since the previous command.
func (b *treeBuilder) appendToPipeline(cur *cursor, cr *resolve.CommandResult) {
	bp := kindBindPoint(cr.Command.Kind)
	slot := cur.bound[bp]

	node := b.commandNode(cr)
	if !slot.ok {
		// Draw without a recorded bind: the state was inherited from
		// outside this record (secondary inheritance); report the command
		// directly, unattributed.
		cur.container().Children = append(cur.container().Children, node)
		return
	}

	if cur.pipeline == nil ||
		cur.pipeline.Properties.PipelineHandle != slot.handle ||
		cur.pipeline.Properties.BindPoint != bp {
		cur.pipeline = &api.RegionData{
			Type: api.RegionPipeline,
			Name: b.name(slot.handle),
			Properties: api.RegionProperties{
				PipelineHandle: slot.handle,
				BindPoint:      bp,
			},
		}
		cur.container().Children = append(cur.container().Children, cur.pipeline)
	}
	cur.pipeline.Children = append(cur.pipeline.Children, node)
	cur.pipeline.Duration += node.Duration
}

func (b *treeBuilder) commandNode(cr *resolve.CommandResult) *api.RegionData {
	name := cr.Command.Kind.String()
	if cr.Command.Kind == api.CmdDebugLabel {
		name = cr.Command.Params.Label
	}
	return &api.RegionData{
		Type:       api.RegionCommand,
		Name:       name,
		Duration:   cr.DurationNs / nsPerMs,
		Unresolved: cr.Unresolved,
		Properties: api.RegionProperties{CmdKind: cr.Command.Kind},
	}
}

// closeDurations fills in durations for container nodes that accumulate
// from their children (render passes and subpasses: last-end minus
// first-begin approximated bottom-up as the sum of child durations when no
// direct timestamps exist on the container).
func closeDurations(n *api.RegionData) {
	for _, c := range n.Children {
		closeDurations(c)
	}
	switch n.Type {
	case api.RegionRenderPass, api.RegionSubpass:
		if n.Duration == 0 {
			for _, c := range n.Children {
				n.Duration += c.Duration
			}
		}
	}
}

// pruneForMode truncates the tree below the level named by mode (spec §6
// "set sampling mode").
func pruneForMode(n *api.RegionData, mode SamplingMode) {
	if n == nil {
		return
	}
	if cutBelow(n.Type, mode) {
		n.Children = nil
		return
	}
	for _, c := range n.Children {
		pruneForMode(c, mode)
	}
}

func cutBelow(t api.RegionType, mode SamplingMode) bool {
	switch mode {
	case SamplingFrame:
		return t == api.RegionFrame
	case SamplingSubmit:
		return t == api.RegionSubmit
	case SamplingCommandBuffer:
		return t == api.RegionCommandBuffer
	case SamplingRenderPass:
		return t == api.RegionRenderPass
	case SamplingPipeline:
		return t == api.RegionPipeline
	default:
		return false
	}
}
