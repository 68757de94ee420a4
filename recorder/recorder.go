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

package recorder

import (
	"context"
	"sync"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/counterprovider"
	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/internal/plog"
	"github.com/vklayers/profiler/query"
)

// pipelineBinding is the recording-time bookkeeping for one bind point; it
// is never consulted by the aggregator for attribution (see spec §4.4
// "Pipeline attribution" — that is resolved from the recorded Command
// sequence instead). The recorder writes it on each bind and clears it on
// begin; no code reads it back.
type pipelineBinding struct {
	bound       bool
	handle      api.Handle
	fingerprint api.Fingerprint
}

type renderPassState struct {
	active   bool
	record   *api.RenderPass
	subpass  uint32
	contents api.SubpassContents
}

// Record is a per-command-buffer record (spec §3 "Command-buffer
// record"). It is mutated only while in Recording state by one thread,
// per Vulkan's external-sync rules; the mutex exists solely to serialize
// the lifecycle transitions that cross threads (submit marks Pending,
// the resolver marks Executable-after-fence, free marks Invalid).
type Record struct {
	Handle           api.Handle
	Level            Level
	QueueFamilyIndex uint32

	mu    sync.Mutex
	state State

	Commands  []api.Command
	nextCmdID api.CmdID

	bound      [3]pipelineBinding
	renderPass renderPassState

	// Degraded is set once a query-pool growth failure means this and
	// every subsequent command in the record carries no timestamps
	// (spec §4.4 "Failure semantics").
	Degraded bool

	BeginTimestampIdx uint64
	EndTimestampIdx   uint64
	HasBeginTimestamp bool
	HasEndTimestamp   bool

	Queries  *query.Pool
	Counters counterprovider.Pool
	// CounterSet is the metrics set active when Counters was attached. If
	// the provider does not support query pool reuse and the active set
	// changes before submit, the pool is stale and must be dropped or
	// reallocated (spec §4.3 invariant).
	CounterSet int
}

// New constructs a command-buffer record in the Initial state.
func New(handle api.Handle, level Level, queueFamily uint32, queries *query.Pool) *Record {
	return &Record{Handle: handle, Level: level, QueueFamilyIndex: queueFamily, Queries: queries}
}

// State returns the record's current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Begin performs the Initial/Executable -> Recording transition,
// resetting all recorded commands and timestamps.
func (r *Record) Begin(ctx context.Context) error {
	return r.beginWith(ctx, begin)
}

func (r *Record) beginWith(ctx context.Context, transition func(State) (State, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := transition(r.state)
	if err != nil {
		return err
	}
	r.Commands = nil
	r.nextCmdID = 0
	r.bound = [3]pipelineBinding{}
	r.renderPass = renderPassState{}
	r.Degraded = false
	r.HasBeginTimestamp, r.HasEndTimestamp = false, false
	if r.Queries != nil {
		if err := r.Queries.Reset(); err != nil {
			return perrors.Wrap(err, "reset timestamp query pool on begin")
		}
	}
	r.state = next
	if next != StateRecording {
		return nil
	}

	if idx, err := r.writeTimestampLocked(query.StageTopOfPipe); err == nil {
		r.BeginTimestampIdx, r.HasBeginTimestamp = idx, true
	} else {
		r.degradeLocked(ctx, err)
	}
	return nil
}

// End performs the Recording -> Executable transition.
func (r *Record) End(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, err := r.writeTimestampLocked(query.StageBottomOfPipe); err == nil {
		r.EndTimestampIdx, r.HasEndTimestamp = idx, true
	} else {
		r.degradeLocked(ctx, err)
	}

	next, err := end(r.state)
	if err != nil {
		return err
	}
	r.state = next
	return nil
}

// MarkPending performs the Executable -> Pending transition (called by
// the submit tracker).
func (r *Record) MarkPending() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := markPending(r.state)
	if err != nil {
		return err
	}
	r.state = next
	return nil
}

// MarkExecutableAfterFence performs the Pending -> Executable transition
// once the owning submission's fence has signaled.
func (r *Record) MarkExecutableAfterFence() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := markExecutableAfterFence(r.state)
	if err != nil {
		return err
	}
	r.state = next
	return nil
}

// Invalidate forces the Invalid terminal state, used on external free or
// command-pool reset.
func (r *Record) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateInvalid
}

// Reset performs an explicit application-requested reset. It discards all
// queries and commands identically to Begin (spec §4.4 "otherwise resets
// discard all queries and commands"), landing in Initial rather than
// Recording.
func (r *Record) Reset(ctx context.Context) error {
	return r.beginWith(ctx, func(cur State) (State, error) {
		if _, err := reset(cur); err != nil {
			return cur, err
		}
		return StateInitial, nil
	})
}

func (r *Record) writeTimestampLocked(stage query.PipelineStage) (uint64, error) {
	if r.Queries == nil || r.Degraded {
		return 0, perrors.FeatureNotPresent
	}
	if err := r.Queries.Preallocate(); err != nil {
		return 0, err
	}
	return r.Queries.WriteTimestamp(stage)
}

func (r *Record) degradeLocked(ctx context.Context, err error) {
	if r.Degraded {
		return
	}
	r.Degraded = true
	plog.V(ctx).With("commandBuffer", r.Handle, "cause", err).Warning("timestamp query pool exhausted; degrading command buffer")
}

// stageForBegin selects the begin-timestamp pipeline stage for kind (spec
// §4.4: "top-of-pipe for draws/dispatches/traces; bottom-of-pipe when
// measuring whole-pass durations").
func stageForBegin(kind api.CmdKind) query.PipelineStage {
	switch kind {
	case api.CmdDraw, api.CmdDispatch, api.CmdTraceRays, api.CmdBuildAccelerationStructure:
		return query.StageTopOfPipe
	default:
		return query.StageBottomOfPipe
	}
}

// RecordCommand performs the five-step per-command wrapping of spec §4.4:
// ensure headroom, write a begin timestamp, append the Command entry,
// forward the call, write an end timestamp. The intercepted Vulkan call's
// own result (forward's return value) is always surfaced to the caller
// unchanged; profiling failures only set Degraded.
func (r *Record) RecordCommand(ctx context.Context, kind api.CmdKind, params api.CmdParams, forward func() error) error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return perrors.Wrap(perrors.Internal, "command recorded outside Recording state")
	}

	cmd := api.Command{ID: r.nextCmdID, Kind: kind, Params: params}
	r.nextCmdID++

	if idx, err := r.writeTimestampLocked(stageForBegin(kind)); err == nil {
		cmd.BeginTimestampIdx, cmd.HasBeginTimestamp = idx, true
	} else {
		r.degradeLocked(ctx, err)
	}

	switch kind {
	case api.CmdBindPipeline:
		bp := &r.bound[params.BindPoint]
		bp.bound, bp.handle, bp.fingerprint = true, params.Pipeline, params.PipelineFingerprint
	}
	r.mu.Unlock()

	err := forward()

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, qerr := r.writeTimestampLocked(query.StageBottomOfPipe); qerr == nil {
		cmd.EndTimestampIdx, cmd.HasEndTimestamp = idx, true
	} else {
		r.degradeLocked(ctx, qerr)
	}
	r.Commands = append(r.Commands, cmd)
	return err
}

// recordRenderPassSegment wraps a render-pass boundary command
// (begin/end) with both the usual begin/end timestamp pair and a nested
// "segment" pair that brackets only the driver call itself, so C6 can
// report the boundary's own overhead separately from the GPU work it
// delimits (spec §4.4 "Render passes").
func (r *Record) recordRenderPassSegment(ctx context.Context, kind api.CmdKind, params api.CmdParams, forward func() error) error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return perrors.Wrap(perrors.Internal, "command recorded outside Recording state")
	}

	cmd := api.Command{ID: r.nextCmdID, Kind: kind, Params: params, HasSegmentTimestamps: true}
	r.nextCmdID++

	if idx, err := r.writeTimestampLocked(stageForBegin(kind)); err == nil {
		cmd.BeginTimestampIdx, cmd.HasBeginTimestamp = idx, true
	} else {
		r.degradeLocked(ctx, err)
	}
	if idx, err := r.writeTimestampLocked(query.StageTopOfPipe); err == nil {
		cmd.BeginSegmentTimestampIdx = idx
	} else {
		r.degradeLocked(ctx, err)
	}
	r.mu.Unlock()

	err := forward()

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, qerr := r.writeTimestampLocked(query.StageBottomOfPipe); qerr == nil {
		cmd.EndSegmentTimestampIdx = idx
	} else {
		r.degradeLocked(ctx, qerr)
	}
	if idx, qerr := r.writeTimestampLocked(query.StageBottomOfPipe); qerr == nil {
		cmd.EndTimestampIdx, cmd.HasEndTimestamp = idx, true
	} else {
		r.degradeLocked(ctx, qerr)
	}
	r.Commands = append(r.Commands, cmd)
	return err
}

// BeginRenderPass begins rp at subpass 0 (spec §4.4 "Render passes").
func (r *Record) BeginRenderPass(ctx context.Context, rp *api.RenderPass, forward func() error) error {
	sub, ok := rp.SubpassAt(0)
	if !ok {
		return perrors.Wrap(perrors.ValidationFailed, "render pass has no subpasses")
	}
	r.mu.Lock()
	r.renderPass = renderPassState{active: true, record: rp, subpass: 0, contents: sub.Contents}
	r.mu.Unlock()

	return r.recordRenderPassSegment(ctx, api.CmdBeginRenderPass, api.CmdParams{
		RenderPass: rp.Handle, Subpass: 0, SubpassContents: sub.Contents,
	}, forward)
}

// NextSubpass advances to the next subpass, validating the new index
// against the active render-pass record (spec §3 invariant).
func (r *Record) NextSubpass(ctx context.Context, forward func() error) error {
	r.mu.Lock()
	if !r.renderPass.active {
		r.mu.Unlock()
		return perrors.Wrap(perrors.Internal, "next-subpass without active render pass")
	}
	next := r.renderPass.subpass + 1
	sub, ok := r.renderPass.record.SubpassAt(next)
	if !ok {
		r.mu.Unlock()
		return perrors.Wrap(perrors.ValidationFailed, "subpass index out of range for render pass")
	}
	r.renderPass.subpass, r.renderPass.contents = next, sub.Contents
	rp := r.renderPass.record
	r.mu.Unlock()

	return r.RecordCommand(ctx, api.CmdNextSubpass, api.CmdParams{
		RenderPass: rp.Handle, Subpass: next, SubpassContents: sub.Contents,
	}, forward)
}

// EndRenderPass ends the active render pass.
func (r *Record) EndRenderPass(ctx context.Context, forward func() error) error {
	r.mu.Lock()
	if !r.renderPass.active {
		r.mu.Unlock()
		return perrors.Wrap(perrors.Internal, "end-render-pass without active render pass")
	}
	rp := r.renderPass.record
	subpass := r.renderPass.subpass
	r.mu.Unlock()

	err := r.recordRenderPassSegment(ctx, api.CmdEndRenderPass, api.CmdParams{
		RenderPass: rp.Handle, Subpass: subpass,
	}, forward)

	r.mu.Lock()
	r.renderPass = renderPassState{}
	r.mu.Unlock()
	return err
}

// ExecuteCommands records a reference to secondary command buffers
// without flattening them; the aggregator recurses into them later
// (spec §4.4 "Execute-commands").
func (r *Record) ExecuteCommands(ctx context.Context, secondaries []api.Handle, forward func() error) error {
	return r.RecordCommand(ctx, api.CmdExecuteCommands, api.CmdParams{
		SecondaryCommandBuffers: secondaries,
	}, forward)
}
