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

// Package submit implements C5: capturing queue-submit batches, the host
// monotonic timestamp taken at submission, and the completion fence each
// batch owns (spec §4.5).
package submit

import (
	"context"
	"time"

	"github.com/golang/protobuf/ptypes"
	timestamppb "github.com/golang/protobuf/ptypes/timestamp"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/internal/plog"
	"github.com/vklayers/profiler/internal/task"
	"github.com/vklayers/profiler/recorder"
)

// Fence is a completion fence, either application-provided or internally
// owned (spec §4.5 step 3: "If the application did not provide a fence,
// append an internally owned fence to track completion").
type Fence interface {
	// Signaled fires once the submission this fence tracks has completed
	// on the GPU.
	Signaled() task.Signal
}

// OwnedFence is a Fence the tracker creates and owns when the application
// submitted without one. Something outside this package (the profiler's
// fence-poller, wired to the real vkWaitForFences/vkGetFenceStatus calls)
// must call Fire once the GPU work completes.
type OwnedFence struct {
	signal task.Signal
	fire   task.Fire
}

// NewOwnedFence constructs an unsignaled owned fence.
func NewOwnedFence() *OwnedFence {
	s, f := task.NewSignal()
	return &OwnedFence{signal: s, fire: f}
}

func (f *OwnedFence) Signaled() task.Signal { return f.signal }

// Fire marks the fence signaled. Must be called at most once.
func (f *OwnedFence) Fire() { f.fire() }

// Submit is one element of a Batch: the command buffers submitted
// together in a single VkSubmitInfo.
type Submit struct {
	CommandBuffers []*recorder.Record
}

// Batch is a captured queue-submit batch (spec §3 "Submit batch"). It
// borrows command-buffer records; ownership transfers to the batch only
// if the application frees a still-Pending record before the fence
// signals (see Batch.Detach).
type Batch struct {
	Queue     api.Handle
	HostClock *timestamppb.Timestamp
	Submits   []Submit
	Fence     Fence

	// detached holds records the application freed while still Pending;
	// the batch becomes their exclusive owner until the resolver
	// consumes them, at which point they are discarded (spec §4.5).
	detached []*recorder.Record
}

// Backend forwards the native vkQueueSubmit call. fence is guaranteed
// non-nil: the tracker supplies an internally-owned one if the
// application did not provide a fence.
type Backend interface {
	Submit(ctx context.Context, queue api.Handle, submits []Submit, fence Fence) error
}

// Sink is the next stage's ingestion point — the result resolver (C6),
// which the spec requires batches reach "in application submit order per
// queue" (§5 "Ordering guarantees").
type Sink interface {
	Enqueue(ctx context.Context, batch *Batch) error
}

// Tracker implements C5.
type Tracker struct {
	backend Backend
	sink    Sink
	now     func() time.Time
}

// New constructs a submit tracker forwarding to backend and handing
// captured batches to sink for resolution.
func New(backend Backend, sink Sink) *Tracker {
	return &Tracker{backend: backend, sink: sink, now: time.Now}
}

// Submit performs the five steps of spec §4.5. Command buffers that
// aren't Executable are excluded from tracking and logged (submit is a
// hot path: profiling never fails the application's call), but the
// native submit is always attempted for every command buffer, tracked or
// not.
func (t *Tracker) Submit(ctx context.Context, queue api.Handle, submits []Submit, appFence Fence) error {
	tracked := make([]Submit, len(submits))
	for i, s := range submits {
		var cbs []*recorder.Record
		for _, cb := range s.CommandBuffers {
			if err := cb.MarkPending(); err != nil {
				plog.V(ctx).With("commandBuffer", cb.Handle, "cause", err).
					Warning("command buffer not executable at submit time; excluding from trace")
				continue
			}
			cbs = append(cbs, cb)
		}
		tracked[i] = Submit{CommandBuffers: cbs}
	}

	fence := appFence
	if fence == nil {
		fence = NewOwnedFence()
	}

	hostClock, err := ptypes.TimestampProto(t.now())
	if err != nil {
		return perrors.Wrap(err, "capture host submit clock")
	}

	if err := t.backend.Submit(ctx, queue, submits, fence); err != nil {
		return err
	}

	batch := &Batch{Queue: queue, HostClock: hostClock, Submits: tracked, Fence: fence}
	return t.sink.Enqueue(ctx, batch)
}

// Detach transfers ownership of cb to batch: the application freed a
// still-Pending command buffer, so its command pool can no longer be
// trusted to keep it alive (spec §4.5, §3 "Ownership summary"). The
// caller (the owning command pool) must not touch cb again afterward.
func (b *Batch) Detach(cb *recorder.Record) {
	b.detached = append(b.detached, cb)
}

// Detached returns the records this batch took exclusive ownership of.
func (b *Batch) Detached() []*recorder.Record { return b.detached }
