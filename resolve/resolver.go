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

// Package resolve implements C6: once a submit batch's fence signals, it
// turns raw timestamp ticks and counter report bytes into nanoseconds and
// a canonical counter vector, grounded on
// original_source/VkLayer_profiler_layer/profiler/profiler_data_aggregator.cpp's
// result-gathering pass.
package resolve

import (
	"context"
	"sync"

	timestamppb "github.com/golang/protobuf/ptypes/timestamp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/counterprovider"
	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/internal/plog"
	"github.com/vklayers/profiler/internal/task"
	"github.com/vklayers/profiler/recorder"
	"github.com/vklayers/profiler/submit"
)

// Clock is the tick-to-nanosecond conversion for one queue family, read
// from VkPhysicalDeviceLimits (spec §4.6 "timestamp_period_ns ... from
// physical-device limits").
type Clock struct {
	PeriodNs  float64
	ValidBits uint32
}

// mask returns the bitmask of the valid low bits of a raw tick value
// (spec §9 "timestampValidBits < 64 must be respected per queue family").
func (c Clock) mask() uint64 {
	if c.ValidBits == 0 || c.ValidBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << c.ValidBits) - 1
}

// wrapCorrect pairs begin/end raw ticks, treating end < begin as a single
// counter wraparound (spec §4.6 edge case).
func (c Clock) wrapCorrect(begin, end uint64) uint64 {
	m := c.mask()
	begin &= m
	end &= m
	if end < begin {
		end += m + 1
	}
	return end
}

// delta returns the wrap-corrected tick count from begin to end.
func (c Clock) delta(begin, end uint64) uint64 {
	return c.wrapCorrect(begin, end) - (begin & c.mask())
}

// ClockSource supplies the resolver a Clock per queue family.
type ClockSource interface {
	Clock(queueFamily uint32) Clock
}

// CounterReport is implemented by a counterprovider.Pool that also
// supports host readback of its raw report bytes. The None backend never
// attaches a counter pool to a record. The KHR backend's pool does not
// implement this interface, so a record carrying a KHR counter pool
// resolves without counters and the failed readback is logged.
type CounterReport interface {
	ReadResults() ([]byte, error)
}

// CommandResult is one command's resolved timing, in nanoseconds relative
// to the command buffer's own begin timestamp. DurationTicks keeps the raw
// wrap-corrected tick delta alongside the converted value because the frame
// aggregator's top-pipelines list sums ticks, not nanoseconds (spec §4.7).
type CommandResult struct {
	Command       api.Command
	BeginNs       float64
	EndNs         float64
	DurationNs    float64
	DurationTicks uint64
	Unresolved    bool

	HasSegment     bool
	SegmentBeginNs float64
	SegmentEndNs   float64

	// Secondaries holds the resolved records of the secondary command
	// buffers referenced by a CmdExecuteCommands command; the aggregator
	// recurses into them rather than flattening (spec §4.4
	// "Execute-commands").
	Secondaries []RecordResult
}

// RecordResult is one command-buffer record's resolved commands and
// overall duration (spec §4.6 "Computes command-buffer and render-pass
// durations as (last-end - first-begin)").
type RecordResult struct {
	Record        *recorder.Record
	Commands      []CommandResult
	BeginNs       float64
	EndNs         float64
	DurationNs    float64
	DurationTicks uint64
	Unresolved    bool
	Degraded      bool
	Counters      []api.CounterValue
}

// SubmitResult mirrors a submit.Submit with resolved command-buffer
// records.
type SubmitResult struct {
	Records []RecordResult
}

// BatchResult is a fully resolved submit.Batch, ready for the frame
// aggregator (spec §4.6 "Moves the fully resolved record into the
// aggregator's per-frame queue").
type BatchResult struct {
	Queue     api.Handle
	HostClock *timestamppb.Timestamp
	Submits   []SubmitResult
}

// Sink is C7's ingestion point.
type Sink interface {
	Ingest(ctx context.Context, batch *BatchResult) error
}

// RecordSource resolves a secondary command buffer's handle, as referenced
// by an execute-commands command, back to its record. Implemented by the
// device profiler's command-buffer table; a nil source leaves
// execute-commands nodes without resolved secondaries.
type RecordSource interface {
	RecordFor(handle api.Handle) (*recorder.Record, bool)
}

// Resolver implements C6. It runs on a bounded worker pool: batches are
// handed to it by the submit tracker as soon as the native submit call
// returns, and each is resolved only after its fence signals (spec §5
// "wait-for-fence in the resolver thread (bounded by GPU progress)").
type Resolver struct {
	clocks   ClockSource
	provider counterprovider.Provider
	sink     Sink
	records  RecordSource
	sem      *semaphore.Weighted

	mu      sync.Mutex
	pending []*submit.Batch
	notify  chan struct{}

	stop *task.StopSignal
}

// New constructs a resolver that resolves up to workers batches
// concurrently. records may be nil if execute-commands recursion is not
// needed (e.g. in tests that only submit primaries).
func New(clocks ClockSource, provider counterprovider.Provider, sink Sink, records RecordSource, workers int64) *Resolver {
	if workers <= 0 {
		workers = 1
	}
	return &Resolver{
		clocks:   clocks,
		provider: provider,
		sink:     sink,
		records:  records,
		sem:      semaphore.NewWeighted(workers),
		notify:   make(chan struct{}, 1),
		stop:     task.NewStopSignal(),
	}
}

// Enqueue implements submit.Sink.
func (r *Resolver) Enqueue(ctx context.Context, batch *submit.Batch) error {
	r.mu.Lock()
	r.pending = append(r.pending, batch)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *Resolver) dequeue() *submit.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	b := r.pending[0]
	r.pending = r.pending[1:]
	return b
}

// Stop requests Run to drain and return; MarkDone is called once it has
// (spec §5 "the memory sampler has a stop-signal + cv" — the resolver
// uses the same protocol).
func (r *Resolver) Stop() { r.stop.Stop() }

// Wait blocks until Run has returned after Stop.
func (r *Resolver) Wait() { r.stop.Wait() }

// Run drains the pending queue until ctx is canceled or Stop is called.
// Individual batch failures are logged and do not stop the loop (spec §7
// "Background threads: log and continue; never terminate the process").
// On ctx cancellation (device destroy while work is in-flight) any batch
// still waiting on its fence is dropped with zero timeout (spec §5
// "Cancellation/timeout").
func (r *Resolver) Run(ctx context.Context) error {
	defer r.stop.MarkDone()
	g, gctx := errgroup.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-r.stop.Stopping():
			return g.Wait()
		case <-r.notify:
		}

		for {
			batch := r.dequeue()
			if batch == nil {
				break
			}
			if err := r.sem.Acquire(gctx, 1); err != nil {
				return g.Wait()
			}
			b := batch
			g.Go(func() error {
				defer r.sem.Release(1)
				if err := r.resolveOne(gctx, b); err != nil {
					plog.V(gctx).With("queue", b.Queue, "cause", err).Warning("discarding unresolved submit batch")
				}
				return nil
			})
		}
	}
}

// resolveOne waits for batch's fence then resolves every tracked command
// buffer in it (spec §4.6).
func (r *Resolver) resolveOne(ctx context.Context, batch *submit.Batch) error {
	if !batch.Fence.Signaled().Wait(ctx) {
		return perrors.Wrap(perrors.Internal, "device destroyed with submit batch still in-flight")
	}

	result := &BatchResult{Queue: batch.Queue, HostClock: batch.HostClock}
	for _, s := range batch.Submits {
		sr := SubmitResult{Records: make([]RecordResult, 0, len(s.CommandBuffers))}
		for _, cb := range s.CommandBuffers {
			rr := r.resolveRecord(ctx, cb)
			sr.Records = append(sr.Records, rr)
			if err := cb.MarkExecutableAfterFence(); err != nil {
				plog.V(ctx).With("commandBuffer", cb.Handle, "cause", err).
					Warning("command buffer left in unexpected state after fence signal")
			}
		}
		result.Submits = append(result.Submits, sr)
	}
	return r.sink.Ingest(ctx, result)
}

// resolveRecord turns one command buffer's raw timestamp ticks into
// nanoseconds and, if a counter pool is attached, its raw report bytes
// into a canonical counter vector.
func (r *Resolver) resolveRecord(ctx context.Context, cb *recorder.Record) RecordResult {
	rr := RecordResult{Record: cb, Degraded: cb.Degraded}

	if cb.Degraded || cb.Queries == nil {
		rr.Unresolved = true
		return rr
	}

	clock := r.clocks.Clock(cb.QueueFamilyIndex)

	var ticks []uint64
	if err := cb.Queries.WriteResults(func(values []uint64) error {
		ticks = append(ticks, values...)
		return nil
	}); err != nil {
		plog.V(ctx).With("commandBuffer", cb.Handle, "cause", err).Warning("failed to read back timestamp query pool")
		rr.Unresolved = true
		return rr
	}

	at := func(idx uint64) (uint64, bool) {
		if idx >= uint64(len(ticks)) {
			return 0, false
		}
		return ticks[idx], true
	}
	toNs := func(deltaTicks uint64) float64 {
		return float64(deltaTicks) * clock.PeriodNs
	}

	var firstBegin, lastEnd uint64
	haveFirst, haveLast := false, false

	if beginRaw, ok := at(cb.BeginTimestampIdx); ok && cb.HasBeginTimestamp {
		firstBegin, haveFirst = beginRaw, true
	}
	if endRaw, ok := at(cb.EndTimestampIdx); ok && cb.HasEndTimestamp {
		lastEnd, haveLast = endRaw, true
	}
	if haveFirst && haveLast {
		rr.BeginNs = 0
		rr.DurationTicks = clock.delta(firstBegin, lastEnd)
		rr.EndNs = toNs(rr.DurationTicks)
		rr.DurationNs = rr.EndNs
	} else {
		rr.Unresolved = true
	}

	rr.Commands = make([]CommandResult, len(cb.Commands))
	for i, cmd := range cb.Commands {
		cr := CommandResult{Command: cmd}
		beginRaw, haveB := at(cmd.BeginTimestampIdx)
		endRaw, haveE := at(cmd.EndTimestampIdx)
		if cmd.HasBeginTimestamp && cmd.HasEndTimestamp && haveB && haveE && haveFirst {
			cr.BeginNs = toNs(clock.delta(firstBegin, beginRaw))
			cr.DurationTicks = clock.delta(beginRaw, endRaw)
			cr.EndNs = cr.BeginNs + toNs(cr.DurationTicks)
			cr.DurationNs = cr.EndNs - cr.BeginNs
		} else {
			cr.Unresolved = true
		}

		if cmd.HasSegmentTimestamps {
			segBeginRaw, haveSB := at(cmd.BeginSegmentTimestampIdx)
			segEndRaw, haveSE := at(cmd.EndSegmentTimestampIdx)
			if haveSB && haveSE && haveFirst {
				cr.HasSegment = true
				cr.SegmentBeginNs = toNs(clock.delta(firstBegin, segBeginRaw))
				cr.SegmentEndNs = cr.SegmentBeginNs + toNs(clock.delta(segBeginRaw, segEndRaw))
			}
		}

		if cmd.Kind == api.CmdExecuteCommands && r.records != nil {
			for _, h := range cmd.Params.SecondaryCommandBuffers {
				sec, ok := r.records.RecordFor(h)
				if !ok {
					plog.V(ctx).With("commandBuffer", h).Warning("execute-commands references unknown secondary command buffer")
					continue
				}
				cr.Secondaries = append(cr.Secondaries, r.resolveRecord(ctx, sec))
			}
		}
		rr.Commands[i] = cr
	}

	if cb.Counters != nil {
		counters, err := r.resolveCounters(cb)
		if err != nil {
			plog.V(ctx).With("commandBuffer", cb.Handle, "cause", err).Warning("failed to parse performance counter report")
		} else {
			rr.Counters = counters
		}
	}

	return rr
}

func (r *Resolver) resolveCounters(cb *recorder.Record) ([]api.CounterValue, error) {
	reader, ok := cb.Counters.(CounterReport)
	if !ok {
		return nil, perrors.Wrap(perrors.Internal, "counter pool does not support readback")
	}
	raw, err := reader.ReadResults()
	if err != nil {
		return nil, perrors.Wrap(err, "read performance counter pool")
	}
	return r.provider.ParseReport(r.provider.ActiveMetricsSet(), cb.Counters.QueueFamily(), raw)
}
