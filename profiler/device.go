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

// Package profiler wires C1-C10 into the per-logical-GPU device profiler
// singleton (spec §3 "Device profiler"). The layer's dispatch plumbing
// (out of scope) routes every intercepted call here via the process-wide
// device registry.
package profiler

import (
	"context"
	"crypto/sha1"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vklayers/profiler/aggregate"
	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/counterprovider"
	"github.com/vklayers/profiler/debugnames"
	"github.com/vklayers/profiler/dispatch"
	"github.com/vklayers/profiler/ext"
	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/internal/plog"
	"github.com/vklayers/profiler/memprofile"
	"github.com/vklayers/profiler/query"
	"github.com/vklayers/profiler/recorder"
	"github.com/vklayers/profiler/resolve"
	"github.com/vklayers/profiler/submit"
)

// Options configures NewDevice.
type Options struct {
	Config       Config
	Chain        DispatchChain
	QueryBackend query.Backend
	// Provider is the counter capability; nil selects counterprovider.None.
	Provider counterprovider.Provider
	// Clocks maps queue family index to its timestamp clock, from
	// VkPhysicalDeviceLimits and the queue family properties.
	Clocks map[uint32]resolve.Clock
	// Allocator is the application's allocation callbacks; nil selects the
	// system allocator.
	Allocator memprofile.Allocator
	// Metrics is the registry scrape target; nil disables registration.
	Metrics prometheus.Registerer
}

// Device is the device profiler singleton for one logical GPU.
type Device struct {
	config   Config
	chain    DispatchChain
	provider counterprovider.Provider
	backend  query.Backend
	clocks   map[uint32]resolve.Clock

	pipelines      *table[*api.Pipeline]
	renderPasses   *table[*api.RenderPass]
	shaders        *table[api.Fingerprint]
	commandBuffers *table[*recorder.Record]
	queueFamilies  *table[uint32]

	// inFlight associates a Pending record with the batch that borrowed
	// it, so a late free can transfer ownership (spec §4.5).
	inFlightMu sync.Mutex
	inFlight   map[*recorder.Record]*submit.Batch

	names    *debugnames.Registry
	agg      *aggregate.Aggregator
	tracker  *submit.Tracker
	resolver *resolve.Resolver
	mem      *memprofile.Profiler
	surface  *ext.Surface

	bg     *errgroup.Group
	cancel context.CancelFunc
}

// NewDevice constructs and starts a device profiler. On partial
// initialization failure everything already brought up is rolled back
// and the underlying error is surfaced unchanged (spec §7 "Creation
// paths").
func NewDevice(ctx context.Context, opts Options) (*Device, error) {
	if opts.Chain == nil || opts.QueryBackend == nil {
		return nil, perrors.Wrap(perrors.InitializationFailed, "device profiler needs a dispatch chain and a query backend")
	}
	provider := opts.Provider
	if provider == nil || !opts.Config.EnablePerformanceQuery {
		provider = counterprovider.None{}
	}
	if err := provider.Initialize(ctx); err != nil {
		return nil, perrors.Wrap(err, "initialize counter provider")
	}

	d := &Device{
		config:         opts.Config,
		chain:          opts.Chain,
		provider:       provider,
		backend:        opts.QueryBackend,
		clocks:         opts.Clocks,
		pipelines:      newTable[*api.Pipeline](),
		renderPasses:   newTable[*api.RenderPass](),
		shaders:        newTable[api.Fingerprint](),
		commandBuffers: newTable[*recorder.Record](),
		queueFamilies:  newTable[uint32](),
		inFlight:       make(map[*recorder.Record]*submit.Batch),
		names:          debugnames.New(),
	}

	d.agg = aggregate.New(provider, d.names, aggregate.NewMetrics(opts.Metrics))
	d.agg.SetSamplingMode(opts.Config.SamplingMode)
	d.agg.SetDelimiter(opts.Config.FrameDelimiter, opts.Config.FrameCount)

	d.resolver = resolve.New(d, provider, resolveSink{d}, recordSource{d}, int64(opts.Config.ResolverWorkers))
	d.tracker = submit.New(chainBackend{d.chain}, submitSink{d})
	d.surface = ext.New(d.agg, provider)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.bg, bgCtx = errgroup.WithContext(bgCtx)
	d.bg.Go(func() error { return d.resolver.Run(bgCtx) })

	if opts.Config.EnableMemoryProfiler {
		d.mem = memprofile.New(opts.Allocator, opts.Config.SamplerInterval, memprofile.NewMetrics(opts.Metrics))
		d.bg.Go(func() error { return d.mem.Run(bgCtx) })
	}
	return d, nil
}

// Close stops the background threads and drops unresolved work. The
// cancel comes before the join so a resolver blocked on a fence the GPU
// will never signal drains with zero timeout and discards the batch
// (spec §5 "Cancellation/timeout").
func (d *Device) Close() {
	d.resolver.Stop()
	if d.mem != nil {
		d.mem.Stop()
	}
	d.cancel()
	d.resolver.Wait()
	if d.mem != nil {
		d.mem.Wait()
	}
	_ = d.bg.Wait()
}

// Extension returns the device's EXT_profiler surface (C10).
func (d *Device) Extension() *ext.Surface { return d.surface }

// Memory returns the memory profiler, or nil if disabled.
func (d *Device) Memory() *memprofile.Profiler { return d.mem }

// Names returns the debug-object registry (C9), populated by the layer's
// debug-utils interceptions.
func (d *Device) Names() *debugnames.Registry { return d.names }

// Clock implements resolve.ClockSource from the device limits captured at
// creation. An unknown family falls back to an identity clock so resolve
// still produces tick counts.
func (d *Device) Clock(queueFamily uint32) resolve.Clock {
	if c, ok := d.clocks[queueFamily]; ok {
		return c
	}
	return resolve.Clock{PeriodNs: 1, ValidBits: 64}
}

// recordSource adapts the command-buffer table to resolve.RecordSource.
type recordSource struct{ d *Device }

func (r recordSource) RecordFor(h api.Handle) (*recorder.Record, bool) {
	return r.d.commandBuffers.get(h)
}

// chainBackend adapts the dispatch chain to submit.Backend.
type chainBackend struct{ chain DispatchChain }

func (b chainBackend) Submit(ctx context.Context, queue api.Handle, submits []submit.Submit, fence submit.Fence) error {
	return b.chain.Submit(ctx, queue, submits, fence)
}

// submitSink interposes between the tracker and the resolver to note
// which batch borrowed which records, for late-free ownership transfer.
type submitSink struct{ d *Device }

func (s submitSink) Enqueue(ctx context.Context, batch *submit.Batch) error {
	s.d.inFlightMu.Lock()
	for _, sub := range batch.Submits {
		for _, cb := range sub.CommandBuffers {
			s.d.inFlight[cb] = batch
		}
	}
	s.d.inFlightMu.Unlock()
	return s.d.resolver.Enqueue(ctx, batch)
}

// resolveSink interposes between the resolver and the aggregator to drop
// the in-flight associations of consumed records.
type resolveSink struct{ d *Device }

func (s resolveSink) Ingest(ctx context.Context, batch *resolve.BatchResult) error {
	s.d.inFlightMu.Lock()
	for _, sub := range batch.Submits {
		for _, rr := range sub.Records {
			delete(s.d.inFlight, rr.Record)
		}
	}
	s.d.inFlightMu.Unlock()
	return s.d.agg.Ingest(ctx, batch)
}

// RegisterQueue records a device queue's family for later lookup through
// QueueFamily. The resolver picks its clock from each record's own
// QueueFamilyIndex, not from this table.
func (d *Device) RegisterQueue(queue api.Handle, family uint32) {
	d.queueFamilies.put(queue, family)
}

// QueueFamily returns the family a registered queue belongs to, and false
// for a queue that was never registered.
func (d *Device) QueueFamily(queue api.Handle) (uint32, bool) {
	return d.queueFamilies.get(queue)
}

// CreateShaderModule fingerprints the module's SPIR-V.
func (d *Device) CreateShaderModule(h api.Handle, code []byte) {
	d.shaders.put(h, api.Fingerprint(sha1.Sum(code)))
}

// DestroyShaderModule drops the module's fingerprint.
func (d *Device) DestroyShaderModule(h api.Handle) {
	d.shaders.delete(h)
}

// StageModule names one pipeline stage's shader module at pipeline
// creation time.
type StageModule struct {
	Stage  string
	Module api.Handle
}

// CreatePipeline registers an immutable pipeline record (spec §3
// "Pipeline record"), resolving each stage's SPIR-V fingerprint through
// the shader-module table and combining them into the pipeline
// fingerprint. An untracked module contributes a zero fingerprint rather
// than failing the intercepted create.
func (d *Device) CreatePipeline(h api.Handle, bindPoint api.BindPoint, stages []StageModule, exec []api.ExecutableStats) *api.Pipeline {
	hash := sha1.New()
	sfs := make([]api.ShaderStageFingerprint, len(stages))
	for i, s := range stages {
		fp, _ := d.shaders.get(s.Module)
		sfs[i] = api.ShaderStageFingerprint{Stage: s.Stage, Fingerprint: fp}
		hash.Write([]byte(s.Stage))
		hash.Write(fp[:])
	}
	var combined api.Fingerprint
	copy(combined[:], hash.Sum(nil))

	p := &api.Pipeline{
		Handle:      h,
		BindPoint:   bindPoint,
		Stages:      sfs,
		Fingerprint: combined,
		Executable:  exec,
		Liveness:    api.LivenessToken(uuid.New()),
	}
	d.pipelines.put(h, p)
	return p
}

// DestroyPipeline removes the pipeline record. Submit batches referencing
// it keep reporting by the fingerprint captured at record time, so
// removal here never dangles (spec §3 "weak references").
func (d *Device) DestroyPipeline(h api.Handle) {
	d.pipelines.delete(h)
	d.names.Remove(h)
}

// CreateRenderPass registers a render-pass record.
func (d *Device) CreateRenderPass(h api.Handle, subpasses []api.SubpassDescriptor) *api.RenderPass {
	rp := &api.RenderPass{Handle: h, Subpasses: subpasses, Liveness: api.LivenessToken(uuid.New())}
	d.renderPasses.put(h, rp)
	return rp
}

// DestroyRenderPass removes the render-pass record.
func (d *Device) DestroyRenderPass(h api.Handle) {
	d.renderPasses.delete(h)
	d.names.Remove(h)
}

// AllocateCommandBuffers creates a record per handle, each owning a fresh
// timestamp query pool (spec §3 "Query pools are exclusively owned by a
// command-buffer record").
func (d *Device) AllocateCommandBuffers(level recorder.Level, queueFamily uint32, handles []api.Handle) {
	for _, h := range handles {
		pool := query.NewPool(d.backend, h, query.DefaultCapacity)
		d.commandBuffers.put(h, recorder.New(h, level, queueFamily, pool))
	}
}

// FreeCommandBuffers removes records. A still-Pending record is detached
// into the batch that borrowed it, which becomes its exclusive owner
// until resolution (spec §4.5 "On destroy/free-command-buffer of a
// still-Pending record").
func (d *Device) FreeCommandBuffers(ctx context.Context, handles []api.Handle) {
	for _, h := range handles {
		rec, ok := d.commandBuffers.get(h)
		if !ok {
			continue
		}
		d.commandBuffers.delete(h)
		d.names.Remove(h)

		if rec.State() == recorder.StatePending {
			d.inFlightMu.Lock()
			batch := d.inFlight[rec]
			d.inFlightMu.Unlock()
			if batch != nil {
				batch.Detach(rec)
				continue
			}
			plog.V(ctx).With("commandBuffer", h).Warning("pending command buffer freed with no owning batch")
		}
		rec.Invalidate()
	}
}

// record resolves a command-buffer handle to its recorder record,
// degrading (nil, false) on unknown handles so hot paths never fail the
// application call.
func (d *Device) record(ctx context.Context, cb api.Handle) (*recorder.Record, bool) {
	rec, ok := d.commandBuffers.get(cb)
	if !ok {
		plog.V(ctx).With("commandBuffer", cb).Debug("command on untracked command buffer")
	}
	return rec, ok
}

// BeginCommandBuffer transitions the record into Recording; a Pending
// record fails with not-ready (spec §4.4). When a counter set is active,
// a counter query pool is attached for the record's queue family; a
// failure to create one only drops counters for this record.
func (d *Device) BeginCommandBuffer(ctx context.Context, cb api.Handle) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return perrors.InvalidHandle
	}
	if err := rec.Begin(ctx); err != nil {
		return err
	}
	if set := d.provider.ActiveMetricsSet(); set >= 0 {
		if pool, err := d.provider.CreateQueryPool(rec.QueueFamilyIndex, 1); err == nil {
			rec.Counters, rec.CounterSet = pool, set
		} else {
			plog.V(ctx).With("commandBuffer", cb, "cause", err).Warning("no counter query pool for command buffer")
		}
	}
	return nil
}

// EndCommandBuffer transitions the record into Executable.
func (d *Device) EndCommandBuffer(ctx context.Context, cb api.Handle) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return perrors.InvalidHandle
	}
	return rec.End(ctx)
}

// ResetCommandBuffer discards the record's commands and queries.
func (d *Device) ResetCommandBuffer(ctx context.Context, cb api.Handle) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return perrors.InvalidHandle
	}
	return rec.Reset(ctx)
}

// CmdBindPipeline records the bind into the command sequence; attribution
// happens at aggregation in execution order (spec §4.4 "Pipeline
// attribution").
func (d *Device) CmdBindPipeline(ctx context.Context, cb, pipeline api.Handle, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	params := api.CmdParams{Pipeline: pipeline}
	if p, ok := d.pipelines.get(pipeline); ok {
		params.PipelineFingerprint = p.Fingerprint
		params.BindPoint = p.BindPoint
	}
	return rec.RecordCommand(ctx, api.CmdBindPipeline, params, forward)
}

// CmdDraw wraps a draw-family command.
func (d *Device) CmdDraw(ctx context.Context, cb api.Handle, vertexCount, instanceCount uint32, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.RecordCommand(ctx, api.CmdDraw, api.CmdParams{VertexCount: vertexCount, InstanceCount: instanceCount}, forward)
}

// CmdDispatch wraps a dispatch-family command.
func (d *Device) CmdDispatch(ctx context.Context, cb api.Handle, x, y, z uint32, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.RecordCommand(ctx, api.CmdDispatch, api.CmdParams{GroupX: x, GroupY: y, GroupZ: z}, forward)
}

// CmdTraceRays wraps a trace-rays-family command.
func (d *Device) CmdTraceRays(ctx context.Context, cb api.Handle, w, h, depth uint32, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.RecordCommand(ctx, api.CmdTraceRays, api.CmdParams{GroupX: w, GroupY: h, GroupZ: depth}, forward)
}

// CmdSimple wraps the remaining recording-time command classes (copy,
// clear, resolve/blit, fill/update, build-AS) that carry no reported
// parameters beyond their kind.
func (d *Device) CmdSimple(ctx context.Context, cb api.Handle, kind api.CmdKind, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.RecordCommand(ctx, kind, api.CmdParams{}, forward)
}

// CmdDebugLabel wraps a debug-label command.
func (d *Device) CmdDebugLabel(ctx context.Context, cb api.Handle, label string, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.RecordCommand(ctx, api.CmdDebugLabel, api.CmdParams{Label: label}, forward)
}

// CmdBeginRenderPass wraps vkCmdBeginRenderPass with the render-pass
// segment timestamps.
func (d *Device) CmdBeginRenderPass(ctx context.Context, cb, renderPass api.Handle, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	rp, ok := d.renderPasses.get(renderPass)
	if !ok {
		plog.V(ctx).With("renderPass", renderPass).Debug("begin of untracked render pass")
		return forward()
	}
	return rec.BeginRenderPass(ctx, rp, forward)
}

// CmdNextSubpass wraps vkCmdNextSubpass.
func (d *Device) CmdNextSubpass(ctx context.Context, cb api.Handle, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.NextSubpass(ctx, forward)
}

// CmdEndRenderPass wraps vkCmdEndRenderPass.
func (d *Device) CmdEndRenderPass(ctx context.Context, cb api.Handle, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.EndRenderPass(ctx, forward)
}

// CmdExecuteCommands records references to the secondaries without
// flattening them (spec §4.4 "Execute-commands").
func (d *Device) CmdExecuteCommands(ctx context.Context, cb api.Handle, secondaries []api.Handle, forward func() error) error {
	rec, ok := d.record(ctx, cb)
	if !ok {
		return forward()
	}
	return rec.ExecuteCommands(ctx, secondaries, forward)
}

// QueueSubmit captures the batch and forwards the native submit (spec
// §4.5). cbs is one handle list per VkSubmitInfo.
func (d *Device) QueueSubmit(ctx context.Context, queue api.Handle, cbs [][]api.Handle, appFence submit.Fence) error {
	submits := make([]submit.Submit, len(cbs))
	for i, handles := range cbs {
		for _, h := range handles {
			rec, ok := d.commandBuffers.get(h)
			if !ok {
				plog.V(ctx).With("commandBuffer", h).Warning("submit of untracked command buffer")
				continue
			}
			// A counter pool recorded under a set that changed since, on a
			// backend without pool reuse, is stale: drop its counters
			// rather than fail the submit (spec §4.3 invariant, §7).
			if rec.Counters != nil && !d.provider.SupportsQueryPoolReuse() &&
				d.provider.ActiveMetricsSet() != rec.CounterSet {
				plog.V(ctx).With("commandBuffer", h).Warning("active metrics set changed since recording; dropping counters")
				rec.Counters = nil
			}
			submits[i].CommandBuffers = append(submits[i].CommandBuffers, rec)
		}
	}
	return d.tracker.Submit(ctx, queue, submits, appFence)
}

// QueuePresent forwards the native present and, in present-delimited
// mode, closes the frame (spec §4.7).
func (d *Device) QueuePresent(ctx context.Context, queue api.Handle) error {
	err := d.chain.Present(ctx, queue)
	d.agg.Present(ctx)
	return err
}

// SetDebugName records an application-assigned object name (C9).
func (d *Device) SetDebugName(h api.Handle, name string) {
	d.names.SetName(h, name)
}

// devices is the process-wide dispatch registry (C1), created at package
// initialization; RegisterDevice adds entries and UnregisterDevice removes
// them key-by-key (spec §9 "Global mutable state").
var devices = dispatch.New[*Device]()

// RegisterDevice routes key (the device's dispatch table pointer) to d.
func RegisterDevice(key dispatch.Key, d *Device) {
	devices.Insert(key, d)
}

// DeviceFor resolves an intercepted call's dispatch key to its device
// profiler; invalid-handle if unknown (spec §4.1).
func DeviceFor(key dispatch.Key) (*Device, error) {
	return devices.Lookup(key)
}

// UnregisterDevice removes key's routing on DestroyDevice.
func UnregisterDevice(key dispatch.Key) {
	devices.Erase(key)
}
