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

package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/dispatch"
	"github.com/vklayers/profiler/internal/perrors"
	"github.com/vklayers/profiler/query"
	"github.com/vklayers/profiler/recorder"
	"github.com/vklayers/profiler/resolve"
	"github.com/vklayers/profiler/submit"
)

// fakeChain signals submits' fences immediately: the "GPU" completes work
// as soon as it is handed over.
type fakeChain struct {
	presents int
}

func (c *fakeChain) Submit(ctx context.Context, queue api.Handle, submits []submit.Submit, fence submit.Fence) error {
	if owned, ok := fence.(*submit.OwnedFence); ok {
		owned.Fire()
	}
	return nil
}

func (c *fakeChain) Present(ctx context.Context, queue api.Handle) error {
	c.presents++
	return nil
}

type fakeQueryPool struct {
	backend *fakeQueryBackend
	ticks   []uint64
}

func (p *fakeQueryPool) Reset(cb api.Handle, count uint32) error { return nil }

func (p *fakeQueryPool) WriteTimestamp(cb api.Handle, slot uint32, stage query.PipelineStage) error {
	p.backend.tick += 10
	p.ticks[slot] = p.backend.tick
	return nil
}

func (p *fakeQueryPool) ReadResults(count uint32) ([]uint64, error) {
	return append([]uint64(nil), p.ticks[:count]...), nil
}

type fakeQueryBackend struct {
	tick     uint64
	created  int
	failFrom int
}

func (b *fakeQueryBackend) CreatePool(capacity uint32) (query.BackendPool, error) {
	if b.failFrom > 0 && b.created >= b.failFrom {
		return nil, perrors.OutOfMemory
	}
	b.created++
	return &fakeQueryPool{backend: b, ticks: make([]uint64, capacity)}, nil
}

func testDevice(t *testing.T, backend *fakeQueryBackend) (*Device, *fakeChain) {
	t.Helper()
	chain := &fakeChain{}
	cfg := DefaultConfig()
	cfg.EnableMemoryProfiler = false
	d, err := NewDevice(context.Background(), Options{
		Config:       cfg,
		Chain:        chain,
		QueryBackend: backend,
		Clocks:       map[uint32]resolve.Clock{0: {PeriodNs: 1, ValidBits: 64}},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Close)
	return d, chain
}

// waitFrame presents and polls until a frame satisfying ok is published.
func waitFrame(t *testing.T, d *Device, ok func(*api.FrameData) bool) *api.FrameData {
	t.Helper()
	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	for {
		if err := d.QueuePresent(ctx, 1); err != nil {
			t.Fatal(err)
		}
		frame, err := d.Extension().GetFrameData()
		if err == nil {
			done := ok(frame)
			if err := d.Extension().FreeFrameData(frame); err != nil {
				t.Fatal(err)
			}
			if done {
				return frame
			}
		}
		select {
		case <-deadline:
			t.Fatal("expected frame never published")
		case <-time.After(time.Millisecond):
		}
	}
}

func hasCommandBuffer(frame *api.FrameData) *api.RegionData {
	var found *api.RegionData
	frame.Tree.Walk(func(n *api.RegionData) {
		if n.Type == api.RegionCommandBuffer && found == nil {
			found = n
		}
	})
	return found
}

// Spec §8 scenario 1, through the whole stack: record, submit, present,
// observe one frame with a pipeline node and a positive-duration draw.
func TestEndToEndSingleDrawFrame(t *testing.T) {
	ctx := context.Background()
	d, _ := testDevice(t, &fakeQueryBackend{})

	d.CreateShaderModule(0x30, []byte("spirv-vert"))
	p1 := d.CreatePipeline(0x21, api.BindGraphics, []StageModule{{Stage: "vert", Module: 0x30}}, nil)
	d.AllocateCommandBuffers(recorder.LevelPrimary, 0, []api.Handle{0x10})

	if err := d.BeginCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdBindPipeline(ctx, 0x10, 0x21, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdDraw(ctx, 0x10, 3, 1, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.EndCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueSubmit(ctx, 1, [][]api.Handle{{0x10}}, nil); err != nil {
		t.Fatal(err)
	}

	frame := waitFrame(t, d, func(f *api.FrameData) bool {
		return hasCommandBuffer(f) != nil
	})

	if len(frame.TopPipelines) != 1 || frame.TopPipelines[0].Fingerprint != p1.Fingerprint {
		t.Errorf("top pipelines = %+v, want [P1]", frame.TopPipelines)
	}
	var drawNode *api.RegionData
	frame.Tree.Walk(func(n *api.RegionData) {
		if n.Type == api.RegionCommand && n.Properties.CmdKind == api.CmdDraw {
			drawNode = n
		}
	})
	if drawNode == nil {
		t.Fatal("draw node missing from frame tree")
	}
	if drawNode.Duration <= 0 {
		t.Errorf("draw duration = %v, want > 0", drawNode.Duration)
	}
}

// Spec §8 scenario 3: more commands than one pool can hold; the recorder
// degrades, every draw is still forwarded, and the frame marks the
// command buffer degraded.
func TestEndToEndPoolExhaustionDegrades(t *testing.T) {
	ctx := context.Background()
	d, _ := testDevice(t, &fakeQueryBackend{failFrom: 1})

	d.AllocateCommandBuffers(recorder.LevelPrimary, 0, []api.Handle{0x10})
	if err := d.BeginCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	forwarded := 0
	// The default pool holds 32768 slots; at ~2 timestamps per draw,
	// 20000 draws exhaust it with growth forbidden.
	for i := 0; i < 20000; i++ {
		if err := d.CmdDraw(ctx, 0x10, 3, 1, func() error { forwarded++; return nil }); err != nil {
			t.Fatal(err)
		}
	}
	if forwarded != 20000 {
		t.Fatalf("forwarded %d draws, want all 20000", forwarded)
	}
	if err := d.EndCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueSubmit(ctx, 1, [][]api.Handle{{0x10}}, nil); err != nil {
		t.Fatal(err)
	}

	frame := waitFrame(t, d, func(f *api.FrameData) bool {
		return hasCommandBuffer(f) != nil
	})
	cb := hasCommandBuffer(frame)
	if !cb.Properties.Degraded {
		t.Error("command buffer not marked degraded in frame tree")
	}
}

// Spec §8 scenario 6: free a command buffer while its submission is
// in-flight; the frame still resolves and the record was owned by the
// batch, not the freed pool.
func TestEndToEndLateFree(t *testing.T) {
	ctx := context.Background()

	// A chain that does NOT signal fences lets the free happen while the
	// submission is genuinely pending.
	var heldFence *submit.OwnedFence
	holdingChain := chainFunc(func(ctx context.Context, queue api.Handle, submits []submit.Submit, fence submit.Fence) error {
		heldFence = fence.(*submit.OwnedFence)
		return nil
	})

	cfg := DefaultConfig()
	cfg.EnableMemoryProfiler = false
	d, err := NewDevice(ctx, Options{Config: cfg, Chain: holdingChain, QueryBackend: &fakeQueryBackend{}})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	d.AllocateCommandBuffers(recorder.LevelPrimary, 0, []api.Handle{0x10})
	if err := d.BeginCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdDraw(ctx, 0x10, 3, 1, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.EndCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueSubmit(ctx, 1, [][]api.Handle{{0x10}}, nil); err != nil {
		t.Fatal(err)
	}

	// Free while pending: ownership transfers to the batch.
	d.FreeCommandBuffers(ctx, []api.Handle{0x10})
	if _, ok := d.commandBuffers.get(0x10); ok {
		t.Error("freed command buffer still tracked")
	}

	heldFence.Fire()
	frame := waitFrame(t, d, func(f *api.FrameData) bool {
		return hasCommandBuffer(f) != nil
	})
	cb := hasCommandBuffer(frame)
	if cb.Unresolved {
		t.Error("late-freed command buffer resolved as unresolved")
	}
}

// Spec §8 scenario 2 through the whole stack: a render pass with an
// inline subpass and a secondary-buffers subpass composed via
// execute-commands.
func TestEndToEndRenderPassWithSecondary(t *testing.T) {
	ctx := context.Background()
	d, _ := testDevice(t, &fakeQueryBackend{})

	d.CreateShaderModule(0x30, []byte("spirv-vert"))
	d.CreateShaderModule(0x31, []byte("spirv-comp"))
	d.CreatePipeline(0x21, api.BindGraphics, []StageModule{{Stage: "vert", Module: 0x30}}, nil)
	d.CreatePipeline(0x22, api.BindCompute, []StageModule{{Stage: "comp", Module: 0x31}}, nil)
	d.CreateRenderPass(0x40, []api.SubpassDescriptor{
		{Contents: api.ContentsInline},
		{Contents: api.ContentsSecondaryCommandBuffers},
	})
	d.AllocateCommandBuffers(recorder.LevelPrimary, 0, []api.Handle{0x10})
	d.AllocateCommandBuffers(recorder.LevelSecondary, 0, []api.Handle{0x51})

	// Record the secondary: bind P2 + dispatch.
	if err := d.BeginCommandBuffer(ctx, 0x51); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdBindPipeline(ctx, 0x51, 0x22, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdDispatch(ctx, 0x51, 1, 1, 1, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.EndCommandBuffer(ctx, 0x51); err != nil {
		t.Fatal(err)
	}

	// Record the primary.
	if err := d.BeginCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdBindPipeline(ctx, 0x10, 0x21, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdBeginRenderPass(ctx, 0x10, 0x40, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdDraw(ctx, 0x10, 3, 1, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdNextSubpass(ctx, 0x10, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdExecuteCommands(ctx, 0x10, []api.Handle{0x51}, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.CmdEndRenderPass(ctx, 0x10, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := d.EndCommandBuffer(ctx, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueSubmit(ctx, 1, [][]api.Handle{{0x10}}, nil); err != nil {
		t.Fatal(err)
	}

	frame := waitFrame(t, d, func(f *api.FrameData) bool {
		return hasCommandBuffer(f) != nil
	})

	var rp *api.RegionData
	frame.Tree.Walk(func(n *api.RegionData) {
		if n.Type == api.RegionRenderPass && rp == nil {
			rp = n
		}
	})
	if rp == nil {
		t.Fatal("render pass node missing")
	}
	if !rp.HasSegmentDurations || rp.BeginDuration <= 0 || rp.EndDuration <= 0 {
		t.Errorf("render pass segment durations = %v/%v, want both > 0", rp.BeginDuration, rp.EndDuration)
	}
	if len(rp.Children) != 2 {
		t.Fatalf("render pass has %d subpasses, want 2", len(rp.Children))
	}

	// The secondary's dispatch must credit P2 in the top list alongside
	// the primary's P1.
	if len(frame.TopPipelines) != 2 {
		t.Errorf("top pipelines = %+v, want two entries", frame.TopPipelines)
	}
}

// chainFunc adapts a submit func plus an embedded chain for Present.
type chainFunc func(ctx context.Context, queue api.Handle, submits []submit.Submit, fence submit.Fence) error

func (f chainFunc) Submit(ctx context.Context, queue api.Handle, submits []submit.Submit, fence submit.Fence) error {
	return f(ctx, queue, submits, fence)
}

func (f chainFunc) Present(ctx context.Context, queue api.Handle) error { return nil }

func TestDeviceRegistryRouting(t *testing.T) {
	d, _ := testDevice(t, &fakeQueryBackend{})
	key := dispatch.Key(0x1234)
	RegisterDevice(key, d)
	got, err := DeviceFor(key)
	if err != nil || got != d {
		t.Errorf("DeviceFor = (%v, %v), want the registered device", got, err)
	}
	UnregisterDevice(key)
	if _, err := DeviceFor(key); !perrors.Is(err, perrors.InvalidHandle) {
		t.Errorf("DeviceFor after unregister returned %v, want invalid-handle", err)
	}
}

func TestBeginUnknownCommandBuffer(t *testing.T) {
	d, _ := testDevice(t, &fakeQueryBackend{})
	if err := d.BeginCommandBuffer(context.Background(), 0x99); !perrors.Is(err, perrors.InvalidHandle) {
		t.Errorf("Begin of unknown handle returned %v, want invalid-handle", err)
	}
}
