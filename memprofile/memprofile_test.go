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

package memprofile

import (
	"context"
	"testing"
	"time"
)

func TestSystemAllocatorRoundTrip(t *testing.T) {
	s := NewSystemAllocator()
	a, err := s.Allocate(64, 8, ScopeObject)
	if err != nil {
		t.Fatal(err)
	}
	if a.Size != 64 {
		t.Errorf("allocation size = %d, want 64", a.Size)
	}
	b, err := s.Reallocate(a, 128, 8, ScopeObject)
	if err != nil {
		t.Fatal(err)
	}
	if b.Size != 128 {
		t.Errorf("reallocation size = %d, want 128", b.Size)
	}
	// The old token is dead after realloc.
	if _, err := s.Reallocate(a, 32, 8, ScopeObject); err == nil {
		t.Error("reallocate of stale token succeeded")
	}
	s.Free(b)
}

func runSampler(t *testing.T, p *Profiler) func() {
	t.Helper()
	ctx := context.Background()
	go p.Run(ctx)
	return func() {
		p.Stop()
		p.Wait()
	}
}

func waitTotal(t *testing.T, p *Profiler, ot ObjectType, want uintptr) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if p.TotalByType(ot) == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("total for type %d = %d, want %d", ot, p.TotalByType(ot), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestShimAccountsAllocations(t *testing.T) {
	p := New(nil, time.Millisecond, nil)
	stop := runSampler(t, p)
	defer stop()

	shim := p.Shim(3)
	a, err := shim.Allocate(100, 8, ScopeDevice)
	if err != nil {
		t.Fatal(err)
	}
	b, err := shim.Allocate(50, 8, ScopeObject)
	if err != nil {
		t.Fatal(err)
	}
	waitTotal(t, p, 3, 150)
	if got := p.TotalByScope(ScopeDevice); got != 100 {
		t.Errorf("device scope total = %d, want 100", got)
	}

	a2, err := shim.Reallocate(a, 200, 8, ScopeDevice)
	if err != nil {
		t.Fatal(err)
	}
	waitTotal(t, p, 3, 250)

	shim.Free(a2)
	shim.Free(b)
	waitTotal(t, p, 3, 0)
}

func TestSamplesAreBounded(t *testing.T) {
	p := New(nil, time.Millisecond, nil)
	stop := runSampler(t, p)
	defer stop()

	shim := p.Shim(1)
	if _, err := shim.Allocate(10, 8, ScopeObject); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for len(p.Samples(1)) < RingSize {
		select {
		case <-deadline:
			t.Fatalf("ring only reached %d samples", len(p.Samples(1)))
		case <-time.After(time.Millisecond):
		}
	}
	// Keep sampling a little longer; the ring must not exceed its bound.
	time.Sleep(20 * time.Millisecond)
	if got := len(p.Samples(1)); got != RingSize {
		t.Errorf("ring holds %d samples, want exactly %d", got, RingSize)
	}

	samples := p.Samples(1)
	for i := 1; i < len(samples); i++ {
		if samples[i].At.Before(samples[i-1].At) {
			t.Fatalf("samples out of order at %d", i)
		}
	}
}

func TestRingOverwriteOrder(t *testing.T) {
	r := newRing(4)
	base := time.Unix(0, 0)
	for i := 0; i < 6; i++ {
		r.push(Sample{At: base.Add(time.Duration(i)), Total: uintptr(i)})
	}
	got := r.snapshot()
	if len(got) != 4 {
		t.Fatalf("snapshot has %d samples, want 4", len(got))
	}
	for i, s := range got {
		if s.Total != uintptr(i+2) {
			t.Errorf("sample %d total = %d, want %d", i, s.Total, i+2)
		}
	}
}
