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

package counterprovider

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/internal/perrors"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	u, err := uuid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func testKHR(t *testing.T) (*KHR, []uuid.UUID) {
	t.Helper()
	u := []uuid.UUID{
		mustUUID(t, "00000000-0000-0000-0000-000000000001"),
		mustUUID(t, "00000000-0000-0000-0000-000000000002"),
		mustUUID(t, "00000000-0000-0000-0000-000000000003"),
	}
	builtin := []BuiltinSet{{
		Name: "basic",
		Metrics: []api.MetricProperties{
			{ShortName: "gpu-busy", Unit: api.UnitPercent, Storage: api.StorageF64, UUID: u[0]},
			{ShortName: "l2-bytes", Unit: api.UnitBytes, Storage: api.StorageU64, UUID: u[1]},
			{ShortName: "freq", Unit: api.UnitHertz, Storage: api.StorageF64, UUID: u[2]},
		},
	}}
	// Queue family 0 reports only two of the three canonical counters,
	// in a different wire order than the canonical one.
	k := NewKHR(builtin, map[uint32][]uuid.UUID{
		0: {u[2], u[0]},
	}, 2)
	if err := k.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return k, u
}

// Spec §8 scenario 5: multi-pass custom sets are unsatisfiable; identical
// re-creations dedupe to the same index.
func TestCustomSetPassValidationAndDedupe(t *testing.T) {
	k, u := testKHR(t)

	// maxCountersPerPass is 2; three counters need two passes.
	if _, err := k.CreateCustomMetricsSet(0, "too-big", u); !perrors.Is(err, perrors.Unsatisfiable) {
		t.Errorf("three-counter set returned %v, want unsatisfiable", err)
	}

	idx, err := k.CreateCustomMetricsSet(0, "small", u[:2])
	if err != nil {
		t.Fatal(err)
	}
	if idx == 0 {
		t.Errorf("custom set index %d collides with the builtin set", idx)
	}

	// Identical re-creation, even with shuffled counter order, returns
	// the same index.
	again, err := k.CreateCustomMetricsSet(0, "small-again", []uuid.UUID{u[1], u[0]})
	if err != nil {
		t.Fatal(err)
	}
	if again != idx {
		t.Errorf("identical re-creation returned %d, want %d", again, idx)
	}

	// A different queue family is a different set.
	other, err := k.CreateCustomMetricsSet(1, "other-family", u[:2])
	if err != nil {
		t.Fatal(err)
	}
	if other == idx {
		t.Error("different queue family deduped to the same set")
	}
}

func TestDestroyAndUpdateCustomSet(t *testing.T) {
	k, u := testKHR(t)
	idx, err := k.CreateCustomMetricsSet(0, "custom", u[:1])
	if err != nil {
		t.Fatal(err)
	}

	if err := k.UpdateCustomMetricsSet(idx, "renamed", u[1:3]); err != nil {
		t.Fatal(err)
	}
	props, err := k.MetricsProperties(idx)
	if err != nil {
		t.Fatal(err)
	}
	if len(props) != 2 {
		t.Errorf("updated set has %d counters, want 2", len(props))
	}

	if err := k.UpdateCustomMetricsSet(idx, "too-big", u); !perrors.Is(err, perrors.Unsatisfiable) {
		t.Errorf("multi-pass update returned %v, want unsatisfiable", err)
	}

	if err := k.DestroyCustomMetricsSet(idx); err != nil {
		t.Fatal(err)
	}
	if err := k.DestroyCustomMetricsSet(idx); !perrors.Is(err, perrors.ValidationFailed) {
		t.Errorf("double destroy returned %v, want validation-failed", err)
	}
	if err := k.SetActiveMetricsSet(idx); !perrors.Is(err, perrors.ValidationFailed) {
		t.Errorf("activating destroyed set returned %v, want validation-failed", err)
	}
	if err := k.DestroyCustomMetricsSet(0); !perrors.Is(err, perrors.ValidationFailed) {
		t.Errorf("destroying builtin set returned %v, want validation-failed", err)
	}
}

// Spec §8: set_active_metrics_set(i); get_active_metrics_set() == i
// across threads.
func TestActiveSetLinearizable(t *testing.T) {
	k, _ := testKHR(t)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := k.SetActiveMetricsSet(0); err != nil {
					t.Error(err)
					return
				}
				if got := k.ActiveMetricsSet(); got != 0 {
					t.Errorf("ActiveMetricsSet = %d, want 0", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseReportCanonicalOrderZeroFill(t *testing.T) {
	k, _ := testKHR(t)

	// Family 0's wire order is [freq, gpu-busy]; canonical order is
	// [gpu-busy, l2-bytes, freq].
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint64(raw[0:], math.Float64bits(1800.0)) // freq
	binary.LittleEndian.PutUint64(raw[8:], math.Float64bits(42.5))   // gpu-busy

	values, err := k.ParseReport(0, 0, raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 {
		t.Fatalf("parsed %d values, want 3", len(values))
	}
	if values[0].F64 != 42.5 {
		t.Errorf("gpu-busy = %v, want 42.5", values[0].F64)
	}
	if values[1].U64 != 0 {
		t.Errorf("absent l2-bytes = %v, want zero-filled", values[1].U64)
	}
	if values[2].F64 != 1800.0 {
		t.Errorf("freq = %v, want 1800", values[2].F64)
	}

	if _, err := k.ParseReport(0, 0, raw[:8]); err == nil {
		t.Error("short report parsed without error")
	}
	if _, err := k.ParseReport(0, 5, raw); !perrors.Is(err, perrors.FeatureNotPresent) {
		t.Errorf("unknown family returned %v, want feature-not-present", err)
	}
}

func TestNoneProviderRefusesEverything(t *testing.T) {
	n := None{}
	if err := n.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := n.ActiveMetricsSet(); got != -1 {
		t.Errorf("None.ActiveMetricsSet = %d, want -1", got)
	}
	if _, err := n.CreateQueryPool(0, 1); !perrors.Is(err, perrors.FeatureNotPresent) {
		t.Errorf("None.CreateQueryPool returned %v, want feature-not-present", err)
	}
}
