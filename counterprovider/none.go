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

	"github.com/google/uuid"

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/internal/perrors"
)

// None is the capability used when no counter backend is available or
// active; every query method reports FeatureNotPresent.
type None struct{}

func (None) Initialize(ctx context.Context) error { return nil }

func (None) MetricsSets() []api.MetricsSetDescriptor { return nil }

func (None) MetricsProperties(set int) ([]api.MetricProperties, error) {
	return nil, perrors.FeatureNotPresent
}

func (None) SetActiveMetricsSet(index int) error { return perrors.FeatureNotPresent }

func (None) ActiveMetricsSet() int { return -1 }

func (None) SupportsQueryPoolReuse() bool { return true }

func (None) CreateQueryPool(queueFamily uint32, count uint32) (Pool, error) {
	return nil, perrors.FeatureNotPresent
}

func (None) CreateCustomMetricsSet(queueFamily uint32, name string, counters []uuid.UUID) (int, error) {
	return 0, perrors.FeatureNotPresent
}

func (None) DestroyCustomMetricsSet(index int) error { return perrors.FeatureNotPresent }

func (None) UpdateCustomMetricsSet(index int, name string, counters []uuid.UUID) error {
	return perrors.FeatureNotPresent
}

func (None) ParseReport(set int, queueFamily uint32, raw []byte) ([]api.CounterValue, error) {
	return nil, perrors.FeatureNotPresent
}
