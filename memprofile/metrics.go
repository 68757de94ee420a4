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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the sampler's per-object-type totals as a scrapeable
// gauge family. Additive instrumentation only; not part of the
// EXT_profiler ABI.
type Metrics struct {
	total *prometheus.GaugeVec
}

// NewMetrics constructs the memory profiler metrics and registers them
// with reg. A nil reg leaves them unregistered but still usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vkprofiler",
			Subsystem: "memory",
			Name:      "allocated_bytes",
			Help:      "Host bytes currently allocated, by Vulkan object type.",
		}, []string{"object_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.total)
	}
	return m
}

func (m *Metrics) observe(ot ObjectType, total uintptr) {
	m.total.WithLabelValues(strconv.FormatUint(uint64(ot), 10)).Set(float64(total))
}
