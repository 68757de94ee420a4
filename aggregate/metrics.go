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

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the aggregator's health gauges, scrapeable by a host
// process. Additive instrumentation only; not part of the EXT_profiler
// ABI.
type Metrics struct {
	FramesAggregated  prometheus.Counter
	SubmitsAggregated prometheus.Counter
	FrameGPUTicks     prometheus.Gauge
}

// NewMetrics constructs the aggregator metrics and registers them with
// reg. A nil reg leaves them unregistered but still usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesAggregated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vkprofiler",
			Subsystem: "aggregator",
			Name:      "frames_total",
			Help:      "Frames delimited and published.",
		}),
		SubmitsAggregated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vkprofiler",
			Subsystem: "aggregator",
			Name:      "submit_batches_total",
			Help:      "Resolved submit batches ingested.",
		}),
		FrameGPUTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vkprofiler",
			Subsystem: "aggregator",
			Name:      "frame_gpu_ticks",
			Help:      "Total GPU ticks of the most recently published frame.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesAggregated, m.SubmitsAggregated, m.FrameGPUTicks)
	}
	return m
}
