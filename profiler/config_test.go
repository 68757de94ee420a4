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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vklayers/profiler/aggregate"
)

func TestDefaultsWhenEnvUnset(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", cfg)
	}
}

func TestUnreadablePathIsAnError(t *testing.T) {
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "missing.cfg"))
	if _, err := LoadConfig(); err == nil {
		t.Error("missing settings file loaded without error")
	}
}

func writeSettings(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.cfg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnv, path)
}

func TestParseSettingsFile(t *testing.T) {
	writeSettings(t, `
# comment
[Layer]
[Settings]
sampling_mode = renderpass
frame_delimiter = submit
frame_count = 3
enable_performance_query = 1
enable_memory_profiler = 0
sampler_interval_ms = 250
resolver_workers = 4
unknown_key = ignored
`)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SamplingMode != aggregate.SamplingRenderPass {
		t.Errorf("SamplingMode = %v", cfg.SamplingMode)
	}
	if cfg.FrameDelimiter != aggregate.DelimiterSubmit || cfg.FrameCount != 3 {
		t.Errorf("delimiter = %v/%d", cfg.FrameDelimiter, cfg.FrameCount)
	}
	if !cfg.EnablePerformanceQuery || cfg.EnableMemoryProfiler {
		t.Errorf("bools = %v/%v", cfg.EnablePerformanceQuery, cfg.EnableMemoryProfiler)
	}
	if cfg.SamplerInterval != 250*time.Millisecond {
		t.Errorf("SamplerInterval = %v", cfg.SamplerInterval)
	}
	if cfg.ResolverWorkers != 4 {
		t.Errorf("ResolverWorkers = %d", cfg.ResolverWorkers)
	}
}

// Keys outside [Layer][Settings] must not apply; absent keys keep their
// defaults (spec §6 "Defaults restored when a key is absent").
func TestSectionGatingAndDefaults(t *testing.T) {
	writeSettings(t, `
[Other]
frame_count = 9
[Layer]
frame_count = 8
[Layer]
[Settings]
frame_count = 2
[Overlay]
frame_count = 7
`)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FrameCount != 2 {
		t.Errorf("FrameCount = %d, want 2 (only the gated key applies)", cfg.FrameCount)
	}
	// Everything else stays at defaults.
	def := DefaultConfig()
	if cfg.SamplingMode != def.SamplingMode || cfg.SamplerInterval != def.SamplerInterval {
		t.Errorf("absent keys lost their defaults: %+v", cfg)
	}
}

func TestMalformedValuesIgnored(t *testing.T) {
	writeSettings(t, `
[Layer]
[Settings]
frame_count = banana
sampler_interval_ms = -5
sampling_mode = warpspeed
no_equals_sign_line
`)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("malformed values changed config: %+v", cfg)
	}
}
