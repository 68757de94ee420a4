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
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vklayers/profiler/aggregate"
	"github.com/vklayers/profiler/internal/perrors"
)

// ConfigPathEnv is the only recognized environment variable (spec §6):
// a filesystem path to the persistent settings file. Absence means
// built-in defaults.
const ConfigPathEnv = "PROFILER_CONFIG_PATH"

// Config is the device profiler's configuration, loaded from the
// [Layer][Settings] section of the settings file. Every field has a
// default that is restored when its key is absent.
type Config struct {
	SamplingMode       aggregate.SamplingMode
	FrameDelimiter     aggregate.DelimiterMode
	FrameCount         int
	EnablePerformanceQuery bool
	EnableMemoryProfiler   bool
	SamplerInterval    time.Duration
	ResolverWorkers    int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		SamplingMode:       aggregate.SamplingDrawcall,
		FrameDelimiter:     aggregate.DelimiterPresent,
		FrameCount:         1,
		EnablePerformanceQuery: false,
		EnableMemoryProfiler:   true,
		SamplerInterval:    100 * time.Millisecond,
		ResolverWorkers:    2,
	}
}

// LoadConfig reads the settings file named by ConfigPathEnv. An unset
// variable yields the defaults; a set-but-unreadable path is an error so
// a misconfigured deployment is noticed rather than silently defaulted.
func LoadConfig() (Config, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" {
		return DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return DefaultConfig(), perrors.Wrapf(err, "open settings file %q", path)
	}
	defer f.Close()
	return parseConfig(f)
}

// parseConfig scans text key=value lines. Only keys inside the
// [Layer][Settings] section apply; unknown keys are ignored; bools are
// 0/1 (spec §6 "Persistent settings file").
func parseConfig(f *os.File) (Config, error) {
	cfg := DefaultConfig()

	inLayer, inSettings := false, false
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			section := strings.Trim(line, "[]")
			switch {
			case strings.EqualFold(section, "Layer"):
				inLayer, inSettings = true, false
			case inLayer && strings.EqualFold(section, "Settings"):
				inSettings = true
			default:
				inLayer, inSettings = false, false
			}
			continue
		}
		if !inLayer || !inSettings {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		applyKey(&cfg, strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if err := s.Err(); err != nil {
		return DefaultConfig(), perrors.Wrap(err, "read settings file")
	}
	return cfg, nil
}

func applyKey(cfg *Config, key, value string) {
	switch strings.ToLower(key) {
	case "sampling_mode":
		if m, ok := samplingModeFromString(value); ok {
			cfg.SamplingMode = m
		}
	case "frame_delimiter":
		switch strings.ToLower(value) {
		case "present":
			cfg.FrameDelimiter = aggregate.DelimiterPresent
		case "submit":
			cfg.FrameDelimiter = aggregate.DelimiterSubmit
		}
	case "frame_count":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.FrameCount = n
		}
	case "enable_performance_query":
		cfg.EnablePerformanceQuery = value == "1"
	case "enable_memory_profiler":
		cfg.EnableMemoryProfiler = value == "1"
	case "sampler_interval_ms":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.SamplerInterval = time.Duration(n) * time.Millisecond
		}
	case "resolver_workers":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.ResolverWorkers = n
		}
	}
}

func samplingModeFromString(s string) (aggregate.SamplingMode, bool) {
	switch strings.ToLower(s) {
	case "drawcall":
		return aggregate.SamplingDrawcall, true
	case "pipeline":
		return aggregate.SamplingPipeline, true
	case "renderpass":
		return aggregate.SamplingRenderPass, true
	case "commandbuffer":
		return aggregate.SamplingCommandBuffer, true
	case "submit":
		return aggregate.SamplingSubmit, true
	case "frame":
		return aggregate.SamplingFrame, true
	}
	return 0, false
}
