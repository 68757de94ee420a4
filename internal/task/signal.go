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

// Package task provides the small completion-signal primitives the
// resolver and memory sampler use to coordinate with the recording
// threads, trimmed from the teacher's event/task package down to the
// subset this layer needs.
package task

import "context"

// Signal is used to notify that a task has completed. Nothing is ever
// sent through a signal, it is closed to indicate it has fired.
type Signal <-chan struct{}

// Fire closes a signal's backing channel exactly once.
type Fire func()

// NewSignal builds a new signal and the Fire used to trigger it. Fire must
// only be called once.
func NewSignal() (Signal, Fire) {
	c := make(chan struct{})
	return c, func() { close(c) }
}

// Fired returns true if the signal has already fired.
func (s Signal) Fired() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires or ctx is done, returning true only
// in the former case.
func (s Signal) Wait(ctx context.Context) bool {
	select {
	case <-s:
		return true
	case <-ctx.Done():
		return false
	}
}

// StopSignal is held by a background goroutine and its owner. Stop fires
// the signal and Done reports completion; owners call Stop then wait on
// Done with a bounded timeout (the memory sampler's join is bounded by one
// tick, per the device profiler's teardown contract).
type StopSignal struct {
	stop chan struct{}
	done chan struct{}
}

// NewStopSignal creates a stop/done pair for a single background
// goroutine.
func NewStopSignal() *StopSignal {
	return &StopSignal{stop: make(chan struct{}), done: make(chan struct{})}
}

// Stopping returns the channel that closes when Stop is called.
func (s *StopSignal) Stopping() <-chan struct{} { return s.stop }

// Stop requests the goroutine to exit. Safe to call at most once.
func (s *StopSignal) Stop() { close(s.stop) }

// MarkDone is called by the goroutine immediately before it returns.
func (s *StopSignal) MarkDone() { close(s.done) }

// Wait blocks until MarkDone has been called.
func (s *StopSignal) Wait() { <-s.done }
