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

// Package recorder implements C4: the per-command-buffer state machine
// and command wrapping that is the heart of the profiler (spec §4.4).
package recorder

import "github.com/vklayers/profiler/internal/perrors"

// State is a command-buffer record's lifecycle state (spec §4.4).
type State int

const (
	StateInitial State = iota
	StateRecording
	StateExecutable
	StatePending
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateRecording:
		return "Recording"
	case StateExecutable:
		return "Executable"
	case StatePending:
		return "Pending"
	case StateInvalid:
		return "Invalid"
	}
	return "?"
}

// Level is a command buffer's level.
type Level int

const (
	LevelPrimary Level = iota
	LevelSecondary
)

// begin validates and performs the Initial/Executable -> Recording
// transition. Pending -> Recording is rejected with NotReady (spec §4.4
// "If begin is called on a command buffer in Pending, the operation fails
// with not-ready").
func begin(cur State) (State, error) {
	switch cur {
	case StateInitial, StateExecutable:
		return StateRecording, nil
	case StatePending:
		return cur, perrors.NotReady
	default:
		return cur, perrors.Wrap(perrors.Internal, "begin on invalid command buffer")
	}
}

func end(cur State) (State, error) {
	if cur != StateRecording {
		return cur, perrors.Wrap(perrors.Internal, "end without matching begin")
	}
	return StateExecutable, nil
}

func markPending(cur State) (State, error) {
	if cur != StateExecutable {
		return cur, perrors.NotReady
	}
	return StatePending, nil
}

func markExecutableAfterFence(cur State) (State, error) {
	if cur != StatePending {
		return cur, perrors.Wrap(perrors.Internal, "fence signaled for non-pending command buffer")
	}
	return StateExecutable, nil
}

// reset validates the Pending->reset rejection ("otherwise resets discard
// all queries and commands" implies any state other than Pending is
// resettable).
func reset(cur State) (State, error) {
	if cur == StatePending {
		return cur, perrors.NotReady
	}
	return StateInitial, nil
}
