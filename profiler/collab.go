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

	"github.com/vklayers/profiler/api"
	"github.com/vklayers/profiler/submit"
)

// DispatchChain is the out-of-scope loader plumbing the core forwards
// through: the next layer's implementations of every intercepted call.
// Only the operations the core itself must forward appear here; the
// GetProcAddr chains, extension enumeration and the rest of the layer
// scaffolding live outside this module.
type DispatchChain interface {
	// Submit forwards the native vkQueueSubmit.
	Submit(ctx context.Context, queue api.Handle, submits []submit.Submit, fence submit.Fence) error
	// Present forwards the native vkQueuePresentKHR.
	Present(ctx context.Context, queue api.Handle) error
}

// Overlay is the out-of-scope UI collaborator; the core only notifies it
// of published frames.
type Overlay interface {
	FramePublished(frame *api.FrameData)
}

// Serializer is the out-of-scope output collaborator (CSV, trace files).
type Serializer interface {
	WriteFrame(frame *api.FrameData) error
}

// RemoteControl is the out-of-scope optional control socket.
type RemoteControl interface {
	Serve(ctx context.Context) error
	Close() error
}
