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

package api

// SubpassDescriptor describes one subpass of a render pass record.
type SubpassDescriptor struct {
	Contents SubpassContents
}

// RenderPass is the immutable record for a created render pass (spec §3
// "Render-pass record"). A command buffer's recorded subpass index must
// always be valid for its current render-pass record; the recorder
// enforces this at begin/next-subpass time.
type RenderPass struct {
	Handle   Handle
	Subpasses []SubpassDescriptor
	Liveness LivenessToken
}

// SubpassAt validates idx against rp's subpass count.
func (rp *RenderPass) SubpassAt(idx uint32) (SubpassDescriptor, bool) {
	if int(idx) >= len(rp.Subpasses) {
		return SubpassDescriptor{}, false
	}
	return rp.Subpasses[idx], true
}
