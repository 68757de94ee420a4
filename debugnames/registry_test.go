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

package debugnames

import (
	"sync"
	"testing"

	"github.com/vklayers/profiler/api"
)

func TestUnknownHandleDisplaysAsHex(t *testing.T) {
	r := New()
	if got := r.Name(api.Handle(0xbeef)); got != "0xbeef" {
		t.Errorf("unknown handle name = %q, want 0xbeef", got)
	}
}

func TestSetAndRemoveName(t *testing.T) {
	r := New()
	h := api.Handle(0x100)
	r.SetName(h, "shadow-map-pass")
	if got := r.Name(h); got != "shadow-map-pass" {
		t.Errorf("Name = %q, want shadow-map-pass", got)
	}
	r.Remove(h)
	if got := r.Name(h); got != "0x100" {
		t.Errorf("Name after Remove = %q, want 0x100", got)
	}

	r.SetName(h, "again")
	r.SetName(h, "") // empty name clears
	if got := r.Name(h); got != "0x100" {
		t.Errorf("Name after empty SetName = %q, want 0x100", got)
	}
}

func TestConcurrentNaming(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(h api.Handle) {
			defer wg.Done()
			r.SetName(h, "object")
			if got := r.Name(h); got != "object" {
				t.Errorf("Name(%v) = %q", h, got)
			}
			r.Remove(h)
		}(api.Handle(i + 1))
	}
	wg.Wait()
}
